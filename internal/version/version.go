/*
Package version holds build-time version information for netcertd.

Variables are injected at build time via ldflags:

	go build -ldflags "-X .../version.Version=0.1.0 -X .../version.Commit=abc1234 -X .../version.Date=2026-10-01T00:00:00Z"

Without ldflags the VCS revision recorded by the Go toolchain is used.
*/
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// These variables are set at build time via -ldflags.
var (
	// Version is the semantic version (e.g., "0.1.0").
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// Date is the build timestamp in ISO 8601 format.
	Date = "unknown"
)

// BuildInfo is the version reported by the CLI and the heartbeat endpoint.
type BuildInfo struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	Date      string `json:"date" yaml:"date"`
	GoVersion string `json:"goVersion" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

// Info returns the build information, filling gaps from the module's
// embedded VCS settings.
func Info() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.Commit == "unknown" {
					info.Commit = s.Value
				}
			case "vcs.time":
				if info.Date == "unknown" {
					info.Date = s.Value
				}
			}
		}
	}
	info.Commit = short(info.Commit)
	return info
}

// Full returns a human-readable version string.
func Full() string {
	i := Info()
	return fmt.Sprintf("netcertd %s (commit: %s, built: %s, %s)", i.Version, i.Commit, i.Date, i.Platform)
}

// short truncates a commit hash to 7 characters.
func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
