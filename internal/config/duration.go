package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration read from YAML or the environment. Both Go
// duration strings ("30s", "2m30s") and bare integers, taken as seconds,
// are accepted: `ca_watch_interval: 30` and `ca_watch_interval: 30s` mean
// the same thing.
type Duration struct {
	time.Duration
}

var errNegativeDuration = errors.New("must not be negative")

// ParseDuration parses s as a Go duration or a whole number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		if secs < 0 {
			return 0, errNegativeDuration
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errNegativeDuration
	}
	return d, nil
}

// UnmarshalYAML accepts a scalar duration string or integer.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar (e.g. \"30s\" or 30)", value.Line)
	}
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration in Go notation, so dumps round-trip.
func (d Duration) MarshalYAML() (any, error) { //nolint:unparam // yaml.Marshaler
	return d.Duration.String(), nil
}
