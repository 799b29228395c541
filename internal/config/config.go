/*
Package config handles YAML configuration loading, validation, environment
overrides and CLI flag merging for netcertd.

Configuration is resolved in this order (highest priority first):
 1. CLI flags (explicitly passed)
 2. NETCERT_* environment variables (optionally from a .env file)
 3. Config file values
 4. Built-in defaults
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for netcertd.
type Config struct {
	Listen          string     `yaml:"listen"`
	LogDir          string     `yaml:"log_dir"`
	Verbose         bool       `yaml:"verbose"`
	DataDir         string     `yaml:"data_dir"`
	InstanceName    string     `yaml:"instance_name"`
	MaxNetworks     int        `yaml:"max_networks"`
	AutoBootstrap   bool       `yaml:"auto_bootstrap"`
	CAWatchInterval Duration   `yaml:"ca_watch_interval"`
	PublicIP        PublicIP   `yaml:"public_ip"`
	Timeouts        Timeouts   `yaml:"timeouts"`
	Management      Management `yaml:"management"`
	Stats           Stats      `yaml:"stats"`
}

// PublicIP configures the best-effort public address lookup recorded in
// network metadata.
type PublicIP struct {
	Enabled bool     `yaml:"enabled"`
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
}

// Timeouts holds server timeout configuration.
type Timeouts struct {
	Shutdown   Duration `yaml:"shutdown"`
	ReadHeader Duration `yaml:"read_header"`
}

// Management holds management endpoint configuration. An empty token
// disables the authenticated API.
type Management struct {
	PathPrefix string `yaml:"path_prefix"`
	Token      string `yaml:"token"`
}

// Stats holds statistics collection configuration.
type Stats struct {
	Enabled       bool     `yaml:"enabled"`
	FlushInterval Duration `yaml:"flush_interval"`
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		Listen:          ":8443",
		LogDir:          "logs",
		Verbose:         false,
		DataDir:         ".",
		MaxNetworks:     10,
		AutoBootstrap:   true,
		CAWatchInterval: Duration{30 * time.Second},
		PublicIP: PublicIP{
			Enabled: true,
			URL:     "https://api.ipify.org",
			Timeout: Duration{3 * time.Second},
		},
		Timeouts: Timeouts{
			Shutdown:   Duration{5 * time.Second},
			ReadHeader: Duration{10 * time.Second},
		},
		Management: Management{
			PathPrefix: "/netcert",
		},
		Stats: Stats{
			Enabled:       true,
			FlushInterval: Duration{60 * time.Second},
		},
	}
}

// Load reads a config file from disk and parses it. If path is empty,
// it searches for netcertd.yml or netcertd.yaml in the working directory.
// Returns the parsed config and the path that was loaded (empty if none found).
func Load(path string) (Config, string, error) {
	cfg := Default()

	if path == "" {
		path = discover()
		if path == "" {
			return cfg, "", nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, path, nil
}

// discover searches for a config file in the working directory.
func discover() string {
	for _, name := range []string{"netcertd.yml", "netcertd.yaml"} {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// EnvPrefix prefixes every environment variable the config reads.
const EnvPrefix = "NETCERT_"

// LoadDotEnv loads variables from the given .env files into the process
// environment without replacing variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides config values from NETCERT_* variables returned by
// lookup (usually os.LookupEnv). Unparseable values are reported together.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []string

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: invalid boolean %q", EnvPrefix, name, v))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: invalid integer %q", EnvPrefix, name, v))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: invalid duration %q", EnvPrefix, name, v))
				return
			}
			dst.Duration = d
		}
	}

	str("LISTEN", &c.Listen)
	str("LOG_DIR", &c.LogDir)
	boolean("VERBOSE", &c.Verbose)
	str("DATA_DIR", &c.DataDir)
	str("INSTANCE_NAME", &c.InstanceName)
	integer("MAX_NETWORKS", &c.MaxNetworks)
	boolean("AUTO_BOOTSTRAP", &c.AutoBootstrap)
	duration("CA_WATCH_INTERVAL", &c.CAWatchInterval)
	boolean("PUBLIC_IP_ENABLED", &c.PublicIP.Enabled)
	str("PUBLIC_IP_URL", &c.PublicIP.URL)
	duration("PUBLIC_IP_TIMEOUT", &c.PublicIP.Timeout)
	str("MANAGEMENT_PATH_PREFIX", &c.Management.PathPrefix)
	str("MANAGEMENT_TOKEN", &c.Management.Token)
	boolean("STATS_ENABLED", &c.Stats.Enabled)

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

// CLIOverrides holds values from CLI flags that should override config file values.
// A nil value means the flag was not explicitly set.
type CLIOverrides struct {
	Addr         *string
	LogDir       *string
	Verbose      *bool
	DataDir      *string
	InstanceName *string
	MaxNetworks  *int
}

// Merge applies CLI flag overrides to a loaded config. Only explicitly-set
// flags override config file values.
func (c *Config) Merge(o CLIOverrides) {
	if o.Addr != nil {
		c.Listen = *o.Addr
	}
	if o.LogDir != nil {
		c.LogDir = *o.LogDir
	}
	if o.Verbose != nil {
		c.Verbose = *o.Verbose
	}
	if o.DataDir != nil {
		c.DataDir = *o.DataDir
	}
	if o.InstanceName != nil {
		c.InstanceName = *o.InstanceName
	}
	if o.MaxNetworks != nil {
		c.MaxNetworks = *o.MaxNetworks
	}
}

// Validate checks the config for invalid values and returns an error
// describing all problems found.
func (c *Config) Validate() error {
	var errs []string

	if _, err := net.ResolveTCPAddr("tcp", c.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("listen: invalid address %q: %v", c.Listen, err))
	}

	if c.DataDir == "" {
		errs = append(errs, "data_dir: must not be empty")
	}

	if c.MaxNetworks < 1 {
		errs = append(errs, fmt.Sprintf("max_networks: must be at least 1, got %d", c.MaxNetworks))
	}

	if c.CAWatchInterval.Duration < 0 {
		errs = append(errs, fmt.Sprintf("ca_watch_interval: must not be negative, got %s", c.CAWatchInterval))
	}

	if c.PublicIP.Enabled {
		errs = append(errs, validateHTTPURL("public_ip.url", c.PublicIP.URL)...)
		if c.PublicIP.Timeout.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("public_ip.timeout: must be positive, got %s", c.PublicIP.Timeout))
		}
	}

	if c.Timeouts.Shutdown.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.shutdown: must be positive, got %s", c.Timeouts.Shutdown))
	}
	if c.Timeouts.ReadHeader.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("timeouts.read_header: must be positive, got %s", c.Timeouts.ReadHeader))
	}

	if c.Stats.Enabled && c.Stats.FlushInterval.Duration <= 0 {
		errs = append(errs, fmt.Sprintf("stats.flush_interval: must be positive, got %s", c.Stats.FlushInterval))
	}

	if !strings.HasPrefix(c.Management.PathPrefix, "/") {
		errs = append(errs, fmt.Sprintf("management.path_prefix: must start with /, got %q", c.Management.PathPrefix))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return nil
}

func validateHTTPURL(field, raw string) []string {
	u, err := url.Parse(raw)
	if err != nil {
		return []string{fmt.Sprintf("%s: invalid URL %q: %v", field, raw, err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return []string{fmt.Sprintf("%s: scheme must be http or https, got %q", field, u.Scheme)}
	}
	if u.Host == "" {
		return []string{fmt.Sprintf("%s: missing host in %q", field, raw)}
	}
	return nil
}

// Dump serializes the config to YAML. The management token is redacted.
func (c *Config) Dump() ([]byte, error) {
	out := *c
	if out.Management.Token != "" {
		out.Management.Token = "<redacted>"
	}
	return yaml.Marshal(&out)
}
