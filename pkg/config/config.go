// Package config holds the immutable run configuration for a policy export.
//
// Values are layered: defaults, then an optional YAML file, then SVCEXP_*
// environment variables. The command line applies flags last.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Defaults.
const (
	DefaultService        = "o365"
	DefaultPageSize       = 1000
	DefaultPagePause      = 1 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultOutputDir      = "."
	DefaultLogLevel       = "info"

	// OriginTemplate builds the API origin from a tenant prefix.
	OriginTemplate = "https://%s.appomni.com"
)

// Environment variable names.
const (
	EnvInstance       = "SVCEXP_INSTANCE"
	EnvOrigin         = "SVCEXP_ORIGIN"
	EnvSessionToken   = "SVCEXP_SESSION_TOKEN"
	EnvService        = "SVCEXP_SERVICE"
	EnvMonitoredID    = "SVCEXP_MS_ID"
	EnvPageSize       = "SVCEXP_PAGE_SIZE"
	EnvPagePause      = "SVCEXP_PAGE_PAUSE"
	EnvRequestTimeout = "SVCEXP_REQUEST_TIMEOUT"
	EnvMaxRPS         = "SVCEXP_MAX_RPS"
	EnvOutputDir      = "SVCEXP_OUTPUT_DIR"
	EnvRedisURL       = "SVCEXP_REDIS_URL"
	EnvMetricsFile    = "SVCEXP_METRICS_FILE"
	EnvLogLevel       = "SVCEXP_LOG_LEVEL"
	EnvLogPretty      = "SVCEXP_LOG_PRETTY"
)

// Config is the run configuration. Construct it once and pass it by value.
type Config struct {
	// Instance is the tenant prefix, e.g. "acme" for acme.appomni.com.
	// It also names the output file.
	Instance string `yaml:"instance"`

	// Origin overrides the API origin derived from Instance.
	Origin string `yaml:"origin"`

	// SessionToken is sent as "Authorization: Session <token>".
	SessionToken string `yaml:"session_token"`

	// Service is the monitored service type code (e.g. "o365").
	Service string `yaml:"service"`

	// MonitoredServiceID is the numeric monitored service identifier.
	MonitoredServiceID string `yaml:"ms_id"`

	// Paging
	PageSize  int           `yaml:"page_size"`
	PagePause time.Duration `yaml:"page_pause"`

	// Transport
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	MaxRequestsPerSecond float64       `yaml:"max_requests_per_second"` // 0 = unlimited

	// Output
	OutputDir   string `yaml:"output_dir"`
	MetricsFile string `yaml:"metrics_file"`

	// RedisURL enables pacing shared with other exports of the same service.
	RedisURL string `yaml:"redis_url"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
}

// Default returns a configuration with every optional field set.
func Default() Config {
	return Config{
		Service:        DefaultService,
		PageSize:       DefaultPageSize,
		PagePause:      DefaultPagePause,
		RequestTimeout: DefaultRequestTimeout,
		OutputDir:      DefaultOutputDir,
		LogLevel:       DefaultLogLevel,
		LogPretty:      true,
	}
}

// Load returns defaults overlaid with the YAML file at path (if non-empty)
// and then the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv overlays environment variables found by lookup.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str(EnvInstance, &c.Instance)
	str(EnvOrigin, &c.Origin)
	str(EnvSessionToken, &c.SessionToken)
	str(EnvService, &c.Service)
	str(EnvMonitoredID, &c.MonitoredServiceID)
	str(EnvOutputDir, &c.OutputDir)
	str(EnvRedisURL, &c.RedisURL)
	str(EnvMetricsFile, &c.MetricsFile)
	str(EnvLogLevel, &c.LogLevel)

	if v, ok := lookup(EnvPageSize); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, EnvPageSize, err)
		}
		c.PageSize = n
	}

	for key, dst := range map[string]*time.Duration{
		EnvPagePause:      &c.PagePause,
		EnvRequestTimeout: &c.RequestTimeout,
	} {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup(EnvMaxRPS); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, EnvMaxRPS, err)
		}
		c.MaxRequestsPerSecond = f
	}

	if v, ok := lookup(EnvLogPretty); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, EnvLogPretty, err)
		}
		c.LogPretty = b
	}

	return nil
}

// APIOrigin returns the scheme://host origin all API paths are resolved against.
func (c Config) APIOrigin() string {
	if c.Origin != "" {
		return strings.TrimRight(c.Origin, "/")
	}
	if c.Instance == "" {
		return ""
	}
	return fmt.Sprintf(OriginTemplate, c.Instance)
}

// Validate reports the first problem that would prevent a run.
func (c Config) Validate() error {
	if c.Instance == "" && c.Origin == "" {
		return fmt.Errorf("%w: instance or origin is required", ErrInvalid)
	}

	origin, err := url.Parse(c.APIOrigin())
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("%w: origin %q must be an absolute URL", ErrInvalid, c.APIOrigin())
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return fmt.Errorf("%w: origin scheme must be http or https (got %q)", ErrInvalid, origin.Scheme)
	}

	if c.SessionToken == "" {
		return fmt.Errorf("%w: session token is required", ErrInvalid)
	}
	if c.Service == "" {
		return fmt.Errorf("%w: service is required", ErrInvalid)
	}
	if c.MonitoredServiceID == "" {
		return fmt.Errorf("%w: monitored service id is required", ErrInvalid)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("%w: page_size must be > 0 (got %d)", ErrInvalid, c.PageSize)
	}
	if c.PagePause < 0 {
		return fmt.Errorf("%w: page_pause must be >= 0 (got %s)", ErrInvalid, c.PagePause)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout must be > 0 (got %s)", ErrInvalid, c.RequestTimeout)
	}
	if c.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("%w: max_requests_per_second must be >= 0", ErrInvalid)
	}

	return nil
}

// ReportName returns the tag used in output file names, e.g. "acme".
// It falls back to the origin host when no instance is configured.
func (c Config) ReportName() string {
	if c.Instance != "" {
		return c.Instance
	}
	if u, err := url.Parse(c.APIOrigin()); err == nil && u.Hostname() != "" {
		return strings.SplitN(u.Hostname(), ".", 2)[0]
	}
	return "svcexp"
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.SessionToken != "" {
		c.SessionToken = "REDACTED"
	}
	return c
}
