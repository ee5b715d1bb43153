// Package logging configures the zerolog logger shared by the exporter packages.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs request flow and page bodies on failure.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs progress lines.
	LevelInfo LogLevel = "info"

	// LevelWarn logs skipped policies and degraded results.
	LevelWarn LogLevel = "warn"

	// LevelError logs run-fatal conditions only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Output is the writer logs go to (default: os.Stderr).
	Output io.Writer

	// RunID is attached to every line when set.
	RunID string
}

// DefaultConfig returns console output at info level, which is what an
// operator running the export by hand wants to watch.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: true,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.RunID != "" {
		ctx = ctx.Str("run_id", cfg.RunID)
	}
	logger := ctx.Logger()

	log.Logger = logger

	return logger
}

// ParseLevel converts a LogLevel to a zerolog.Level. Unknown values map to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger derived from the global one with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: request flow
//   - Request URL and method
//   - Response body excerpt on a failed page
//   - Pacer waits
//
// Info: progress an operator follows
//   - Page N fetched from URL
//   - Policy i/N being processed, settings retrieved
//   - Report written (path, rows)
//
// Warn: degraded but not fatal
//   - Policy skipped after a settings fetch failure
//   - Policy skipped because it has zero settings
//   - No data, no file written
//
// Error: the run cannot produce output
//   - Policy listing failed
//   - Listing held no usable policies
//   - Output file could not be written
//
// Context Fields:
//   - component: package emitting the line
//   - run_id: identifier of one export run
//   - url: page URL (never includes credentials)
//   - page: 1-based page number within one fetch
//   - status_code: HTTP status code
//   - error_class: client, server, rate_limit, network, decode
//   - policy_id, policy_category, policy_name: join keys
