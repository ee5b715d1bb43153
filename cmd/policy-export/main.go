// Command policy-export writes every observed policy setting of one monitored
// service to a CSV report.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Sternrassler/svcexp-policy-export/pkg/client"
	"github.com/Sternrassler/svcexp-policy-export/pkg/config"
	"github.com/Sternrassler/svcexp-policy-export/pkg/export"
	"github.com/Sternrassler/svcexp-policy-export/pkg/logging"
	"github.com/Sternrassler/svcexp-policy-export/pkg/metrics"
	"github.com/Sternrassler/svcexp-policy-export/pkg/pagination"
	"github.com/Sternrassler/svcexp-policy-export/pkg/policy"
	"github.com/Sternrassler/svcexp-policy-export/pkg/ratelimit"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var version = "0.1.0"

// Exit codes.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// errUsage marks command line errors already reported by the flag set.
var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one export and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, showVersion, err := parseConfig(args, stderr)
	switch {
	case errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case err != nil:
		fmt.Fprintf(stderr, "policy-export: %v\n", err)
		return exitError
	}

	if showVersion {
		fmt.Fprintf(stdout, "policy-export %s\n", version)
		return exitOK
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: stderr,
		RunID:  uuid.NewString(),
	})

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("Configuration rejected")
		return exitError
	}

	redacted := cfg.Redacted()
	logger.Info().
		Str("origin", redacted.APIOrigin()).
		Str("service", redacted.Service).
		Str("ms_id", redacted.MonitoredServiceID).
		Int("page_size", redacted.PageSize).
		Dur("page_pause", redacted.PagePause).
		Str("version", version).
		Msg("Starting policy export")

	code := exportPolicies(ctx, cfg, logger)

	if cfg.MetricsFile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Warn().Err(err).Msg("Could not write metrics")
		}
	}

	return code
}

// exportPolicies joins and writes the report.
func exportPolicies(ctx context.Context, cfg config.Config, logger zerolog.Logger) int {
	apiClient, err := client.New(client.Config{
		SessionToken:         cfg.SessionToken,
		UserAgent:            client.DefaultUserAgent,
		Timeout:              cfg.RequestTimeout,
		MaxRequestsPerSecond: cfg.MaxRequestsPerSecond,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create API client")
		return exitError
	}
	defer apiClient.Close()

	pacer, closePacer := newPacer(ctx, cfg, logger)
	defer closePacer()

	fetcher, err := pagination.NewFetcher(apiClient, pagination.Config{
		Origin:   cfg.APIOrigin(),
		PageSize: cfg.PageSize,
		Pacer:    pacer,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create fetcher")
		return exitError
	}

	joiner := policy.NewJoiner(fetcher, policy.Endpoints{
		Origin:             cfg.APIOrigin(),
		Service:            cfg.Service,
		MonitoredServiceID: cfg.MonitoredServiceID,
	})

	rows, report, err := joiner.Join(ctx)
	switch {
	case ctx.Err() != nil:
		logger.Error().Err(ctx.Err()).Msg("Export interrupted, no file written")
		return exitError
	case errors.Is(err, policy.ErrListingFailed), errors.Is(err, policy.ErrNoPolicies):
		logger.Error().Err(err).Msg("No policies to export, no file written")
		return exitOK
	case err != nil:
		logger.Error().Err(err).Msg("Export failed, no file written")
		return exitError
	}

	path := filepath.Join(cfg.OutputDir, export.FileName(cfg.ReportName(), cfg.Service, time.Now()))

	result, err := export.NewWriter().Write(rows, path)
	if err != nil {
		logger.Error().Err(err).Str("path", path).Msg("Failed to write report")
		return exitError
	}
	if !result.Written {
		logger.Warn().
			Int("skipped_error", report.SkippedError).
			Int("skipped_empty", report.SkippedEmpty).
			Msg("No settings retrieved for any policy, no file written")
		return exitOK
	}

	logger.Info().
		Str("path", result.Path).
		Int("rows", result.Rows).
		Int("policies", report.Exported).
		Int("skipped", report.SkippedError+report.SkippedEmpty).
		Dur("duration", report.Duration).
		Msg("Export complete")

	return exitOK
}

// newPacer returns a Redis-backed pacer when a Redis URL is configured and
// reachable, and a local fixed pacer otherwise.
func newPacer(ctx context.Context, cfg config.Config, logger zerolog.Logger) (ratelimit.Pacer, func()) {
	local := ratelimit.NewFixedPacer(cfg.PagePause)
	if cfg.RedisURL == "" {
		return local, func() {}
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("Invalid Redis URL, pacing locally")
		return local, func() {}
	}

	redisClient := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", opts.Addr).Msg("Redis unreachable, pacing locally")
		redisClient.Close()
		return local, func() {}
	}

	logger.Info().Str("addr", opts.Addr).Msg("Pacing shared through Redis")

	scope := fmt.Sprintf("%s:%s:%s", originHost(cfg.APIOrigin()), cfg.Service, cfg.MonitoredServiceID)
	pacer := ratelimit.NewSharedPacer(redisClient, scope, cfg.PagePause, logger)
	return pacer, func() { redisClient.Close() }
}

func originHost(origin string) string {
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return u.Host
	}
	return origin
}

// parseConfig loads the configuration named by -config, or the defaults and
// environment, and overlays the flags that were set on the command line.
func parseConfig(args []string, stderr io.Writer) (config.Config, bool, error) {
	fs := flag.NewFlagSet("policy-export", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath  = fs.String("config", "", "YAML config file")
		instance    = fs.String("instance", "", "tenant prefix, e.g. acme for acme.appomni.com")
		origin      = fs.String("origin", "", "API origin, overrides -instance")
		token       = fs.String("token", "", "session token")
		service     = fs.String("service", "", "monitored service type (default "+config.DefaultService+")")
		msID        = fs.String("ms-id", "", "monitored service id")
		pageSize    = fs.Int("page-size", 0, "records per page")
		pause       = fs.Duration("pause", 0, "pause between pages of one collection")
		timeout     = fs.Duration("timeout", 0, "per-request timeout")
		maxRPS      = fs.Float64("max-rps", 0, "client-wide request ceiling, 0 = unlimited")
		outputDir   = fs.String("output-dir", "", "directory for the CSV report")
		redisURL    = fs.String("redis-url", "", "redis:// URL for pacing shared with other exports")
		metricsFile = fs.String("metrics-file", "", "write Prometheus metrics to this file at exit")
		logLevel    = fs.String("log-level", "", "debug, info, warn or error")
		logPretty   = fs.Bool("log-pretty", true, "human-readable console logs")
		showVersion = fs.Bool("version", false, "print version and exit")
	)

	if err := fs.Parse(args); err != nil {
		return config.Config{}, false, fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		fs.Usage()
		return config.Config{}, false, fmt.Errorf("%w: unexpected arguments", errUsage)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.Config{}, false, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "instance":
			cfg.Instance = *instance
		case "origin":
			cfg.Origin = *origin
		case "token":
			cfg.SessionToken = *token
		case "service":
			cfg.Service = *service
		case "ms-id":
			cfg.MonitoredServiceID = *msID
		case "page-size":
			cfg.PageSize = *pageSize
		case "pause":
			cfg.PagePause = *pause
		case "timeout":
			cfg.RequestTimeout = *timeout
		case "max-rps":
			cfg.MaxRequestsPerSecond = *maxRPS
		case "output-dir":
			cfg.OutputDir = *outputDir
		case "redis-url":
			cfg.RedisURL = *redisURL
		case "metrics-file":
			cfg.MetricsFile = *metricsFile
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-pretty":
			cfg.LogPretty = *logPretty
		}
	})

	return cfg, *showVersion, nil
}
