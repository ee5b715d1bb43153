package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/svcexp-policy-export/pkg/client"
	"github.com/Sternrassler/svcexp-policy-export/pkg/logging"
	"github.com/Sternrassler/svcexp-policy-export/pkg/pagination"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	// ErrListingFailed means the policy listing could not be fetched.
	ErrListingFailed = errors.New("policy listing failed")

	// ErrNoPolicies means the listing held no usable policies.
	ErrNoPolicies = errors.New("no policies to process")
)

// Policy outcomes for metrics and the run report.
const (
	OutcomeExported       = "exported"
	OutcomeSkippedError   = "skipped_error"
	OutcomeSkippedEmpty   = "skipped_empty"
	OutcomeDroppedInvalid = "dropped_invalid"
)

var (
	policiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "svcexp_policies_total",
		Help: "Total number of listed policies by join outcome",
	}, []string{"outcome"})

	exportRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "svcexp_export_rows_total",
		Help: "Total number of flattened policy setting rows produced",
	})
)

// FailurePolicy says what a failed collection fetch means for the run.
type FailurePolicy int

const (
	// AbortRun turns a failed fetch into a run-fatal error.
	AbortRun FailurePolicy = iota

	// SkipPolicy logs a failed fetch and lets the run continue without it.
	SkipPolicy
)

// String implements fmt.Stringer.
func (f FailurePolicy) String() string {
	switch f {
	case AbortRun:
		return "abort_run"
	case SkipPolicy:
		return "skip_policy"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(f))
	}
}

// Report summarizes one join.
type Report struct {
	Listed       int
	Valid        int
	Dropped      int
	Exported     int
	SkippedError int
	SkippedEmpty int
	Rows         int
	Duration     time.Duration
}

// Joiner fetches policies and their settings and flattens them.
type Joiner struct {
	fetcher   *pagination.Fetcher
	endpoints Endpoints
	logger    zerolog.Logger
}

// NewJoiner creates a joiner over fetcher for the service in endpoints.
func NewJoiner(fetcher *pagination.Fetcher, endpoints Endpoints) *Joiner {
	return &Joiner{
		fetcher:   fetcher,
		endpoints: endpoints,
		logger:    logging.NewLogger("joiner"),
	}
}

// Join returns one row per setting of every valid policy, ordered by policy
// listing order and then by setting order as returned by the API.
//
// A failed or empty listing, or a listing without valid policies, returns
// ErrListingFailed or ErrNoPolicies and no rows. A policy whose settings fetch
// fails or returns nothing is skipped. A cancelled ctx returns ctx.Err().
func (j *Joiner) Join(ctx context.Context) ([]ExportRow, Report, error) {
	start := time.Now()
	var report Report

	j.logger.Info().Str("url", j.endpoints.PolicyList()).Msg("Fetching policy listing")

	items, _, err := j.collect(ctx, j.endpoints.PolicyList(), AbortRun)
	if err != nil {
		j.logger.Error().Err(err).Msg("Could not retrieve any policies")
		return nil, report, err
	}
	if len(items) == 0 {
		j.logger.Error().Msg("Policy listing is empty")
		return nil, report, fmt.Errorf("%w: listing is empty", ErrNoPolicies)
	}
	report.Listed = len(items)

	records, malformed := DecodeRecords(items)
	if malformed > 0 {
		j.logger.Debug().Int("malformed", malformed).Msg("Listing has entries that are not objects")
	}

	policies := Filter(records)
	report.Valid = len(policies)
	report.Dropped = report.Listed - report.Valid
	policiesTotal.WithLabelValues(OutcomeDroppedInvalid).Add(float64(report.Dropped))

	if len(policies) == 0 {
		j.logger.Error().
			Int("listed", report.Listed).
			Msg("Listing has no entries with an id/policy_id and policy_category to fetch settings for")
		return nil, report, fmt.Errorf("%w: %d listed entries, none valid", ErrNoPolicies, report.Listed)
	}

	j.logger.Info().
		Int("listed", report.Listed).
		Int("valid", report.Valid).
		Msg("Filtered policy listing")

	var rows []ExportRow
	for i, p := range policies {
		plog := j.logger.With().
			Str("policy_id", p.ID).
			Str("policy_category", p.Category).
			Str("policy_name", p.Name).
			Logger()

		plog.Info().
			Int("index", i+1).
			Int("total", len(policies)).
			Msgf("Processing policy %d/%d", i+1, len(policies))

		items, ok, err := j.collect(ctx, j.endpoints.PolicySettings(p), SkipPolicy)
		if err != nil {
			return nil, report, err
		}
		if !ok {
			report.SkippedError++
			policiesTotal.WithLabelValues(OutcomeSkippedError).Inc()
			plog.Warn().Msg("Skipping policy due to fetch error")
			continue
		}
		settings, malformed := DecodeRecords(items)
		if malformed > 0 {
			plog.Warn().Int("malformed", malformed).Msg("Ignoring settings entries that are not objects")
		}
		if len(settings) == 0 {
			report.SkippedEmpty++
			policiesTotal.WithLabelValues(OutcomeSkippedEmpty).Inc()
			plog.Warn().Msg("Skipping policy, zero settings retrieved")
			continue
		}

		plog.Info().Int("settings", len(settings)).Msg("Retrieved settings")

		for _, s := range settings {
			rows = append(rows, NewExportRow(p, NormalizeSetting(s)))
		}
		report.Exported++
		policiesTotal.WithLabelValues(OutcomeExported).Inc()
	}

	report.Rows = len(rows)
	report.Duration = time.Since(start)
	exportRowsTotal.Add(float64(len(rows)))

	j.logger.Info().
		Int("rows", report.Rows).
		Int("exported", report.Exported).
		Int("skipped_error", report.SkippedError).
		Int("skipped_empty", report.SkippedEmpty).
		Dur("duration", report.Duration).
		Msg("Join complete")

	return rows, report, nil
}

// collect fetches the raw items of every page at url. Under AbortRun a failure is returned as
// an error wrapping ErrListingFailed. Under SkipPolicy it is logged and
// reported as ok=false. A cancelled ctx is always returned as an error.
func (j *Joiner) collect(ctx context.Context, url string, onFailure FailurePolicy) ([]json.RawMessage, bool, error) {
	items, err := pagination.FetchAll[json.RawMessage](ctx, j.fetcher, url)
	if err == nil {
		return items, true, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, false, ctxErr
	}

	switch onFailure {
	case SkipPolicy:
		event := j.logger.Warn().Err(err).Str("failure_policy", onFailure.String())
		if client.IsUnauthorized(err) {
			event = event.Str("hint", "session token may have expired")
		}
		event.Msg("Settings fetch failed")
		return nil, false, nil
	default:
		if client.IsUnauthorized(err) {
			j.logger.Error().Msg("Listing rejected with 401/403, refresh the session token")
		}
		return nil, false, fmt.Errorf("%w: %w", ErrListingFailed, err)
	}
}

// Filter keeps records that normalize to a policy, in input order.
func Filter(records []Record) []Policy {
	policies := make([]Policy, 0, len(records))
	for _, r := range records {
		if p, ok := NormalizePolicy(r); ok {
			policies = append(policies, p)
		}
	}
	return policies
}
