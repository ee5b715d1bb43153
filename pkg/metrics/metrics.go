// Package metrics documents the Prometheus metrics of the exporter and dumps
// them for the node-exporter textfile collector.
// Metrics are defined in their respective packages (client, pagination,
// ratelimit, policy) to keep those packages self-contained.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Gatherer is read by WriteTextfile. Every package registers its metrics
// with the default registry via promauto.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer

// WriteTextfile writes every gathered metric to path in the text exposition
// format. The file is replaced atomically.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Gatherer); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - svcexp_requests_total{endpoint, status} (Counter): Requests by path and HTTP status
//   - svcexp_request_duration_seconds{endpoint} (Histogram): Request duration by path
//   - svcexp_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, decode)
//
// Pagination Metrics (pkg/pagination):
//   - svcexp_pages_fetched_total (Counter): Result pages fetched
//   - svcexp_fetch_failures_total (Counter): Paginated fetches aborted by a failed page
//
// Pacing Metrics (pkg/ratelimit):
//   - svcexp_pacer_waits_total{pacer} (Counter): Pauses taken between pages
//   - svcexp_pacer_wait_seconds{pacer} (Histogram): Time spent pausing
//   - svcexp_pacer_contention_total (Counter): Shared slot claims lost to another process
//
// Join Metrics (pkg/policy):
//   - svcexp_policies_total{outcome} (Counter): Listed policies by outcome
//     (exported, skipped_error, skipped_empty, dropped_invalid)
//   - svcexp_export_rows_total (Counter): Flattened rows produced
//
// Example Prometheus Queries:
//
//   # Policies skipped after a settings error
//   svcexp_policies_total{outcome="skipped_error"}
//
//   # Session problems
//   svcexp_requests_total{status=~"401|403"}
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(svcexp_request_duration_seconds_bucket[5m]))
