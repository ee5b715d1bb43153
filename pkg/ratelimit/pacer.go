// Package ratelimit paces successive page requests against the Service
// Explorer API.
//
// A Pacer is consulted before every request after the first page of a fetch.
// FixedPacer sleeps a constant delay. SharedPacer additionally claims a slot in
// Redis so that several exports against the same tenant keep that spacing
// between them, not only within each process.
package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultDelay is the pause between pages of one fetch.
const DefaultDelay = 1 * time.Second

// Prometheus metrics for pacing.
var (
	pacerWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "svcexp_pacer_waits_total",
		Help: "Total number of paced waits by pacer kind",
	}, []string{"pacer"})

	pacerWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "svcexp_pacer_wait_seconds",
		Help:    "Time spent waiting before a paced request by pacer kind",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"pacer"})
)

// Pacer blocks until the next paced request may be issued.
type Pacer interface {
	Wait(ctx context.Context) error
}

// FixedPacer waits a constant delay on every call.
type FixedPacer struct {
	Delay time.Duration
}

// NewFixedPacer returns a pacer sleeping delay per call. A zero delay never blocks.
func NewFixedPacer(delay time.Duration) *FixedPacer {
	return &FixedPacer{Delay: delay}
}

// Wait sleeps the delay or returns early with ctx.Err().
func (p *FixedPacer) Wait(ctx context.Context) error {
	start := time.Now()
	err := sleep(ctx, p.Delay)
	pacerWaitsTotal.WithLabelValues("fixed").Inc()
	pacerWaitSeconds.WithLabelValues("fixed").Observe(time.Since(start).Seconds())
	return err
}

// sleep blocks for d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
