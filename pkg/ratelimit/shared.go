package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisKeyPrefix namespaces pace slots in Redis.
const RedisKeyPrefix = "svcexp:pace:"

// slotValue marks a claimed slot. Only the key's TTL is ever read.
const slotValue = "1"

// minPoll bounds how often a contended slot is re-checked.
const minPoll = 10 * time.Millisecond

var sharedContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "svcexp_pacer_contention_total",
	Help: "Total number of times a shared pace slot was held by another exporter",
})

// SharedPacer spaces paced requests across every process using the same scope.
//
// Each Wait first sleeps the delay locally, then claims the scope's slot with
// SET NX PX <delay>. While another process holds the slot it sleeps for the
// slot's remaining TTL and tries again. Redis errors degrade to local pacing.
type SharedPacer struct {
	redis  *redis.Client
	key    string
	delay  time.Duration
	logger zerolog.Logger
}

// NewSharedPacer creates a pacer for scope (typically the tenant host plus
// monitored service id).
func NewSharedPacer(redisClient *redis.Client, scope string, delay time.Duration, logger zerolog.Logger) *SharedPacer {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &SharedPacer{
		redis:  redisClient,
		key:    RedisKeyPrefix + scope,
		delay:  delay,
		logger: logger,
	}
}

// Key returns the Redis key holding the pace slot.
func (p *SharedPacer) Key() string {
	return p.key
}

// Wait blocks until both the local delay has elapsed and the shared slot is claimed.
func (p *SharedPacer) Wait(ctx context.Context) error {
	start := time.Now()
	defer func() {
		pacerWaitsTotal.WithLabelValues("shared").Inc()
		pacerWaitSeconds.WithLabelValues("shared").Observe(time.Since(start).Seconds())
	}()

	if err := sleep(ctx, p.delay); err != nil {
		return err
	}
	if p.delay <= 0 {
		return nil
	}

	for {
		claimed, err := p.redis.SetNX(ctx, p.key, slotValue, p.delay).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn().Err(err).Str("key", p.key).Msg("Shared pace slot unavailable, using local pacing")
			return nil
		}
		if claimed {
			return nil
		}

		sharedContentionTotal.Inc()

		ttl, err := p.redis.PTTL(ctx, p.key).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn().Err(err).Str("key", p.key).Msg("Shared pace slot TTL unavailable, using local pacing")
			return nil
		}
		if ttl < minPoll {
			ttl = minPoll
		}

		p.logger.Debug().
			Str("key", p.key).
			Dur("wait", ttl).
			Msg("Shared pace slot held by another exporter")

		if err := sleep(ctx, ttl); err != nil {
			return err
		}
	}
}
