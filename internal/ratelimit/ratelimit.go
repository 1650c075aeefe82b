// Package ratelimit admits or rejects requests against fixed one-minute
// windows counted in the shared cache. Counters live under
// rate_limit:{origin}:{window} keys that expire on their own, so there is
// no cleanup path to run. When the counting store is unreachable the
// limiter admits and logs; enforcement is never allowed to become an
// outage of its own.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/outflowhq/outflow/internal/cache"
	"github.com/outflowhq/outflow/internal/metrics"
)

const (
	// Window is the fixed admission window.
	Window = time.Minute

	// keyGrace pads the counter TTL past the window edge so boundary
	// requests racing the rollover still find their counter, and a lost
	// Expire call cannot leave the key around forever.
	keyGrace = 10 * time.Second
)

// Tier selects which ceiling applies to an origin.
type Tier string

const (
	TierIP   Tier = "ip"
	TierUser Tier = "user"
)

// Origin identifies who is being limited: a client IP or an
// authenticated user.
type Origin struct {
	Tier Tier
	Key  string
}

func (o Origin) String() string {
	return string(o.Tier) + ":" + o.Key
}

// Decision is the outcome of one admission check. Reset is the start of
// the next window; RetryAfter is only set on rejection.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Reset      time.Time
}

// Limiter counts requests per origin in fixed windows.
type Limiter struct {
	cache     cache.Cache
	ipLimit   int
	userLimit int
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New builds a limiter over the given counter store with per-tier
// ceilings in requests per window.
func New(c cache.Cache, ipLimit, userLimit int, logger *slog.Logger) *Limiter {
	return &Limiter{
		cache:     c,
		ipLimit:   ipLimit,
		userLimit: userLimit,
		logger:    logger.With("component", "ratelimit"),
		metrics:   metrics.Get(),
		now:       time.Now,
	}
}

// Allow counts the request against its origin's current window and
// decides admission. Store failures admit the request with a warning.
func (l *Limiter) Allow(ctx context.Context, origin Origin) Decision {
	limit := l.ipLimit
	if origin.Tier == TierUser {
		limit = l.userLimit
	}

	now := l.now()
	window := now.Unix() / int64(Window/time.Second)
	reset := time.Unix((window+1)*int64(Window/time.Second), 0)
	key := fmt.Sprintf("rate_limit:%s:%d", origin, window)

	count, err := l.cache.Increment(ctx, key, 1)
	if err != nil {
		l.metrics.RateLimitFailOpen.Inc()
		l.logger.Warn("rate limit store unreachable, admitting request",
			"origin", origin.String(), "error", err)
		return Decision{Allowed: true, Limit: limit, Remaining: limit, Reset: reset}
	}
	if count == 1 {
		if err := l.cache.Expire(ctx, key, Window+keyGrace); err != nil {
			l.logger.Warn("failed to set window expiry", "key", key, "error", err)
		}
	}

	if count > int64(limit) {
		l.metrics.RequestsRejected.WithLabelValues(string(origin.Tier)).Inc()
		return Decision{
			Limit:      limit,
			RetryAfter: Window,
			Reset:      reset,
		}
	}

	l.metrics.RequestsAdmitted.WithLabelValues(string(origin.Tier)).Inc()
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count),
		Reset:     reset,
	}
}
