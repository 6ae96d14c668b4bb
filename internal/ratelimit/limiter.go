// Package ratelimit implements RateLimiter: Redis-backed token buckets keyed
// by a composite action name, with an in-memory fallback when Redis is down.
package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
	xrate "golang.org/x/time/rate"

	"github.com/livestage/sfu-gateway/internal/metrics"
)

// Limiter checks composite-keyed token buckets (e.g. "chat:42:room-7",
// "gift:42"). Built on ulule/limiter with a Redis store; on store failure it
// fails open, matching the transient-infrastructure policy (logged, not
// surfaced as a rejection), and keeps a bounded in-memory fallback bucket per
// key so a sustained Redis outage still bounds abuse locally.
type Limiter struct {
	redisStore limiter.Store
	logger     *zap.Logger

	fallbackMu sync.Mutex
	fallback   map[string]*xrate.Limiter
}

// New builds a Limiter backed by Redis. If redisClient is nil, it falls back
// to an in-memory-only store (used in tests or a Redis-less dev mode).
func New(redisClient *redis.Client, logger *zap.Logger) (*Limiter, error) {
	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "limiter:v1:"})
		if err != nil {
			return nil, fmt.Errorf("ratelimit: create redis store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStore()
	}

	return &Limiter{
		redisStore: store,
		logger:     logger,
		fallback:   make(map[string]*xrate.Limiter),
	}, nil
}

// Allow checks whether key is within budget for the given formatted rate
// (e.g. "20-M" for 20 per minute, per ulule/limiter's format). Returns true
// when the request should proceed.
func (l *Limiter) Allow(ctx context.Context, action, key, formattedRate string) bool {
	rate, err := limiter.NewRateFromFormatted(formattedRate)
	if err != nil {
		l.logger.Error("ratelimit: invalid rate format", zap.String("action", action), zap.Error(err))
		return true
	}

	instance := limiter.New(l.redisStore, rate)
	lctx, err := instance.Get(ctx, key)
	if err != nil {
		l.logger.Warn("ratelimit: store unavailable, falling back to in-memory", zap.String("action", action), zap.Error(err))
		metrics.RedisErrorsTotal.Inc()
		return l.allowFallback(action, key, rate)
	}

	if lctx.Reached {
		metrics.RecordRateLimitRefusal(action)
		return false
	}
	return true
}

func (l *Limiter) allowFallback(action, key string, rate limiter.Rate) bool {
	fallbackKey := action + ":" + key
	l.fallbackMu.Lock()
	rl, ok := l.fallback[fallbackKey]
	if !ok {
		perSecond := float64(rate.Limit) / rate.Period.Seconds()
		rl = xrate.NewLimiter(xrate.Limit(perSecond), int(rate.Limit))
		l.fallback[fallbackKey] = rl
	}
	l.fallbackMu.Unlock()

	allowed := rl.Allow()
	if !allowed {
		metrics.RecordRateLimitRefusal(action)
	}
	return allowed
}
