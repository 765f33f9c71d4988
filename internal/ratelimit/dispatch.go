package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/preset-hq/credits/internal/config"
)

// DispatchLimiter throttles generation dispatches per user. When rate
// limiting is disabled or redis is not configured the limiter is nil and
// every call to Allow succeeds.
type DispatchLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
	log    *zap.Logger
}

func NewDispatchLimiter(cfg config.Config, log *zap.Logger) (*DispatchLimiter, error) {
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RedisAddr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RateLimit.RedisAddr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})

	rate := cfg.RateLimit.DispatchRate
	if rate <= 0 {
		rate = 1
	}
	burst := cfg.RateLimit.DispatchBurst
	if burst <= 0 {
		burst = 5
	}

	return &DispatchLimiter{
		bucket: NewTokenBucket(client),
		rate:   rate,
		burst:  burst,
		log:    log.Named("ratelimit.dispatch"),
	}, nil
}

func (l *DispatchLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow reports whether the user may dispatch another generation now.
// Redis failures are logged and treated as allowed so a limiter outage
// does not take dispatching down with it.
func (l *DispatchLimiter) Allow(ctx context.Context, userID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}

	res, err := l.bucket.Allow(ctx, "dispatch:user:"+userID, l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limit check failed, allowing request",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return &Result{Allowed: true}, nil
	}
	return res, nil
}
