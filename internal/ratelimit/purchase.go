package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/bookshelf/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyPurchaseUser = "bookshelf:ratelimit:purchase:%s"

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// PurchaseLimiter throttles purchase initiation per user. It is shared across instances
// through redis and disabled without it.
type PurchaseLimiter struct {
	bucket    *TokenBucket
	rate      float64
	burst     int
	retryHint time.Duration
	log       *zap.Logger
}

type PurchaseLimiterParams struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Redis *redis.Client `optional:"true"`
}

func NewPurchaseLimiter(p PurchaseLimiterParams) (*PurchaseLimiter, error) {
	limitCfg := p.Cfg.RateLimit
	log := p.Log.Named("ratelimit.purchase")
	if !limitCfg.Enabled {
		return nil, nil
	}
	if p.Redis == nil {
		log.Warn("purchase rate limit enabled without redis, limiter disabled")
		return nil, nil
	}
	if limitCfg.PurchaseRate <= 0 || limitCfg.PurchaseBurst <= 0 {
		return nil, fmt.Errorf("purchase rate limit must be positive: rate=%v burst=%d", limitCfg.PurchaseRate, limitCfg.PurchaseBurst)
	}
	return &PurchaseLimiter{
		bucket:    NewTokenBucket(p.Redis),
		rate:      limitCfg.PurchaseRate,
		burst:     limitCfg.PurchaseBurst,
		retryHint: limitCfg.DeniedRetryHint,
		log:       log,
	}, nil
}

func (l *PurchaseLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow fails open: a redis outage must not block purchases.
func (l *PurchaseLimiter) Allow(ctx context.Context, userID string) Decision {
	if !l.Enabled() {
		return Decision{Allowed: true}
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyPurchaseUser, strings.TrimSpace(userID)), l.rate, l.burst)
	if err != nil {
		l.log.Warn("purchase rate limit check failed", zap.String("user_id", userID), zap.Error(err))
		return Decision{Allowed: true}
	}
	if res.Allowed {
		return Decision{Allowed: true}
	}
	wait := res.RetryAfter
	if wait <= 0 {
		wait = l.retryHint
	}
	return Decision{Allowed: false, RetryAfter: wait}
}
