package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/bookpay/internal/config"
)

const keyPublicClient = "bookpay:ratelimit:public:%s"

// PublicLimiter throttles unauthenticated endpoints (webhooks, redirects) per
// client address.
type PublicLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

func NewPublicLimiter(cfg config.Config, client *redis.Client) (*PublicLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return &PublicLimiter{}, nil
	}
	if client == nil {
		return nil, errors.New("rate limit requires REDIS_ADDR")
	}
	if limitCfg.PublicRate <= 0 || limitCfg.PublicBurst <= 0 {
		return nil, errors.New("public rate limit must be positive")
	}
	return &PublicLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.PublicRate,
		burst:   limitCfg.PublicBurst,
	}, nil
}

func (l *PublicLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *PublicLimiter) Allow(ctx context.Context, clientKey string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyPublicClient, strings.TrimSpace(clientKey)), l.rate, l.burst)
}
