package ratelimit

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/bookpay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicLimiterDisabledAllowsEverything(t *testing.T) {
	l, err := NewPublicLimiter(config.Config{}, nil)
	require.NoError(t, err)
	assert.False(t, l.Enabled())

	res, err := l.Allow(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestPublicLimiterRequiresRedis(t *testing.T) {
	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, PublicRate: 5, PublicBurst: 10}}
	_, err := NewPublicLimiter(cfg, nil)
	assert.Error(t, err)
}

func TestPublicLimiterRejectsBadRates(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, PublicRate: 0, PublicBurst: 10}}
	_, err := NewPublicLimiter(cfg, client)
	assert.Error(t, err)
}

func TestJobLockWithoutRedisAlwaysAcquires(t *testing.T) {
	lock := NewJobLock(config.Config{RateLimit: config.RateLimitConfig{SweeperLockGuard: true}}, nil)
	assert.False(t, lock.Enabled())

	token, ok, err := lock.Acquire(context.Background(), "settlement_retry")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, token)
	assert.NoError(t, lock.Release(context.Background(), "settlement_retry", token))
}

func TestJobLockGuardSwitch(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	off := NewJobLock(config.Config{RateLimit: config.RateLimitConfig{SweeperLockGuard: false}}, client)
	assert.False(t, off.Enabled())

	on := NewJobLock(config.Config{RateLimit: config.RateLimitConfig{SweeperLockGuard: true}}, client)
	assert.True(t, on.Enabled())
	assert.Equal(t, 2*time.Minute, on.ttl)
}

func TestNilJobLockAndBucket(t *testing.T) {
	var l *JobLock
	token, ok, err := l.Acquire(context.Background(), "settlement_retry")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Release(context.Background(), "settlement_retry", token))

	var b *TokenBucket
	_, err = b.Allow(context.Background(), "k", 1, 1)
	assert.ErrorIs(t, err, ErrLimiterNotConfigured)
}

func TestJobLockKey(t *testing.T) {
	key, err := jobLockKey(" voucher_expiry ")
	require.NoError(t, err)
	assert.Equal(t, "bookpay:scheduler:lock:voucher_expiry", key)

	_, err = jobLockKey("  ")
	assert.ErrorIs(t, err, ErrJobNameEmpty)
}

func TestParseBucketReply(t *testing.T) {
	res, err := parseBucketReply([]interface{}{int64(1), "4.5", int64(1700000000000)}, 2, 10)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
	assert.Equal(t, 10, res.Limit)
	assert.Zero(t, res.RetryAfter)

	res, err = parseBucketReply([]interface{}{int64(0), "0.5", int64(1700000000000)}, 2, 10)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 250*time.Millisecond, res.RetryAfter)

	_, err = parseBucketReply([]interface{}{int64(1)}, 2, 10)
	assert.ErrorIs(t, err, ErrLimiterResponse)
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, 8*time.Second, bucketTTL(5, 20))
	assert.Equal(t, time.Second, bucketTTL(1000, 1))
}
