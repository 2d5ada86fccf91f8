package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/bookpay/internal/config"
)

const keyJobLock = "bookpay:scheduler:lock:"

// Deletes the lock only while the caller's token still holds it, so a sweep
// that overran its TTL cannot release the lock of the sweep that replaced it.
var releaseIfHeld = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var ErrJobNameEmpty = errors.New("job_name_empty")

// JobLock keeps a scheduler job to one process at a time across the API and
// worker fleet. Without Redis every caller acquires it and the row-level
// SKIP LOCKED claims on settlement tasks do the rest.
type JobLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewJobLock(cfg config.Config, client *redis.Client) *JobLock {
	ttl := cfg.RateLimit.SweeperLockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if !cfg.RateLimit.SweeperLockGuard {
		client = nil
	}
	return &JobLock{client: client, ttl: ttl}
}

func (j *JobLock) Enabled() bool {
	return j != nil && j.client != nil
}

// Acquire returns the holder token to pass to Release. ok is false when
// another process holds the job.
func (j *JobLock) Acquire(ctx context.Context, job string) (token string, ok bool, err error) {
	if !j.Enabled() {
		return "", true, nil
	}
	key, err := jobLockKey(job)
	if err != nil {
		return "", false, err
	}
	token = uuid.NewString()
	ok, err = j.client.SetNX(ctx, key, token, j.ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

func (j *JobLock) Release(ctx context.Context, job, token string) error {
	if !j.Enabled() || token == "" {
		return nil
	}
	key, err := jobLockKey(job)
	if err != nil {
		return err
	}
	return releaseIfHeld.Run(ctx, j.client, []string{key}, token).Err()
}

func jobLockKey(job string) (string, error) {
	job = strings.TrimSpace(job)
	if job == "" {
		return "", ErrJobNameEmpty
	}
	return keyJobLock + job, nil
}
