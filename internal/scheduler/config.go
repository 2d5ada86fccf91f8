package scheduler

import (
	"time"

	"github.com/smallbiznis/bookpay/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval  time.Duration
	BatchSize    int
	JobTimeout   time.Duration
	EnabledJobs  []string
	MaxRetryRuns int
	ReplayAfter  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval:  30 * time.Second,
		BatchSize:    50,
		JobTimeout:   30 * time.Second,
		MaxRetryRuns: 20,
		ReplayAfter:  2 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.RunInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
		ReplayAfter: cfg.Settlement.ReplayAfter,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	// Bounds one sweep so a queue that keeps refilling cannot pin the job.
	if c.MaxRetryRuns <= 0 {
		c.MaxRetryRuns = defaults.MaxRetryRuns
	}
	if c.ReplayAfter <= 0 {
		c.ReplayAfter = defaults.ReplayAfter
	}
	return c
}
