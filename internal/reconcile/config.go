package reconcile

import (
	"time"
)

// Config controls reconciler batch sizes and job timeouts. Intervals and age thresholds
// come from the storefront policy so they can change without a restart.
type Config struct {
	BatchSize   int
	JobTimeout  time.Duration
	LockTTL     time.Duration
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		BatchSize:  50,
		JobTimeout: 30 * time.Second,
		LockTTL:    2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
