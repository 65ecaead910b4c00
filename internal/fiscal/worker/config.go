package worker

import (
	"time"
)

// Config controls the drain loop and the retry policy.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	AdapterTimeout    time.Duration
	RecoveryThreshold time.Duration
	LockTTL           time.Duration

	// MaxAttempts parks a job FAILED once reached. Zero means unlimited
	// automatic retries.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       15 * time.Second,
		BatchSize:         25,
		AdapterTimeout:    30 * time.Second,
		RecoveryThreshold: 15 * time.Minute,
		LockTTL:           time.Minute,
		MaxAttempts:       0,
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
	if c.AdapterTimeout <= 0 {
		c.AdapterTimeout = defaults.AdapterTimeout
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	return c
}
