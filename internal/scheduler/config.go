package scheduler

import (
	"errors"
	"time"

	"github.com/smallbiznis/creatorpay/internal/config"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Config controls scheduler intervals and batch sizes.
type Config struct {
	Enabled        bool
	RunInterval    time.Duration
	BatchSize      int
	EnabledJobs    []string
	LeaderLock     bool
	SnapshotMaxAge time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		RunInterval:    time.Minute,
		BatchSize:      50,
		LeaderLock:     true,
		SnapshotMaxAge: 10 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:        cfg.Scheduler.Enabled,
		RunInterval:    cfg.Scheduler.RunInterval,
		BatchSize:      cfg.Scheduler.BatchSize,
		EnabledJobs:    cfg.Scheduler.EnabledJobs,
		LeaderLock:     cfg.Scheduler.LeaderLock,
		SnapshotMaxAge: cfg.Scheduler.SnapshotMaxAge,
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
	if c.SnapshotMaxAge <= 0 {
		c.SnapshotMaxAge = defaults.SnapshotMaxAge
	}
	return c
}
