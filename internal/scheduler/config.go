package scheduler

import (
	"time"

	"github.com/soulbridge/atelier/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval          time.Duration
	BatchSize            int
	RefundRetryBatchSize int
	RetentionDays        int
	MonthlyGrantEnabled  bool
	EnabledJobs          []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:          time.Minute,
		BatchSize:            50,
		RefundRetryBatchSize: 25,
		RetentionDays:        30,
		MonthlyGrantEnabled:  true,
	}
}

func ProvideConfig(cfg config.Config) Config {
	out := DefaultConfig()
	if cfg.UsageRetentionDays > 0 {
		out.RetentionDays = cfg.UsageRetentionDays
	}
	out.MonthlyGrantEnabled = cfg.MonthlyGrantEnabled
	return out
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.RefundRetryBatchSize <= 0 {
		c.RefundRetryBatchSize = defaults.RefundRetryBatchSize
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaults.RetentionDays
	}
	return c
}
