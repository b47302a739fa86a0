package scheduler

import (
	"time"

	"github.com/smallbiznis/dunning/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	DispatchBatchSize int
	RecoveryThreshold time.Duration
	JobTimeout        time.Duration
	PassLockTTL       time.Duration
	// EvaluationCron gates the evaluation pass; empty evaluates on every tick.
	EvaluationCron string
	EnabledJobs    []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       time.Minute,
		BatchSize:         200,
		DispatchBatchSize: 50,
		RecoveryThreshold: 15 * time.Minute,
		JobTimeout:        5 * time.Minute,
		PassLockTTL:       10 * time.Minute,
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
	if c.DispatchBatchSize <= 0 {
		c.DispatchBatchSize = defaults.DispatchBatchSize
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.PassLockTTL <= 0 {
		c.PassLockTTL = defaults.PassLockTTL
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	engine := cfg.Engine
	return Config{
		RunInterval:       engine.RunInterval,
		BatchSize:         engine.BatchSize,
		DispatchBatchSize: engine.DispatchBatchSize,
		RecoveryThreshold: engine.RecoveryThreshold,
		PassLockTTL:       engine.PassLockTTL,
		EvaluationCron:    engine.EvaluationCron,
		EnabledJobs:       engine.EnabledJobs,
	}.withDefaults()
}
