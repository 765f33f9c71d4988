package scheduler

import (
	"os"
	"strings"
	"time"
)

// Config controls scheduler intervals, per-job timeouts and job selection.
type Config struct {
	RunInterval        time.Duration
	JobTimeout         time.Duration
	StaleTaskThreshold time.Duration
	EnabledJobs        []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:        time.Minute,
		JobTimeout:         30 * time.Second,
		StaleTaskThreshold: 30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.StaleTaskThreshold <= 0 {
		c.StaleTaskThreshold = defaults.StaleTaskThreshold
	}
	return c
}

func ProvideConfig() Config {
	cfg := DefaultConfig()
	if raw := os.Getenv("SCHEDULER_RUN_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.RunInterval = d
		}
	}
	if raw := os.Getenv("SCHEDULER_JOB_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.JobTimeout = d
		}
	}
	if raw := os.Getenv("SCHEDULER_STALE_TASK_THRESHOLD"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.StaleTaskThreshold = d
		}
	}
	if raw := os.Getenv("SCHEDULER_ENABLED_JOBS"); raw != "" {
		for _, job := range strings.Split(raw, ",") {
			if job = strings.TrimSpace(job); job != "" {
				cfg.EnabledJobs = append(cfg.EnabledJobs, job)
			}
		}
	}
	return cfg.withDefaults()
}
