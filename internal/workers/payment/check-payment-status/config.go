package checkpaymentstatus

import (
	"fmt"
	"time"

	"skyfi-billing/internal/common/config"
)

type Config struct {
	Enabled       bool
	MaxJobsActive int
	Timeout       time.Duration

	// MaxPollAttempts bounds the poll loop of one purchase.
	MaxPollAttempts int
}

func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		MaxJobsActive:   5,
		Timeout:         15 * time.Second,
		MaxPollAttempts: 10,
	}
}

// ConfigFrom overlays the workers.check-payment-status section on the defaults.
func ConfigFrom(cfg *config.Config) *Config {
	c := DefaultConfig()
	if cfg == nil {
		return c
	}
	wc := config.GetWorkerConfig(cfg, TaskType)
	c.Enabled = wc.Enabled
	if wc.MaxJobsActive > 0 {
		c.MaxJobsActive = wc.MaxJobsActive
	}
	if wc.Timeout > 0 {
		c.Timeout = config.GetDuration(wc.Timeout)
	}
	if cfg.Workflow.MaxPollAttempts > 0 {
		c.MaxPollAttempts = cfg.Workflow.MaxPollAttempts
	}
	return c
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxJobsActive <= 0 {
		return fmt.Errorf("max_jobs_active must be positive")
	}
	if c.MaxPollAttempts <= 0 {
		return fmt.Errorf("max_poll_attempts must be positive")
	}
	return nil
}
