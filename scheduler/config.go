package scheduler

import (
	"fmt"
	"log/slog"
	"time"
)

type Config struct {
	Logger            *slog.Logger     `json:"-"`
	Clock             func() time.Time `json:"-"`
	Workers           int              `json:"workers"`
	ManualWait        time.Duration    `json:"manual-wait"`
	RetentionDisabled bool             `json:"retention-disabled"`
	RetentionInterval time.Duration    `json:"retention-interval"`
	BalancerInterval  time.Duration    `json:"balancer-interval"`
}

func DefaultConfig() Config {
	return Config{
		Workers:           8,
		ManualWait:        3 * time.Second,
		RetentionInterval: time.Minute,
		BalancerInterval:  2 * time.Minute,
	}
}

func Validate(config Config) error {
	if config.Workers < 1 {
		return fmt.Errorf("workers must be greater than 0")
	}
	if config.ManualWait < 0 {
		return fmt.Errorf("manual-wait must not be negative")
	}
	if config.RetentionInterval <= 0 {
		return fmt.Errorf("retention-interval must be greater than 0")
	}
	if config.BalancerInterval <= 0 {
		return fmt.Errorf("balancer-interval must be greater than 0")
	}
	return nil
}
