// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the manager settings that can be sourced from environment
// variables. Use LoadConfig and pass Config.Options to New.
type Config struct {
	Supervise           bool          `env:"JOBQUEUE_SUPERVISE"             envDefault:"true"`
	Schedule            bool          `env:"JOBQUEUE_SCHEDULE"              envDefault:"true"`
	Listen              bool          `env:"JOBQUEUE_LISTEN"                envDefault:"true"`
	MaintenanceInterval time.Duration `env:"JOBQUEUE_MAINTENANCE_INTERVAL"  envDefault:"60s"`
	QueueCacheInterval  time.Duration `env:"JOBQUEUE_QUEUE_CACHE_INTERVAL"  envDefault:"60s"`
	CronMonitorInterval time.Duration `env:"JOBQUEUE_CRON_MONITOR_INTERVAL" envDefault:"30s"`
	WIPInterval         time.Duration `env:"JOBQUEUE_WIP_INTERVAL"          envDefault:"2s"`
	SlowQueryThreshold  time.Duration `env:"JOBQUEUE_SLOW_QUERY_THRESHOLD"  envDefault:"30s"`
	WarningQueueSize    int           `env:"JOBQUEUE_WARNING_QUEUE_SIZE"`

	// ShutdownTimeout is not applied by the manager itself; pass it to
	// CloseWithTimeout.
	ShutdownTimeout time.Duration `env:"JOBQUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// LoadConfig parses Config from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaintenanceInterval < time.Second {
		return invalidArgument("maintenance interval must be at least 1s")
	}
	if c.CronMonitorInterval < time.Second {
		return invalidArgument("cron monitor interval must be at least 1s")
	}
	if c.QueueCacheInterval < time.Second {
		return invalidArgument("queue cache interval must be at least 1s")
	}
	if c.WarningQueueSize < 0 {
		return invalidArgument("warning queue size must not be negative")
	}
	return nil
}

// Options returns the manager options for the configuration.
func (c *Config) Options() []ManagerOption {
	return []ManagerOption{
		SetSupervise(c.Supervise),
		SetSchedule(c.Schedule),
		SetListen(c.Listen),
		SetMaintenanceInterval(c.MaintenanceInterval),
		SetQueueCacheInterval(c.QueueCacheInterval),
		SetCronMonitorInterval(c.CronMonitorInterval),
		SetWIPInterval(c.WIPInterval),
		SetSlowQueryThreshold(c.SlowQueryThreshold),
		SetWarningQueueSize(c.WarningQueueSize),
	}
}
