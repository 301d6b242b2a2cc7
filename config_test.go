// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed with %v", err)
	}
	if !cfg.Supervise || !cfg.Schedule || !cfg.Listen {
		t.Fatal("want supervise, schedule, and listen to be enabled")
	}
	if want, have := defaultMaintenanceInterval, cfg.MaintenanceInterval; want != have {
		t.Fatalf("want MaintenanceInterval = %v, have %v", want, have)
	}
	if want, have := defaultCronMonitorInterval, cfg.CronMonitorInterval; want != have {
		t.Fatalf("want CronMonitorInterval = %v, have %v", want, have)
	}
	if want, have := 30*time.Second, cfg.ShutdownTimeout; want != have {
		t.Fatalf("want ShutdownTimeout = %v, have %v", want, have)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("JOBQUEUE_SUPERVISE", "false")
	t.Setenv("JOBQUEUE_LISTEN", "false")
	t.Setenv("JOBQUEUE_MAINTENANCE_INTERVAL", "5m")
	t.Setenv("JOBQUEUE_WIP_INTERVAL", "500ms")
	t.Setenv("JOBQUEUE_WARNING_QUEUE_SIZE", "1000")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed with %v", err)
	}
	m := New(cfg.Options()...)
	if m.supervise {
		t.Fatal("want supervise to be disabled")
	}
	if !m.schedule {
		t.Fatal("want schedule to be enabled")
	}
	if m.listen {
		t.Fatal("want listen to be disabled")
	}
	if want, have := 5*time.Minute, m.maintenanceInterval; want != have {
		t.Fatalf("want maintenanceInterval = %v, have %v", want, have)
	}
	if want, have := 500*time.Millisecond, m.wipInterval; want != have {
		t.Fatalf("want wipInterval = %v, have %v", want, have)
	}
	if want, have := 1000, m.warningQueueSize; want != have {
		t.Fatalf("want warningQueueSize = %d, have %d", want, have)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		Key   string
		Value string
	}{
		{"JOBQUEUE_MAINTENANCE_INTERVAL", "100ms"},
		{"JOBQUEUE_CRON_MONITOR_INTERVAL", "0s"},
		{"JOBQUEUE_QUEUE_CACHE_INTERVAL", "10ms"},
		{"JOBQUEUE_WARNING_QUEUE_SIZE", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.Key, func(t *testing.T) {
			t.Setenv(tt.Key, tt.Value)
			if _, err := LoadConfig(); !IsInvalidArgument(err) {
				t.Fatalf("want invalid argument, have %v", err)
			}
		})
	}

	t.Setenv("JOBQUEUE_MAINTENANCE_INTERVAL", "soon")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("want LoadConfig to fail on a malformed duration")
	}
}
