// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronWindow is the window in which a cron fire time is considered due.
// Jobs sent by a schedule are throttled by the same window, so a fire time
// results in a single job even if several processes see it.
const cronWindow = 60 * time.Second

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// parseCron parses a cron expression in the given timezone.
func parseCron(expr, timezone string) (cron.Schedule, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, invalidArgument("invalid timezone %q: %v", timezone, err)
	}
	sched, err := cronParser.Parse("CRON_TZ=" + timezone + " " + expr)
	if err != nil {
		return nil, invalidArgument("invalid cron expression %q: %v", expr, err)
	}
	return sched, nil
}

// cronDue reports whether the schedule fired within the window ending
// at now.
func cronDue(sched cron.Schedule, now time.Time) bool {
	next := sched.Next(now.Add(-cronWindow))
	return !next.After(now)
}

// timekeeper evaluates the schedules and sends their jobs when they are
// due.
type timekeeper struct {
	m *Manager
}

func newTimekeeper(m *Manager) *timekeeper {
	return &timekeeper{m: m}
}

func (tk *timekeeper) run(ctx context.Context) {
	t := time.NewTicker(tk.m.cronMonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := tk.tick(ctx, time.Now()); err != nil && ctx.Err() == nil {
				tk.m.reportError("", err)
			}
		}
	}
}

// tick sends the jobs of all due schedules. Only one process per cron
// monitor interval evaluates the schedules.
func (tk *timekeeper) tick(ctx context.Context, now time.Time) error {
	defer tk.m.testCronTicked() // testing hook

	ok, err := tk.m.st.LockCron(ctx, gateWindow(tk.m.cronMonitorInterval))
	if err != nil {
		return fmt.Errorf("jobqueue: cannot lock schedules: %w", err)
	}
	if !ok {
		return nil
	}
	schedules, err := tk.m.st.Schedules(ctx, "", "")
	if err != nil {
		return fmt.Errorf("jobqueue: cannot load schedules: %w", err)
	}
	for _, s := range schedules {
		sched, err := parseCron(s.Cron, s.Timezone)
		if err != nil {
			tk.m.reportError(s.Name, fmt.Errorf("jobqueue: schedule %s/%s: %w", s.Name, s.Key, err))
			continue
		}
		if !cronDue(sched, now) {
			continue
		}
		if err := tk.send(ctx, s); err != nil {
			tk.m.reportError(s.Name, fmt.Errorf("jobqueue: schedule %s/%s: %w", s.Name, s.Key, err))
		}
	}
	return nil
}

func (tk *timekeeper) send(ctx context.Context, s *Schedule) error {
	opts := copySendOptions(s.Options)
	opts.SingletonKey = s.Name + "__" + s.Key
	opts.SingletonSeconds = int(cronWindow / time.Second)
	opts.SingletonNextSlot = false
	var data interface{}
	if len(s.Data) > 0 {
		data = s.Data
	}
	_, err := tk.m.Send(ctx, s.Name, data, opts)
	return err
}

// -- Schedules --

// Schedule creates or replaces the schedule of a queue. The schedule
// sends a job with data to the queue whenever cronExpr fires.
func (m *Manager) Schedule(ctx context.Context, name, cronExpr string, data interface{}, opts *ScheduleOptions) error {
	if err := validateQueueName(name); err != nil {
		return err
	}
	if opts == nil {
		opts = &ScheduleOptions{}
	}
	if _, err := parseCron(cronExpr, opts.Timezone); err != nil {
		return err
	}
	q, err := m.registry.resolve(ctx, name)
	if err != nil {
		return err
	}
	ji := opts.Send.jobInsert(nil)
	ji.SingletonKey = name + "__" + opts.Key
	ji.SingletonSeconds = int(cronWindow / time.Second)
	if err := validateJobInsert(q, ji); err != nil {
		return err
	}

	var raw json.RawMessage
	if data != nil {
		if raw, err = json.Marshal(data); err != nil {
			return err
		}
	}
	timezone := opts.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	return m.st.Schedule(ctx, &Schedule{
		Name:     name,
		Key:      opts.Key,
		Cron:     cronExpr,
		Timezone: timezone,
		Data:     raw,
		Options:  opts.Send,
	})
}

// Unschedule removes the schedule of a queue with the given key.
func (m *Manager) Unschedule(ctx context.Context, name, key string) error {
	if err := validateQueueName(name); err != nil {
		return err
	}
	return m.st.Unschedule(ctx, name, key)
}

// GetSchedules returns the schedules, optionally filtered by queue name
// and key.
func (m *Manager) GetSchedules(ctx context.Context, name, key string) ([]*Schedule, error) {
	return m.st.Schedules(ctx, name, key)
}
