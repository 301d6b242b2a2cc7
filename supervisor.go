// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// supervisor periodically maintains the queues: it expires jobs that ran
// too long or missed their heartbeat, deletes jobs past their retention,
// and refreshes the queue counters.
type supervisor struct {
	m  *Manager
	mu sync.Mutex // held while a maintenance run is in progress
}

func newSupervisor(m *Manager) *supervisor {
	return &supervisor{m: m}
}

// run maintains the queues every maintenance interval until ctx is done.
func (s *supervisor) run(ctx context.Context) {
	interval := s.m.maintenanceInterval
	for {
		started := time.Now()
		if s.mu.TryLock() {
			s.maintainDue(ctx)
			s.mu.Unlock()
		}
		elapsed := time.Since(started)

		wait := interval - elapsed
		if elapsed > interval {
			s.m.reportWarning("", fmt.Sprintf("maintenance took %v, longer than its interval of %v", elapsed.Round(time.Millisecond), interval))
			wait = interval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// gateWindow is the window of a store gate for a loop running every
// interval. It is a tenth shorter than interval to absorb timer and
// database latency.
func gateWindow(interval time.Duration) time.Duration {
	return interval - interval/10
}

// maintainDue maintains the queues that were not maintained within the
// last maintenance interval.
func (s *supervisor) maintainDue(ctx context.Context) error {
	return s.maintain(ctx, gateWindow(s.m.maintenanceInterval), nil)
}

// superviseNow maintains the given queues, or all queues, regardless of
// when they were maintained last. It waits for a running maintenance to
// finish first.
func (s *supervisor) superviseNow(ctx context.Context, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maintain(ctx, 0, names)
}

// maintain runs the maintenance actions on all queues that are due. Errors
// of single actions are reported and do not stop the remaining actions.
func (s *supervisor) maintain(ctx context.Context, interval time.Duration, names []string) error {
	defer s.m.testMaintenanceDone() // testing hook

	var queues []string
	err := s.retry(ctx, func() error {
		var err error
		queues, err = s.m.st.LockQueues(ctx, interval, names...)
		return err
	})
	if err != nil {
		err = fmt.Errorf("jobqueue: cannot lock queues for maintenance: %w", err)
		s.m.reportError("", err)
		return err
	}

	var errs []error
	for _, name := range queues {
		if ctx.Err() != nil {
			break
		}
		for _, a := range s.actions() {
			if err := s.runAction(ctx, name, a); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

type maintenanceAction struct {
	name string
	fn   func(ctx context.Context, queue string) error
}

func (s *supervisor) actions() []maintenanceAction {
	st := s.m.st
	return []maintenanceAction{
		{"expire jobs", func(ctx context.Context, queue string) error {
			_, err := st.ExpireJobs(ctx, queue)
			return err
		}},
		{"expire heartbeats", func(ctx context.Context, queue string) error {
			_, err := st.ExpireHeartbeats(ctx, queue)
			return err
		}},
		{"delete expired jobs", func(ctx context.Context, queue string) error {
			_, err := st.DeleteExpired(ctx, queue)
			return err
		}},
		{"refresh queue stats", s.refreshStats},
	}
}

// runAction runs a single action with retries. Slow actions and errors
// are reported as events.
func (s *supervisor) runAction(ctx context.Context, queue string, a maintenanceAction) error {
	started := time.Now()
	err := s.retry(ctx, func() error {
		return a.fn(ctx, queue)
	})
	if elapsed := time.Since(started); elapsed > s.m.slowQueryThreshold {
		s.m.reportWarning(queue, fmt.Sprintf("maintenance action %q on queue %s took %v", a.name, queue, elapsed.Round(time.Millisecond)))
	}
	if err != nil {
		err = fmt.Errorf("jobqueue: maintenance action %q on queue %s failed: %w", a.name, queue, err)
		s.m.reportError(queue, err)
	}
	return err
}

func (s *supervisor) retry(ctx context.Context, fn func() error) error {
	return backoff.Retry(fn, backoff.WithContext(s.m.backoff(), ctx))
}

// refreshStats updates the counters of a queue and warns if the queue
// grew beyond its warning size.
func (s *supervisor) refreshStats(ctx context.Context, queue string) error {
	stats, err := s.m.st.RefreshQueueStats(ctx, queue)
	if err != nil {
		return err
	}
	s.m.events.emit(Event{Kind: EventQueueStats, Queue: queue, Stats: stats})

	limit := s.m.warningQueueSize
	if q, err := s.m.registry.resolve(ctx, queue); err == nil && q.WarningQueued > 0 {
		limit = q.WarningQueued
	}
	if limit > 0 && stats.QueuedCount > limit {
		s.m.reportWarning(queue, fmt.Sprintf("queue %s has %d queued jobs, more than %d", queue, stats.QueuedCount, limit))
	}
	return nil
}

// Supervise maintains the given queues, or all queues if none are given,
// right now. It returns the errors of all failed maintenance actions.
func (m *Manager) Supervise(ctx context.Context, names ...string) error {
	for _, name := range names {
		if err := validateQueueName(name); err != nil {
			return err
		}
	}
	return m.supervisor.superviseNow(ctx, names)
}
