// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"sync"
)

// groupTracker counts the jobs per group that the loops of one worker are
// currently running. It enforces WorkOptions.LocalGroupConcurrency.
type groupTracker struct {
	limits *GroupConcurrency

	// claimMu serializes claim-and-acquire across the loops of a worker,
	// so that two loops never claim against the same free capacity.
	claimMu sync.Mutex

	mu      sync.Mutex
	active  map[string]int
	changed chan struct{} // closed and replaced on every release
}

func newGroupTracker(limits *GroupConcurrency) *groupTracker {
	return &groupTracker{
		limits:  limits,
		active:  make(map[string]int),
		changed: make(chan struct{}),
	}
}

// snapshot returns a copy of the active counters.
func (t *groupTracker) snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := make(map[string]int, len(t.active))
	for g, n := range t.active {
		m[g] = n
	}
	return m
}

// count returns the number of active jobs of a group.
func (t *groupTracker) count(group string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[group]
}

// acquire reserves capacity for the jobs. Jobs without a group are always
// accepted. Jobs whose group is at capacity are returned as leftover and
// have no capacity reserved.
func (t *groupTracker) acquire(jobs []*Job) (accepted, leftover []*Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, j := range jobs {
		if t.tryAcquireLocked(j) {
			accepted = append(accepted, j)
		} else {
			leftover = append(leftover, j)
		}
	}
	return accepted, leftover
}

func (t *groupTracker) tryAcquireLocked(j *Job) bool {
	if j.GroupID == "" {
		return true
	}
	if t.active[j.GroupID] >= t.limits.Limit(j.GroupTier) {
		return false
	}
	t.active[j.GroupID]++
	return true
}

// acquireWait reserves capacity for a single job, waiting until its group
// has room. It returns false if ctx is done first.
func (t *groupTracker) acquireWait(ctx context.Context, j *Job) bool {
	for {
		t.mu.Lock()
		if t.tryAcquireLocked(j) {
			t.mu.Unlock()
			return true
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-changed:
		}
	}
}

// release frees the capacity reserved for the jobs.
func (t *groupTracker) release(jobs []*Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, j := range jobs {
		if j.GroupID == "" {
			continue
		}
		if n := t.active[j.GroupID]; n <= 1 {
			delete(t.active, j.GroupID)
		} else {
			t.active[j.GroupID] = n - 1
		}
	}
	close(t.changed)
	t.changed = make(chan struct{})
}
