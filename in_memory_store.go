// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-memory store implementation.
// It implements the Store interface. Do not use in production: it
// coordinates the workers of a single process only.
type InMemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	queues    map[string]*Queue
	maintain  map[string]time.Time
	jobs      map[string]map[string]*memJob // queue -> id -> job
	schedules map[string]*Schedule          // queue + "\x00" + key
	cronOn    time.Time
	listeners map[chan string]struct{}
}

type memJob struct {
	Job
	deletionSeconds int
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:       time.Now,
		queues:    make(map[string]*Queue),
		maintain:  make(map[string]time.Time),
		jobs:      make(map[string]map[string]*memJob),
		schedules: make(map[string]*Schedule),
		listeners: make(map[chan string]struct{}),
	}
}

// Start the store.
func (st *InMemoryStore) Start(ctx context.Context) error {
	return nil
}

// Close the store.
func (st *InMemoryStore) Close() error {
	return nil
}

// CreateQueue creates a queue. Creating an existing queue is a no-op.
func (st *InMemoryStore) CreateQueue(ctx context.Context, name string, opts *QueueOptions) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.queues[name]; found {
		return nil
	}
	if opts == nil {
		opts = &QueueOptions{}
	}
	q := &Queue{
		Name:             name,
		Policy:           opts.Policy,
		Partition:        opts.Partition,
		RetryLimit:       DefaultRetryLimit,
		RetryDelay:       DefaultRetryDelay,
		ExpireInSeconds:  DefaultExpireInSeconds,
		RetentionSeconds: DefaultRetentionSeconds,
		DeletionSeconds:  DefaultDeletionSeconds,
		Table:            "memory",
		CreatedOn:        st.now(),
		UpdatedOn:        st.now(),
	}
	if q.Policy == "" {
		q.Policy = PolicyStandard
	}
	if err := st.applyQueueOptions(q, opts); err != nil {
		return err
	}
	st.queues[name] = q
	st.jobs[name] = make(map[string]*memJob)
	return nil
}

func (st *InMemoryStore) applyQueueOptions(q *Queue, opts *QueueOptions) error {
	if opts.DeadLetter != nil {
		if *opts.DeadLetter != "" {
			if _, found := st.queues[*opts.DeadLetter]; !found {
				return fmt.Errorf("%w: dead letter queue %s", ErrQueueNotFound, *opts.DeadLetter)
			}
		}
		q.DeadLetter = *opts.DeadLetter
	}
	set := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	set(&q.RetryLimit, opts.RetryLimit)
	set(&q.RetryDelay, opts.RetryDelay)
	set(&q.RetryDelayMax, opts.RetryDelayMax)
	set(&q.ExpireInSeconds, opts.ExpireInSeconds)
	set(&q.RetentionSeconds, opts.RetentionSeconds)
	set(&q.DeletionSeconds, opts.DeletionSeconds)
	set(&q.HeartbeatSeconds, opts.HeartbeatSeconds)
	set(&q.WarningQueued, opts.WarningQueued)
	if opts.RetryBackoff != nil {
		q.RetryBackoff = *opts.RetryBackoff
	}
	return nil
}

// UpdateQueue changes the configuration of a queue.
func (st *InMemoryStore) UpdateQueue(ctx context.Context, name string, opts *QueueOptions) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	q, found := st.queues[name]
	if !found {
		return ErrQueueNotFound
	}
	updated := *q
	if err := st.applyQueueOptions(&updated, opts); err != nil {
		return err
	}
	updated.UpdatedOn = st.now()
	st.queues[name] = &updated
	return nil
}

// DeleteQueue removes a queue, its jobs, and its schedules.
func (st *InMemoryStore) DeleteQueue(ctx context.Context, name string, truncate bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.queues[name]; !found {
		return ErrQueueNotFound
	}
	if !truncate {
		for _, j := range st.jobs[name] {
			if IsPending(j.State) || j.State == Active {
				return ErrQueueNotEmpty
			}
		}
	}
	delete(st.queues, name)
	delete(st.jobs, name)
	delete(st.maintain, name)
	for k, s := range st.schedules {
		if s.Name == name {
			delete(st.schedules, k)
		}
	}
	return nil
}

// GetQueues returns the queues with the given names, or all queues.
func (st *InMemoryStore) GetQueues(ctx context.Context, names ...string) ([]*Queue, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var queues []*Queue
	if len(names) == 0 {
		for _, q := range st.queues {
			c := *q
			queues = append(queues, &c)
		}
	} else {
		for _, name := range names {
			if q, found := st.queues[name]; found {
				c := *q
				queues = append(queues, &c)
			}
		}
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	return queues, nil
}

// QueueStats counts the jobs of a queue.
func (st *InMemoryStore) QueueStats(ctx context.Context, name string) (*QueueStats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.statsLocked(name)
}

func (st *InMemoryStore) statsLocked(name string) (*QueueStats, error) {
	if _, found := st.queues[name]; !found {
		return nil, ErrQueueNotFound
	}
	now := st.now()
	stats := &QueueStats{Name: name}
	for _, j := range st.jobs[name] {
		switch {
		case IsPending(j.State) && !j.StartAfter.After(now):
			stats.QueuedCount++
		case IsPending(j.State):
			stats.DeferredCount++
		case j.State == Active:
			stats.ActiveCount++
		}
		stats.TotalCount++
	}
	return stats, nil
}

// Insert adds jobs to a queue, skipping jobs that conflict with the
// queue policy or a throttle window.
func (st *InMemoryStore) Insert(ctx context.Context, queue *Queue, jobs []*JobInsert) ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	q, found := st.queues[queue.Name]
	if !found {
		return nil, nil
	}
	var ids []string
	for _, in := range jobs {
		j, err := st.newJob(q, in)
		if err != nil {
			return nil, err
		}
		if st.insertLocked(j) {
			ids = append(ids, j.ID)
		}
	}
	if len(ids) > 0 {
		st.notifyLocked(q.Name)
	}
	return ids, nil
}

func (st *InMemoryStore) newJob(q *Queue, in *JobInsert) (*memJob, error) {
	if q.Policy == PolicySingletonStrictFIFO && in.SingletonKey == "" {
		return nil, fmt.Errorf("%w: queue %s requires a singleton key", ErrInvalidArgument, q.Name)
	}
	now := st.now()
	j := &memJob{
		Job: Job{
			ID:               in.ID,
			Name:             q.Name,
			Priority:         in.Priority,
			State:            Created,
			RetryLimit:       intOr(in.RetryLimit, q.RetryLimit),
			RetryDelay:       intOr(in.RetryDelay, q.RetryDelay),
			RetryBackoff:     q.RetryBackoff,
			RetryDelayMax:    intOr(in.RetryDelayMax, q.RetryDelayMax),
			ExpireInSeconds:  intOr(in.ExpireInSeconds, q.ExpireInSeconds),
			HeartbeatSeconds: intOr(in.HeartbeatSeconds, q.HeartbeatSeconds),
			SingletonKey:     in.SingletonKey,
			GroupID:          in.GroupID,
			GroupTier:        in.GroupTier,
			DeadLetter:       in.DeadLetter,
			Policy:           q.Policy,
			CreatedOn:        now,
		},
		deletionSeconds: intOr(in.DeletionSeconds, q.DeletionSeconds),
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if in.RetryBackoff != nil {
		j.RetryBackoff = *in.RetryBackoff
	}
	if in.Data != nil {
		data, err := json.Marshal(in.Data)
		if err != nil {
			return nil, fmt.Errorf("jobqueue: cannot encode job data: %w", err)
		}
		j.Data = data
	}

	j.StartAfter = now.Add(in.StartIn)
	if !in.StartAfter.IsZero() {
		j.StartAfter = in.StartAfter
	}
	if in.SingletonSeconds > 0 {
		secs := float64(in.SingletonSeconds)
		epoch := float64(now.UnixNano()) / float64(time.Second)
		if in.SingletonNextSlot {
			epoch += secs
		}
		slot := time.Unix(int64(secs*math.Floor(epoch/secs)), 0)
		j.SingletonOn = &slot
		if in.SingletonNextSlot && slot.After(j.StartAfter) {
			j.StartAfter = slot
		}
	}
	retention := intOr(in.RetentionSeconds, q.RetentionSeconds)
	j.KeepUntil = j.StartAfter.Add(time.Duration(retention) * time.Second)
	return j, nil
}

// insertLocked stores j unless it conflicts with a stored job.
func (st *InMemoryStore) insertLocked(j *memJob) bool {
	jobs := st.jobs[j.Name]
	if _, found := jobs[j.ID]; found {
		return false
	}
	for _, other := range jobs {
		if conflicts(&j.Job, &other.Job) {
			return false
		}
	}
	jobs[j.ID] = j
	return true
}

// blockedLocked reports whether moving j to state would conflict with
// another job of its queue.
func (st *InMemoryStore) blockedLocked(j *Job, state string) bool {
	next := *j
	next.State = state
	for _, other := range st.jobs[j.Name] {
		if conflicts(&next, &other.Job) {
			return true
		}
	}
	return false
}

// conflicts reports whether a and b violate one of the uniqueness rules
// of policies and throttle windows.
func conflicts(a, b *Job) bool {
	if a.Name != b.Name || a.ID == b.ID || a.SingletonKey != b.SingletonKey {
		return false
	}
	if a.SingletonOn != nil && b.SingletonOn != nil && a.SingletonOn.Equal(*b.SingletonOn) &&
		a.State != Cancelled && b.State != Cancelled {
		return true
	}
	if a.Policy != b.Policy {
		return false
	}
	switch a.Policy {
	case PolicyShort:
		return a.State == Created && b.State == Created
	case PolicySingleton, PolicySingletonStrictFIFO:
		return a.State == Active && b.State == Active
	case PolicyStately:
		return a.State == b.State && (IsPending(a.State) || a.State == Active)
	case PolicyExclusive:
		return (IsPending(a.State) || a.State == Active) && (IsPending(b.State) || b.State == Active)
	}
	return false
}

// Fetch claims up to req.BatchSize jobs.
func (st *InMemoryStore) Fetch(ctx context.Context, req *FetchRequest) ([]*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	policy := req.Queue.Policy
	if req.Distributed {
		q, found := st.queues[req.Queue.Name]
		if !found {
			return nil, ErrQueueNotFound
		}
		policy = q.Policy
	}
	now := st.now()
	jobs := st.jobs[req.Queue.Name]
	strict := policy == PolicySingletonStrictFIFO
	ranking := strict || policy == PolicySingleton || policy == PolicyStately

	// Keys blocked by an active job, or by a failed job in strict FIFO.
	blocked := make(map[string]bool)
	for _, j := range jobs {
		if j.State == Active || (strict && j.State == Failed) {
			blocked[j.SingletonKey] = true
		}
	}

	var candidates []*memJob
	for _, j := range jobs {
		if !IsPending(j.State) {
			continue
		}
		if !req.IgnoreStartAfter && j.StartAfter.After(now) {
			continue
		}
		if ranking && blocked[j.SingletonKey] {
			continue
		}
		candidates = append(candidates, j)
	}

	byCreation := func(a, b *memJob) bool {
		if !a.CreatedOn.Equal(b.CreatedOn) {
			return a.CreatedOn.Before(b.CreatedOn)
		}
		return a.ID < b.ID
	}
	claimOrder := func(priority bool) func(a, b *memJob) bool {
		return func(a, b *memJob) bool {
			if priority && a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return byCreation(a, b)
		}
	}

	if ranking {
		if strict {
			// Only the oldest pending job of a key is eligible, even if it
			// is not due yet.
			oldest := make(map[string]*memJob)
			for _, j := range jobs {
				if !IsPending(j.State) {
					continue
				}
				if o, found := oldest[j.SingletonKey]; !found || byCreation(j, o) {
					oldest[j.SingletonKey] = j
				}
			}
			var eligible []*memJob
			for _, j := range candidates {
				if oldest[j.SingletonKey] == j {
					eligible = append(eligible, j)
				}
			}
			candidates = eligible
		} else {
			sort.Slice(candidates, func(i, k int) bool { return claimOrder(req.Priority)(candidates[i], candidates[k]) })
			seen := make(map[string]bool)
			var eligible []*memJob
			for _, j := range candidates {
				if !seen[j.SingletonKey] {
					seen[j.SingletonKey] = true
					eligible = append(eligible, j)
				}
			}
			candidates = eligible
		}
	}

	sort.Slice(candidates, func(i, k int) bool { return claimOrder(req.Priority)(candidates[i], candidates[k]) })

	if g := req.GroupConcurrency; g != nil {
		active := req.GroupActive
		if active == nil {
			active = make(map[string]int)
			for _, j := range jobs {
				if j.State == Active && j.GroupID != "" {
					active[j.GroupID]++
				}
			}
		}
		taken := make(map[string]int)
		var eligible []*memJob
		for _, j := range candidates {
			if j.GroupID != "" {
				if active[j.GroupID]+taken[j.GroupID] >= g.Limit(j.GroupTier) {
					continue
				}
				taken[j.GroupID]++
			}
			eligible = append(eligible, j)
		}
		candidates = eligible
	}

	if len(candidates) > req.BatchSize {
		candidates = candidates[:req.BatchSize]
	}
	claimed := make([]*Job, 0, len(candidates))
	for _, j := range candidates {
		if j.State == Retry {
			j.RetryCount++
		}
		j.State = Active
		started := now
		j.StartedOn = &started
		j.HeartbeatOn = nil
		if j.HeartbeatSeconds > 0 {
			j.HeartbeatOn = &started
		}
		c := j.Job
		claimed = append(claimed, &c)
	}
	return claimed, nil
}

// update applies fn to the jobs of queue name with the given identifiers
// and returns how many jobs fn changed.
func (st *InMemoryStore) update(name string, ids []string, fn func(j *memJob) bool) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	var n int
	for _, id := range ids {
		if j, found := st.jobs[name][id]; found && fn(j) {
			n++
		}
	}
	return n
}

// Complete marks active jobs as completed.
func (st *InMemoryStore) Complete(ctx context.Context, name string, ids []string, output json.RawMessage) (int, error) {
	now := st.now()
	return st.update(name, ids, func(j *memJob) bool {
		if j.State != Active {
			return false
		}
		j.State = Completed
		j.CompletedOn = &now
		j.Output = output
		return true
	}), nil
}

// Fail fails pending or active jobs.
func (st *InMemoryStore) Fail(ctx context.Context, name string, ids []string, output json.RawMessage) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var n int
	for _, id := range ids {
		if j, found := st.jobs[name][id]; found && (IsPending(j.State) || j.State == Active) {
			st.failLocked(j, output)
			n++
		}
	}
	return n, nil
}

// failLocked moves j to retry or failed, and copies terminally failed
// jobs to their dead letter queue.
func (st *InMemoryStore) failLocked(j *memJob, output json.RawMessage) {
	now := st.now()
	retry := j.RetryCount < j.RetryLimit
	if retry && j.Policy == PolicyStately {
		for _, other := range st.jobs[j.Name] {
			if other != j && other.State == Retry && other.SingletonKey == j.SingletonKey {
				retry = false
				break
			}
		}
	}
	j.Output = output
	if retry {
		delay := float64(j.RetryDelay)
		if j.RetryBackoff {
			delay = float64(j.RetryDelay) * math.Pow(2, math.Min(16, float64(j.RetryCount)))
			if j.RetryDelayMax > 0 {
				delay = math.Min(delay, float64(j.RetryDelayMax))
			}
		}
		j.State = Retry
		j.CompletedOn = nil
		j.StartAfter = now.Add(time.Duration(delay * float64(time.Second)))
		return
	}
	j.State = Failed
	j.CompletedOn = &now

	deadLetter := j.DeadLetter
	if deadLetter == "" {
		if q, found := st.queues[j.Name]; found {
			deadLetter = q.DeadLetter
		}
	}
	dlq, found := st.queues[deadLetter]
	if !found {
		return
	}
	copied, err := st.newJob(dlq, &JobInsert{
		Priority:     j.Priority,
		SingletonKey: j.SingletonKey,
		GroupID:      j.GroupID,
		GroupTier:    j.GroupTier,
	})
	if err != nil {
		return
	}
	copied.Data = j.Data
	if st.insertLocked(copied) {
		st.notifyLocked(dlq.Name)
	}
}

// Cancel cancels pending or active jobs.
func (st *InMemoryStore) Cancel(ctx context.Context, name string, ids []string) (int, error) {
	now := st.now()
	return st.update(name, ids, func(j *memJob) bool {
		if !IsPending(j.State) && j.State != Active {
			return false
		}
		j.State = Cancelled
		j.CompletedOn = &now
		return true
	}), nil
}

// Resume moves cancelled jobs back to created. Jobs whose key is taken
// by another job of the policy stay cancelled.
func (st *InMemoryStore) Resume(ctx context.Context, name string, ids []string) (int, error) {
	return st.update(name, ids, func(j *memJob) bool {
		if j.State != Cancelled || st.blockedLocked(&j.Job, Created) {
			return false
		}
		j.State = Created
		j.CompletedOn = nil
		return true
	}), nil
}

// Retry moves failed jobs back to retry. Jobs whose key is taken by
// another job of the policy stay failed.
func (st *InMemoryStore) Retry(ctx context.Context, name string, ids []string) (int, error) {
	now := st.now()
	return st.update(name, ids, func(j *memJob) bool {
		if j.State != Failed || st.blockedLocked(&j.Job, Retry) {
			return false
		}
		j.State = Retry
		j.CompletedOn = nil
		j.StartAfter = now
		if j.RetryLimit < j.RetryCount+1 {
			j.RetryLimit = j.RetryCount + 1
		}
		return true
	}), nil
}

// Delete removes jobs.
func (st *InMemoryStore) Delete(ctx context.Context, name string, ids []string) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var n int
	for _, id := range ids {
		if _, found := st.jobs[name][id]; found {
			delete(st.jobs[name], id)
			n++
		}
	}
	return n, nil
}

// Touch records a heartbeat for active jobs.
func (st *InMemoryStore) Touch(ctx context.Context, name string, ids []string) (int, error) {
	now := st.now()
	return st.update(name, ids, func(j *memJob) bool {
		if j.State != Active {
			return false
		}
		j.HeartbeatOn = &now
		return true
	}), nil
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Lookup(ctx context.Context, name, id string) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	j, found := st.jobs[name][id]
	if !found {
		return nil, ErrNotFound
	}
	c := j.Job
	return &c, nil
}

// LockQueues returns the queues due for maintenance.
func (st *InMemoryStore) LockQueues(ctx context.Context, interval time.Duration, names ...string) ([]string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.now()
	if len(names) == 0 {
		for name := range st.queues {
			names = append(names, name)
		}
	}
	var locked []string
	for _, name := range names {
		if _, found := st.queues[name]; !found {
			continue
		}
		if last, found := st.maintain[name]; found && !last.Before(now.Add(-interval)) {
			continue
		}
		st.maintain[name] = now
		locked = append(locked, name)
	}
	sort.Strings(locked)
	return locked, nil
}

// ExpireJobs fails or retries active jobs that exceeded their expiration.
func (st *InMemoryStore) ExpireJobs(ctx context.Context, name string) (int, error) {
	return st.expire(name, expiredOutput, func(j *memJob, now time.Time) bool {
		return j.StartedOn.Add(j.Expiration()).Before(now)
	})
}

// ExpireHeartbeats fails or retries active jobs that missed their
// heartbeat.
func (st *InMemoryStore) ExpireHeartbeats(ctx context.Context, name string) (int, error) {
	return st.expire(name, heartbeatOutput, func(j *memJob, now time.Time) bool {
		if j.HeartbeatSeconds <= 0 {
			return false
		}
		last := *j.StartedOn
		if j.HeartbeatOn != nil {
			last = *j.HeartbeatOn
		}
		return last.Add(j.Heartbeat()).Before(now)
	})
}

var (
	expiredOutput   = json.RawMessage(`{"message":"job expired"}`)
	heartbeatOutput = json.RawMessage(`{"message":"heartbeat timeout"}`)
)

func (st *InMemoryStore) expire(name string, output json.RawMessage, expired func(*memJob, time.Time) bool) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.now()
	var due []*memJob
	for _, j := range st.jobs[name] {
		if j.State == Active && j.StartedOn != nil && expired(j, now) {
			due = append(due, j)
		}
	}
	for _, j := range due {
		st.failLocked(j, output)
	}
	return len(due), nil
}

// DeleteExpired removes jobs past their retention.
func (st *InMemoryStore) DeleteExpired(ctx context.Context, name string) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.now()
	var n int
	for id, j := range st.jobs[name] {
		var expired bool
		switch {
		case IsTerminal(j.State) && j.CompletedOn != nil:
			expired = j.CompletedOn.Add(time.Duration(j.deletionSeconds) * time.Second).Before(now)
		case IsPending(j.State):
			expired = j.KeepUntil.Before(now)
		}
		if expired {
			delete(st.jobs[name], id)
			n++
		}
	}
	return n, nil
}

// RefreshQueueStats counts the jobs of a queue and caches the counters
// on the queue.
func (st *InMemoryStore) RefreshQueueStats(ctx context.Context, name string) (*QueueStats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stats, err := st.statsLocked(name)
	if err != nil {
		return nil, err
	}
	q := *st.queues[name]
	q.QueuedCount = stats.QueuedCount
	q.DeferredCount = stats.DeferredCount
	q.ActiveCount = stats.ActiveCount
	q.TotalCount = stats.TotalCount
	st.queues[name] = &q
	return stats, nil
}

// Schedule creates or replaces a schedule.
func (st *InMemoryStore) Schedule(ctx context.Context, schedule *Schedule) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.queues[schedule.Name]; !found {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, schedule.Name)
	}
	now := st.now()
	s := *schedule
	s.CreatedOn = now
	s.UpdatedOn = now
	key := schedule.Name + "\x00" + schedule.Key
	if prev, found := st.schedules[key]; found {
		s.CreatedOn = prev.CreatedOn
	}
	st.schedules[key] = &s
	return nil
}

// Unschedule removes a schedule.
func (st *InMemoryStore) Unschedule(ctx context.Context, name, key string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.schedules, name+"\x00"+key)
	return nil
}

// Schedules returns schedules, optionally filtered by queue name and key.
func (st *InMemoryStore) Schedules(ctx context.Context, name, key string) ([]*Schedule, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var schedules []*Schedule
	for _, s := range st.schedules {
		if name != "" && (s.Name != name || (key != "" && s.Key != key)) {
			continue
		}
		c := *s
		schedules = append(schedules, &c)
	}
	sort.Slice(schedules, func(i, j int) bool {
		if schedules[i].Name != schedules[j].Name {
			return schedules[i].Name < schedules[j].Name
		}
		return schedules[i].Key < schedules[j].Key
	})
	return schedules, nil
}

// LockCron reports whether this caller may evaluate schedules now.
func (st *InMemoryStore) LockCron(ctx context.Context, interval time.Duration) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.now()
	if !st.cronOn.IsZero() && !st.cronOn.Before(now.Add(-interval)) {
		return false, nil
	}
	st.cronOn = now
	return true, nil
}

// Notify signals listeners that jobs were added to a queue.
func (st *InMemoryStore) Notify(ctx context.Context, name string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.notifyLocked(name)
	return nil
}

func (st *InMemoryStore) notifyLocked(name string) {
	for ch := range st.listeners {
		select {
		case ch <- name:
		default:
		}
	}
}

// Listen calls fn with the queue name of every notification until ctx
// is done.
func (st *InMemoryStore) Listen(ctx context.Context, fn func(name string)) error {
	ch := make(chan string, 16)
	st.mu.Lock()
	st.listeners[ch] = struct{}{}
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		delete(st.listeners, ch)
		st.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case name := <-ch:
			fn(name)
		}
	}
}

func intOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}
