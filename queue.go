// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"regexp"
	"time"
)

const (
	// PolicyStandard puts no restrictions on a queue beyond claim order.
	PolicyStandard = "standard"
	// PolicyShort allows at most one created job per queue and singleton key.
	PolicyShort = "short"
	// PolicySingleton allows at most one active job per queue and singleton key.
	PolicySingleton = "singleton"
	// PolicySingletonStrictFIFO requires a singleton key on every job and
	// processes jobs sharing a key strictly one after another. A failed job
	// blocks its key until it is retried or deleted.
	PolicySingletonStrictFIFO = "singleton_strict_fifo"
	// PolicyStately allows at most one job per queue and singleton key in
	// each of the states created, retry, and active.
	PolicyStately = "stately"
	// PolicyExclusive allows at most one job per queue and singleton key in
	// any of the states created, retry, and active.
	PolicyExclusive = "exclusive"
)

// Engine defaults. They apply when neither the job nor its queue specify
// a value.
const (
	DefaultRetryLimit       = 2
	DefaultRetryDelay       = 0
	DefaultExpireInSeconds  = 15 * 60
	DefaultRetentionSeconds = 14 * 24 * 60 * 60
	DefaultDeletionSeconds  = 7 * 24 * 60 * 60
)

var queueNameRegexp = regexp.MustCompile(`^[\w.\-/]+$`)

// IsValidPolicy reports whether policy names one of the queue policies.
func IsValidPolicy(policy string) bool {
	switch policy {
	case PolicyStandard, PolicyShort, PolicySingleton, PolicySingletonStrictFIFO, PolicyStately, PolicyExclusive:
		return true
	}
	return false
}

// Queue is the configuration of a named queue, together with the job
// counters maintained by the supervisor.
type Queue struct {
	Name             string    `json:"name"`
	Policy           string    `json:"policy"`
	Partition        bool      `json:"partition"`
	DeadLetter       string    `json:"deadLetter,omitempty"`
	RetryLimit       int       `json:"retryLimit"`
	RetryDelay       int       `json:"retryDelay"`
	RetryBackoff     bool      `json:"retryBackoff"`
	RetryDelayMax    int       `json:"retryDelayMax,omitempty"`
	ExpireInSeconds  int       `json:"expireInSeconds"`
	RetentionSeconds int       `json:"retentionSeconds"`
	DeletionSeconds  int       `json:"deletionSeconds"`
	HeartbeatSeconds int       `json:"heartbeatSeconds,omitempty"`
	WarningQueued    int       `json:"warningQueueSize,omitempty"`
	Table            string    `json:"table"`
	QueuedCount      int       `json:"queuedCount"`
	ActiveCount      int       `json:"activeCount"`
	DeferredCount    int       `json:"deferredCount"`
	TotalCount       int       `json:"totalCount"`
	CreatedOn        time.Time `json:"createdOn"`
	UpdatedOn        time.Time `json:"updatedOn"`
}

// UsesSingletonRanking reports whether claims on the queue promote at most
// one job per singleton key.
func (q *Queue) UsesSingletonRanking() bool {
	switch q.Policy {
	case PolicySingleton, PolicySingletonStrictFIFO, PolicyStately:
		return true
	}
	return false
}

// QueueOptions configure a queue in CreateQueue and UpdateQueue. Nil
// fields keep their current value (UpdateQueue) or the engine default
// (CreateQueue).
type QueueOptions struct {
	Policy           string // only honored by CreateQueue
	Partition        bool   // only honored by CreateQueue
	DeadLetter       *string
	RetryLimit       *int
	RetryDelay       *int
	RetryBackoff     *bool
	RetryDelayMax    *int
	ExpireInSeconds  *int
	RetentionSeconds *int
	DeletionSeconds  *int
	HeartbeatSeconds *int
	WarningQueued    *int
}

// DeleteQueueOptions configure DeleteQueue.
type DeleteQueueOptions struct {
	// Truncate deletes all jobs of the queue before the queue itself.
	// Without it, deleting a queue with pending or active jobs fails.
	Truncate bool
}

func validateQueueName(name string) error {
	if name == "" {
		return invalidArgument("queue name is required")
	}
	if !queueNameRegexp.MatchString(name) {
		return invalidArgument("queue name %q may only contain letters, numbers, underscores, hyphens, slashes, or periods", name)
	}
	return nil
}

func validateQueueOptions(opts *QueueOptions, create bool) error {
	if opts == nil {
		return nil
	}
	if create && opts.Policy != "" && !IsValidPolicy(opts.Policy) {
		return invalidArgument("unknown policy %q", opts.Policy)
	}
	if opts.DeadLetter != nil && *opts.DeadLetter != "" {
		if err := validateQueueName(*opts.DeadLetter); err != nil {
			return err
		}
	}
	if err := validateRetryOptions(opts.RetryLimit, opts.RetryDelay, opts.RetryDelayMax); err != nil {
		return err
	}
	if err := validateTimeoutOptions(opts.ExpireInSeconds, opts.HeartbeatSeconds, opts.RetentionSeconds, opts.DeletionSeconds); err != nil {
		return err
	}
	if opts.WarningQueued != nil && *opts.WarningQueued < 0 {
		return invalidArgument("warning queue size must be greater than or equal to 0")
	}
	return nil
}

func validateRetryOptions(limit, delay, delayMax *int) error {
	if limit != nil && *limit < 0 {
		return invalidArgument("retry limit must be greater than or equal to 0")
	}
	if delay != nil && *delay < 0 {
		return invalidArgument("retry delay must be greater than or equal to 0")
	}
	if delayMax != nil && *delayMax < 0 {
		return invalidArgument("retry delay max must be greater than or equal to 0")
	}
	return nil
}

func validateTimeoutOptions(expire, heartbeat, retention, deletion *int) error {
	if expire != nil && *expire < 1 {
		return invalidArgument("expiration must be at least 1 second")
	}
	if heartbeat != nil && *heartbeat < 1 {
		return invalidArgument("heartbeat must be at least 1 second")
	}
	if retention != nil && *retention < 1 {
		return invalidArgument("retention must be at least 1 second")
	}
	if deletion != nil && *deletion < 0 {
		return invalidArgument("deletion must be greater than or equal to 0")
	}
	return nil
}

// -- Queue management --

// CreateQueue creates a queue. Creating a queue that already exists is a
// no-op and does not change its configuration.
func (m *Manager) CreateQueue(ctx context.Context, name string, opts *QueueOptions) error {
	if err := validateQueueName(name); err != nil {
		return err
	}
	if opts == nil {
		opts = &QueueOptions{}
	}
	if err := validateQueueOptions(opts, true); err != nil {
		return err
	}
	if opts.DeadLetter != nil && *opts.DeadLetter == name {
		return invalidArgument("queue %s cannot be its own dead letter queue", name)
	}
	if err := m.st.CreateQueue(ctx, name, opts); err != nil {
		return err
	}
	m.registry.invalidate(name)
	return nil
}

// UpdateQueue changes the configuration of a queue. The policy and the
// partitioning of a queue cannot be changed.
func (m *Manager) UpdateQueue(ctx context.Context, name string, opts *QueueOptions) error {
	if err := validateQueueName(name); err != nil {
		return err
	}
	if opts == nil {
		return nil
	}
	if err := validateQueueOptions(opts, false); err != nil {
		return err
	}
	if opts.DeadLetter != nil && *opts.DeadLetter == name {
		return invalidArgument("queue %s cannot be its own dead letter queue", name)
	}
	if err := m.st.UpdateQueue(ctx, name, opts); err != nil {
		return err
	}
	m.registry.invalidate(name)
	return nil
}

// DeleteQueue removes a queue together with its schedules.
func (m *Manager) DeleteQueue(ctx context.Context, name string, opts *DeleteQueueOptions) error {
	if err := validateQueueName(name); err != nil {
		return err
	}
	truncate := opts != nil && opts.Truncate
	if err := m.st.DeleteQueue(ctx, name, truncate); err != nil {
		return err
	}
	m.registry.invalidate(name)
	return nil
}

// GetQueue returns the queue with the given name. It returns
// ErrQueueNotFound if the queue does not exist.
func (m *Manager) GetQueue(ctx context.Context, name string) (*Queue, error) {
	if err := validateQueueName(name); err != nil {
		return nil, err
	}
	queues, err := m.st.GetQueues(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(queues) == 0 {
		return nil, ErrQueueNotFound
	}
	return queues[0], nil
}

// GetQueues returns the queues with the given names, or all queues.
func (m *Manager) GetQueues(ctx context.Context, names ...string) ([]*Queue, error) {
	for _, name := range names {
		if err := validateQueueName(name); err != nil {
			return nil, err
		}
	}
	return m.st.GetQueues(ctx, names...)
}

// GetQueueStats counts the jobs of a queue.
func (m *Manager) GetQueueStats(ctx context.Context, name string) (*QueueStats, error) {
	if err := validateQueueName(name); err != nil {
		return nil, err
	}
	return m.st.QueueStats(ctx, name)
}
