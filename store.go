// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"encoding/json"
	"time"
)

// Store implements persistent storage of queues, jobs, and schedules.
//
// All coordination between workers, managers, and processes happens in
// the Store. Implementations must make every state transition a single
// atomic statement, and Fetch must never return a job to more than one
// caller while the job is active.
type Store interface {
	// Start is called when the manager starts up. It must fail if the
	// store is not reachable.
	Start(ctx context.Context) error

	// Close releases the resources of the store.
	Close() error

	// CreateQueue creates a queue. Creating an existing queue is a no-op.
	CreateQueue(ctx context.Context, name string, opts *QueueOptions) error

	// UpdateQueue changes the configuration of a queue. It returns
	// ErrQueueNotFound if the queue does not exist.
	UpdateQueue(ctx context.Context, name string, opts *QueueOptions) error

	// DeleteQueue removes a queue. Unless truncate is true, it returns
	// ErrQueueNotEmpty if the queue still has pending or active jobs.
	DeleteQueue(ctx context.Context, name string, truncate bool) error

	// GetQueues returns the queues with the given names, or all queues
	// if no names are passed.
	GetQueues(ctx context.Context, names ...string) ([]*Queue, error)

	// QueueStats counts the jobs of a queue.
	QueueStats(ctx context.Context, name string) (*QueueStats, error)

	// Insert adds jobs to a queue. Jobs rejected by the queue policy or by
	// a throttle window are skipped. The identifiers of the stored jobs
	// are returned.
	Insert(ctx context.Context, queue *Queue, jobs []*JobInsert) ([]string, error)

	// Fetch claims jobs. The store must take priorities into account when
	// picking jobs. If no job can be claimed, Fetch returns an empty
	// slice and a nil error.
	Fetch(ctx context.Context, req *FetchRequest) ([]*Job, error)

	// Complete marks active jobs as completed.
	Complete(ctx context.Context, name string, ids []string, output json.RawMessage) (int, error)

	// Fail marks active or pending jobs as failed, or moves them to retry
	// if they have retries left. Jobs that fail terminally are copied to
	// the dead letter queue, if any.
	Fail(ctx context.Context, name string, ids []string, output json.RawMessage) (int, error)

	// Cancel cancels pending or active jobs.
	Cancel(ctx context.Context, name string, ids []string) (int, error)

	// Resume moves cancelled jobs back to created.
	Resume(ctx context.Context, name string, ids []string) (int, error)

	// Retry moves failed jobs back to retry.
	Retry(ctx context.Context, name string, ids []string) (int, error)

	// Delete removes jobs.
	Delete(ctx context.Context, name string, ids []string) (int, error)

	// Touch records a heartbeat for active jobs.
	Touch(ctx context.Context, name string, ids []string) (int, error)

	// Lookup returns the job with the specified identifier.
	// If the job could not be found, ErrNotFound must be returned.
	Lookup(ctx context.Context, name, id string) (*Job, error)

	// LockQueues returns the queues that are due for maintenance and marks
	// them as maintained, so that other processes skip them for interval.
	// If names is empty, all queues are considered.
	LockQueues(ctx context.Context, interval time.Duration, names ...string) ([]string, error)

	// ExpireJobs fails or retries active jobs that exceeded their
	// expiration.
	ExpireJobs(ctx context.Context, name string) (int, error)

	// ExpireHeartbeats fails or retries active jobs that missed their
	// heartbeat.
	ExpireHeartbeats(ctx context.Context, name string) (int, error)

	// DeleteExpired removes jobs past their retention.
	DeleteExpired(ctx context.Context, name string) (int, error)

	// RefreshQueueStats counts the jobs of a queue and caches the
	// counters on the queue.
	RefreshQueueStats(ctx context.Context, name string) (*QueueStats, error)

	// Schedule creates or replaces a schedule.
	Schedule(ctx context.Context, schedule *Schedule) error

	// Unschedule removes a schedule.
	Unschedule(ctx context.Context, name, key string) error

	// Schedules returns schedules, optionally filtered by queue name and
	// key.
	Schedules(ctx context.Context, name, key string) ([]*Schedule, error)

	// LockCron reports whether this caller may evaluate schedules now. At
	// most one caller per interval is granted the lock.
	LockCron(ctx context.Context, interval time.Duration) (bool, error)

	// Notify signals listeners that jobs were added to a queue.
	Notify(ctx context.Context, name string) error

	// Listen calls fn with the queue name of every notification until ctx
	// is done.
	Listen(ctx context.Context, fn func(name string)) error
}

// FetchRequest specifies which jobs to claim.
type FetchRequest struct {
	Queue            *Queue // queue to claim from
	BatchSize        int    // maximum number of jobs
	Priority         bool   // order by priority first, then creation time
	IncludeMetadata  bool   // return all columns of the jobs
	IgnoreStartAfter bool   // claim jobs even if their start time is in the future
	Distributed      bool   // resolve the queue policy in the database, not from Queue

	// GroupConcurrency limits the number of active jobs per group.
	GroupConcurrency *GroupConcurrency

	// GroupActive, if not nil, holds the number of active jobs per group
	// as counted by the caller. The store must then use these numbers
	// instead of counting active jobs itself.
	GroupActive map[string]int
}
