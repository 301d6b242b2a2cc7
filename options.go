// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// SendOptions configure a job created by Send. Nil pointers fall back to
// the queue default, then to the engine default.
type SendOptions struct {
	ID           string // optional, must be a UUID
	Priority     int
	StartAfter   time.Time
	StartIn      time.Duration
	SingletonKey string
	GroupID      string
	GroupTier    string
	DeadLetter   string

	RetryLimit       *int
	RetryDelay       *int
	RetryBackoff     *bool
	RetryDelayMax    *int
	ExpireInSeconds  *int
	HeartbeatSeconds *int
	RetentionSeconds *int
	DeletionSeconds  *int

	// SingletonSeconds throttles the queue: only one job per singleton key
	// is accepted in each window of this many seconds.
	SingletonSeconds int
	// SingletonNextSlot turns throttling into debouncing: a job rejected
	// by the current window is placed into the next one instead.
	SingletonNextSlot bool
}

func (o *SendOptions) jobInsert(data interface{}) *JobInsert {
	if o == nil {
		return &JobInsert{Data: data}
	}
	return &JobInsert{
		ID:               o.ID,
		Data:             data,
		Priority:         o.Priority,
		StartAfter:       o.StartAfter,
		StartIn:          o.StartIn,
		SingletonKey:     o.SingletonKey,
		GroupID:          o.GroupID,
		GroupTier:        o.GroupTier,
		DeadLetter:       o.DeadLetter,
		RetryLimit:       o.RetryLimit,
		RetryDelay:       o.RetryDelay,
		RetryBackoff:     o.RetryBackoff,
		RetryDelayMax:    o.RetryDelayMax,
		ExpireInSeconds:  o.ExpireInSeconds,
		HeartbeatSeconds: o.HeartbeatSeconds,
		RetentionSeconds: o.RetentionSeconds,
		DeletionSeconds:  o.DeletionSeconds,
		SingletonSeconds: o.SingletonSeconds,
	}
}

func validateJobInsert(q *Queue, j *JobInsert) error {
	if j.ID != "" {
		if _, err := uuid.Parse(j.ID); err != nil {
			return invalidArgument("job id %q is not a UUID", j.ID)
		}
	}
	if j.StartIn < 0 {
		return invalidArgument("start delay must not be negative")
	}
	if j.SingletonSeconds < 0 {
		return invalidArgument("singleton seconds must not be negative")
	}
	if j.SingletonNextSlot && j.SingletonSeconds == 0 {
		return invalidArgument("next slot requires singleton seconds")
	}
	if j.GroupTier != "" && j.GroupID == "" {
		return invalidArgument("group tier requires a group id")
	}
	if j.DeadLetter != "" {
		if err := validateQueueName(j.DeadLetter); err != nil {
			return err
		}
	}
	if err := validateRetryOptions(j.RetryLimit, j.RetryDelay, j.RetryDelayMax); err != nil {
		return err
	}
	if err := validateTimeoutOptions(j.ExpireInSeconds, j.HeartbeatSeconds, j.RetentionSeconds, j.DeletionSeconds); err != nil {
		return err
	}
	if q != nil && q.Policy == PolicySingletonStrictFIFO && j.SingletonKey == "" {
		return invalidArgument("queue %s uses policy %s and requires a singleton key", q.Name, q.Policy)
	}
	return nil
}

// GroupConcurrency limits how many jobs of the same group may be active
// at the same time. Tiers override the default limit for groups of that
// tier.
type GroupConcurrency struct {
	Default int
	Tiers   map[string]int
}

// Limit returns the concurrency limit for a group of the given tier.
func (g *GroupConcurrency) Limit(tier string) int {
	if tier != "" {
		if n, ok := g.Tiers[tier]; ok {
			return n
		}
	}
	return g.Default
}

// TierNames returns the names of the configured tiers in sorted order.
func (g *GroupConcurrency) TierNames() []string {
	names := make([]string, 0, len(g.Tiers))
	for name := range g.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *GroupConcurrency) validate() error {
	if g.Default < 1 {
		return invalidArgument("group concurrency default must be at least 1")
	}
	for tier, n := range g.Tiers {
		if tier == "" {
			return invalidArgument("group concurrency tier name must not be empty")
		}
		if n < 1 {
			return invalidArgument("group concurrency for tier %s must be at least 1", tier)
		}
	}
	return nil
}

// FetchOptions configure Fetch.
type FetchOptions struct {
	BatchSize        int  // defaults to 1
	DisablePriority  bool // order by creation time only
	IncludeMetadata  bool
	IgnoreStartAfter bool
	Distributed      bool
	GroupConcurrency *GroupConcurrency
}

func (o *FetchOptions) validate() error {
	if o.BatchSize < 0 {
		return invalidArgument("batch size must be at least 1")
	}
	if o.GroupConcurrency != nil {
		return o.GroupConcurrency.validate()
	}
	return nil
}

// Minimum polling interval of a worker.
const minPollingInterval = 500 * time.Millisecond

// WorkOptions configure a worker started by Work.
type WorkOptions struct {
	// BatchSize is the number of jobs claimed per poll. Defaults to 1.
	BatchSize int
	// PollingInterval is the time between polls. Defaults to 2 seconds,
	// must be at least 500 milliseconds.
	PollingInterval time.Duration
	// LocalConcurrency is the number of polling loops. Defaults to 1.
	LocalConcurrency int
	// DisablePriority claims jobs by creation time only.
	DisablePriority bool
	// IncludeMetadata returns all job columns to the processor.
	IncludeMetadata bool
	// Distributed resolves policies in the database on every claim.
	Distributed bool
	// GroupConcurrency limits active jobs per group across all workers.
	GroupConcurrency *GroupConcurrency
	// LocalGroupConcurrency limits active jobs per group across the
	// loops of this worker. It cannot be combined with GroupConcurrency.
	LocalGroupConcurrency *GroupConcurrency
}

const (
	defaultBatchSize       = 1
	defaultPollingInterval = 2 * time.Second
)

func (o WorkOptions) withDefaults() WorkOptions {
	if o.BatchSize == 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.PollingInterval == 0 {
		o.PollingInterval = defaultPollingInterval
	}
	if o.LocalConcurrency == 0 {
		o.LocalConcurrency = 1
	}
	return o
}

func (o WorkOptions) validate() error {
	if o.BatchSize < 1 {
		return invalidArgument("batch size must be at least 1")
	}
	if o.PollingInterval < minPollingInterval {
		return invalidArgument("polling interval must be at least %v", minPollingInterval)
	}
	if o.LocalConcurrency < 1 {
		return invalidArgument("local concurrency must be at least 1")
	}
	if o.GroupConcurrency != nil && o.LocalGroupConcurrency != nil {
		return invalidArgument("group concurrency and local group concurrency cannot be combined")
	}
	if o.GroupConcurrency != nil {
		if err := o.GroupConcurrency.validate(); err != nil {
			return err
		}
	}
	if o.LocalGroupConcurrency != nil {
		if err := o.LocalGroupConcurrency.validate(); err != nil {
			return err
		}
	}
	return nil
}

// OffWorkOptions configure OffWork.
type OffWorkOptions struct {
	// Wait blocks until all loops of the worker have exited.
	Wait bool
	// FailActive waits for the loops until the context passed to OffWork
	// is done, then fails the jobs still held by the worker with a
	// shut-down message and cancels their context.
	FailActive bool
}

// Int returns a pointer to v. It helps filling optional fields.
func Int(v int) *int { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
