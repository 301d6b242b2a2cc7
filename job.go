// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"encoding/json"
	"time"
)

const (
	// Created is the state of a job waiting to be claimed for the first time.
	Created string = "created"
	// Retry is the state of a job that failed and waits for its next attempt.
	Retry string = "retry"
	// Active is the state for jobs currently claimed by a worker.
	Active string = "active"
	// Completed without errors.
	Completed string = "completed"
	// Cancelled by a user.
	Cancelled string = "cancelled"
	// Failed even after retries.
	Failed string = "failed"
)

// IsPending reports whether state is one of the states a job can be
// claimed from.
func IsPending(state string) bool {
	return state == Created || state == Retry
}

// IsTerminal reports whether state is completed, cancelled, or failed.
func IsTerminal(state string) bool {
	return state == Completed || state == Cancelled || state == Failed
}

// Job is a unit of work stored in a queue.
type Job struct {
	ID               string          `json:"id"`               // internal identifier
	Name             string          `json:"name"`             // name of the queue
	Data             json.RawMessage `json:"data,omitempty"`   // payload passed to the processor
	Priority         int             `json:"priority"`         // jobs with higher priority are claimed first
	State            string          `json:"state"`            // current state
	RetryLimit       int             `json:"retryLimit"`       // maximum number of retries
	RetryCount       int             `json:"retryCount"`       // current number of retries
	RetryDelay       int             `json:"retryDelay"`       // seconds to wait before a retry
	RetryBackoff     bool            `json:"retryBackoff"`     // exponential backoff for retries
	RetryDelayMax    int             `json:"retryDelayMax"`    // upper bound for backoff delays (0 = none)
	ExpireInSeconds  int             `json:"expireInSeconds"`  // time a job may stay active
	HeartbeatSeconds int             `json:"heartbeatSeconds"` // heartbeat interval (0 = disabled)
	SingletonKey     string          `json:"singletonKey"`     // key for policies and throttling
	SingletonOn      *time.Time      `json:"singletonOn"`      // throttle window of the job
	GroupID          string          `json:"groupId"`          // group for group concurrency
	GroupTier        string          `json:"groupTier"`        // tier of the group
	DeadLetter       string          `json:"deadLetter"`       // queue for terminal failures
	Policy           string          `json:"policy"`           // policy of the queue at creation
	StartAfter       time.Time       `json:"startAfter"`       // job is not claimed before this time
	CreatedOn        time.Time       `json:"createdOn"`        // time when the job was created
	StartedOn        *time.Time      `json:"startedOn"`        // time when the job was last claimed
	CompletedOn      *time.Time      `json:"completedOn"`      // time when the job reached a terminal state
	HeartbeatOn      *time.Time      `json:"heartbeatOn"`      // time of the last heartbeat
	KeepUntil        time.Time       `json:"keepUntil"`        // retention deadline for pending jobs
	Output           json.RawMessage `json:"output,omitempty"` // result or error of the last run
}

// Decode unmarshals the payload of the job into v.
func (j *Job) Decode(v interface{}) error {
	if len(j.Data) == 0 {
		return nil
	}
	return json.Unmarshal(j.Data, v)
}

// Expiration returns the expiration interval of the job as a duration.
func (j *Job) Expiration() time.Duration {
	return time.Duration(j.ExpireInSeconds) * time.Second
}

// Heartbeat returns the heartbeat interval of the job, or 0 if the job
// does not use heartbeats.
func (j *Job) Heartbeat() time.Duration {
	return time.Duration(j.HeartbeatSeconds) * time.Second
}

// JobInsert describes a job passed to Insert. Zero values mean "not set":
// the queue default applies, then the engine default.
type JobInsert struct {
	ID           string      // optional, must be a UUID
	Data         interface{} // payload, marshaled to JSON
	Priority     int
	StartAfter   time.Time // absolute start time
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

	// SingletonSeconds is the size of the throttle window. Zero disables
	// throttling.
	SingletonSeconds int
	// SingletonNextSlot asks the store to place the job in the window after
	// the current one. It is set by the debounce path of Send.
	SingletonNextSlot bool
}

// CommandResponse is returned by commands that change the state of jobs.
type CommandResponse struct {
	Jobs      []string `json:"jobs"`      // identifiers passed to the command
	Requested int      `json:"requested"` // number of identifiers passed
	Affected  int      `json:"affected"`  // number of jobs that changed
}

func newCommandResponse(ids []string, affected int) *CommandResponse {
	return &CommandResponse{
		Jobs:      ids,
		Requested: len(ids),
		Affected:  affected,
	}
}
