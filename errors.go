// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound must be returned from the Store interface when a certain
	// job could not be found in the specific data store.
	ErrNotFound = errors.New("jobqueue: job not found")

	// ErrQueueNotFound is returned when a queue does not exist.
	ErrQueueNotFound = errors.New("jobqueue: queue not found")

	// ErrQueueNotEmpty is returned by DeleteQueue when the queue still has
	// pending or active jobs and truncation was not requested.
	ErrQueueNotEmpty = errors.New("jobqueue: queue is not empty")

	// ErrInvalidArgument is wrapped by all validation errors.
	ErrInvalidArgument = errors.New("jobqueue: invalid argument")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("jobqueue: manager already started")

	// ErrStopped is returned by Work when the manager is stopping.
	ErrStopped = errors.New("jobqueue: manager stopped")
)

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return "jobqueue: " + e.msg
}

func (e *validationError) Unwrap() error {
	return ErrInvalidArgument
}

// invalidArgument returns an error that wraps ErrInvalidArgument.
func invalidArgument(format string, args ...interface{}) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// IsInvalidArgument reports whether err is a validation error.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}
