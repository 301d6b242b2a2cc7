// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"time"

	"github.com/cenkalti/backoff"
)

// BackoffFunc returns the policy used to retry a failed maintenance
// action. It is configurable via the SetBackoffFunc option in the manager.
type BackoffFunc func() backoff.BackOff

// exponentialBackoff is the default backoff function. It retries up to
// three times with exponential backoff.
func exponentialBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(b, 3)
}

// noBackoff does not retry at all.
func noBackoff() backoff.BackOff {
	return &backoff.StopBackOff{}
}
