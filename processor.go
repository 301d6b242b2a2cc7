// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import "context"

// Processor handles a batch of jobs claimed by a worker.
//
// If Processor returns nil, all jobs of the batch are completed. For a
// batch of exactly one job, the returned result is stored as the output
// of the job. If Processor returns an error, all jobs of the batch fail
// with the error as output, and are retried if they have retries left.
//
// The context is cancelled when the worker is stopped with FailActive or
// when the shortest expiration of the jobs in the batch has passed.
// Processors should observe it; they are never interrupted forcibly.
type Processor func(ctx context.Context, jobs []*Job) (interface{}, error)
