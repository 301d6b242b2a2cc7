// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package jobqueue is a job queue on top of PostgreSQL.
//
// Applications create a Manager with a Store. The postgres package has the
// store for production use: all coordination between workers and processes
// happens in the database, with row locks that let many processes claim
// jobs from the same queue concurrently. InMemoryStore is meant for tests.
//
// Jobs live in named queues. A queue is created with CreateQueue and has a
// policy that restricts how many jobs with the same singleton key may
// exist or run at the same time (see PolicyShort, PolicySingleton,
// PolicySingletonStrictFIFO, PolicyStately, and PolicyExclusive). Queues
// also carry the defaults for retries, expiration, heartbeats, retention,
// and dead lettering of their jobs.
//
// Send and Insert create jobs. SendThrottled and SendDebounced accept at
// most one job per singleton key and time window; SendAfter defers a job.
// Schedule creates jobs from cron expressions.
//
// A job is always in one of these states: created, retry, active,
// completed, cancelled, or failed. Fetch claims jobs and makes them
// active; Complete and Fail end them. A failed job with retries left moves
// to retry and is claimed again after its retry delay, which may grow
// exponentially. A job that fails terminally is copied to the dead letter
// queue of the job or its queue.
//
// Work starts a worker that polls a queue and passes the claimed jobs to a
// Processor. Workers honor batch sizes, local concurrency, group
// concurrency limits, and heartbeats. OffWork stops them.
//
// While running, the manager maintains the queues periodically: it expires
// jobs that ran too long or missed their heartbeat, deletes jobs past their
// retention, and refreshes the queue counters. Maintenance and cron
// evaluation are coordinated between processes through the Store, so that
// only one process does the work per interval. Subscribe reports errors,
// warnings, queue statistics, and the state of the workers as events.
package jobqueue
