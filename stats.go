// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

// QueueStats returns the job counters of a queue.
type QueueStats struct {
	Name          string `json:"name"`
	QueuedCount   int    `json:"queuedCount"`   // pending jobs that can be claimed now
	DeferredCount int    `json:"deferredCount"` // pending jobs that start later
	ActiveCount   int    `json:"activeCount"`   // jobs being worked on
	TotalCount    int    `json:"totalCount"`    // all jobs in the queue
}

// Backlog returns the number of jobs that are not finished yet.
func (s *QueueStats) Backlog() int {
	return s.QueuedCount + s.DeferredCount + s.ActiveCount
}
