// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"time"
)

// insertOne stores a single job. A job rejected by its throttle window is
// placed into the next window if debounce is true. It returns an empty
// identifier if the job was rejected.
func (m *Manager) insertOne(ctx context.Context, q *Queue, j *JobInsert, debounce bool) (string, error) {
	ids, err := m.st.Insert(ctx, q, []*JobInsert{j})
	if err != nil {
		return "", err
	}
	if len(ids) > 0 {
		m.notify(ctx, q.Name)
		return ids[0], nil
	}
	if !debounce || j.SingletonSeconds == 0 || j.SingletonNextSlot {
		return "", nil
	}

	next := *j
	next.SingletonNextSlot = true
	ids, err = m.st.Insert(ctx, q, []*JobInsert{&next})
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	m.notify(ctx, q.Name)
	return ids[0], nil
}

// SendThrottled sends a job that is rejected if another job with the same
// singleton key was accepted in the current window of the given length.
func (m *Manager) SendThrottled(ctx context.Context, name string, data interface{}, window time.Duration, key string, opts *SendOptions) (string, error) {
	o := copySendOptions(opts)
	o.SingletonSeconds = windowSeconds(window)
	o.SingletonKey = key
	o.SingletonNextSlot = false
	return m.Send(ctx, name, data, o)
}

// SendDebounced sends a job like SendThrottled, but a job rejected by the
// current window is scheduled for the start of the next window instead.
func (m *Manager) SendDebounced(ctx context.Context, name string, data interface{}, window time.Duration, key string, opts *SendOptions) (string, error) {
	o := copySendOptions(opts)
	o.SingletonSeconds = windowSeconds(window)
	o.SingletonKey = key
	o.SingletonNextSlot = true
	return m.Send(ctx, name, data, o)
}

// SendAfter sends a job that is not claimed before startAfter.
func (m *Manager) SendAfter(ctx context.Context, name string, data interface{}, startAfter time.Time, opts *SendOptions) (string, error) {
	o := copySendOptions(opts)
	o.StartAfter = startAfter
	o.StartIn = 0
	return m.Send(ctx, name, data, o)
}

func copySendOptions(opts *SendOptions) *SendOptions {
	if opts == nil {
		return &SendOptions{}
	}
	o := *opts
	return &o
}

// windowSeconds rounds a throttle window up to whole seconds.
func windowSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
