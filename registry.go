// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// registry caches the configuration of queues. It is refreshed
// periodically by the manager, loaded lazily on a miss, and invalidated
// whenever this process changes a queue.
type registry struct {
	st    Store
	group singleflight.Group

	mu       sync.RWMutex
	queues   map[string]*Queue
	loadedAt time.Time
}

func newRegistry(st Store) *registry {
	return &registry{
		st:     st,
		queues: make(map[string]*Queue),
	}
}

// resolve returns the queue with the given name, loading it from the
// store if it is not cached. It returns ErrQueueNotFound if the queue
// does not exist.
func (r *registry) resolve(ctx context.Context, name string) (*Queue, error) {
	r.mu.RLock()
	q, found := r.queues[name]
	r.mu.RUnlock()
	if found {
		return q, nil
	}

	v, err, _ := r.group.Do(name, func() (interface{}, error) {
		queues, err := r.st.GetQueues(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, q := range queues {
			if q.Name == name {
				r.mu.Lock()
				r.queues[name] = q
				r.mu.Unlock()
				return q, nil
			}
		}
		return nil, ErrQueueNotFound
	})
	if err != nil {
		return nil, err
	}
	return v.(*Queue), nil
}

// refresh replaces the cache with all queues of the store.
func (r *registry) refresh(ctx context.Context) error {
	queues, err := r.st.GetQueues(ctx)
	if err != nil {
		return err
	}
	m := make(map[string]*Queue, len(queues))
	for _, q := range queues {
		m[q.Name] = q
	}
	r.mu.Lock()
	r.queues = m
	r.loadedAt = time.Now()
	r.mu.Unlock()
	return nil
}

// invalidate removes a queue from the cache.
func (r *registry) invalidate(name string) {
	r.mu.Lock()
	delete(r.queues, name)
	r.mu.Unlock()
	r.group.Forget(name)
}

// names returns the names of all cached queues.
func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	return names
}

// run refreshes the cache every interval until ctx is done.
func (r *registry) run(ctx context.Context, interval time.Duration, onError func(error)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.refresh(ctx); err != nil && ctx.Err() == nil {
				onError(err)
			}
		}
	}
}
