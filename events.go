// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"sync"
	"time"
)

// EventKind is the type of an Event.
type EventKind string

const (
	// EventError reports an error from a background loop.
	EventError EventKind = "error"
	// EventWarning reports a slow maintenance statement or a large queue.
	EventWarning EventKind = "warning"
	// EventWIP reports the state of the workers of a manager.
	EventWIP EventKind = "wip"
	// EventQueueStats reports refreshed queue counters.
	EventQueueStats EventKind = "queue-stats"
	// EventStopped is sent once the manager has stopped.
	EventStopped EventKind = "stopped"
)

// Event is sent to subscribers of a Manager.
type Event struct {
	Kind    EventKind    `json:"kind"`
	Time    time.Time    `json:"time"`
	Queue   string       `json:"queue,omitempty"`
	Message string       `json:"message,omitempty"`
	Err     error        `json:"-"`
	Stats   *QueueStats  `json:"stats,omitempty"`
	Workers []WorkerInfo `json:"workers,omitempty"`
}

// eventHub fans events out to subscribers. Sending never blocks: events
// for subscribers with a full buffer are dropped.
type eventHub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	c := make(chan Event, buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = c
	h.mu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(c)
		})
	}
}

func (h *eventHub) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.subs {
		select {
		case c <- e:
		default:
		}
	}
}
