// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package monitor serves a websocket feed with the state of a
// jobqueue.Manager: its queues, its workers, and its events.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/pgjobs/jobqueue"
)

// Message types sent to the peer.
const (
	TypeState     = "SET_STATE"
	TypeEvent     = "EVENT"
	TypeJobLookup = "JOB_LOOKUP"
)

const defaultStatsInterval = time.Second

// Server relays the state of a manager to websocket clients.
type Server struct {
	m             *jobqueue.Manager
	logger        jobqueue.Logger
	statsInterval time.Duration
	hub           *hub
	done          chan struct{} // closed when Run returns
}

// Option configures a Server.
type Option func(*Server)

// SetStatsInterval sets how often the queues and workers are sent to the
// clients. It is 1 second by default.
func SetStatsInterval(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.statsInterval = d
		}
	}
}

// SetLogger specifies the logger for connection errors.
func SetLogger(logger jobqueue.Logger) Option {
	return func(srv *Server) {
		if logger != nil {
			srv.logger = logger
		}
	}
}

// New initializes a new Server.
func New(m *jobqueue.Manager, options ...Option) *Server {
	srv := &Server{
		m:             m,
		logger:        log.Default(),
		statsInterval: defaultStatsInterval,
		hub:           newHub(),
		done:          make(chan struct{}),
	}
	for _, opt := range options {
		opt(srv)
	}
	return srv
}

// State is the current state of the manager.
type State struct {
	Type    string                `json:"type"`
	Time    time.Time             `json:"time"`
	Queues  []*jobqueue.Queue     `json:"queues"`
	Workers []jobqueue.WorkerInfo `json:"workers"`
}

// EventMessage wraps an event of the manager.
type EventMessage struct {
	Type  string         `json:"type"`
	Event jobqueue.Event `json:"event"`
}

// Handler returns the HTTP handler of the server. The websocket feed is
// served at /ws, the current state as JSON at /state.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.serveWS)
	mux.HandleFunc("/state", srv.serveState)
	return mux
}

// Run relays events and periodic state updates until ctx is done.
func (srv *Server) Run(ctx context.Context) {
	defer close(srv.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, unsubscribe := srv.m.Subscribe(64)
	defer unsubscribe()

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		srv.hub.run(ctx)
	}()
	defer func() { <-hubDone }()

	t := time.NewTicker(srv.statsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			srv.broadcast(ctx, &EventMessage{Type: TypeEvent, Event: e})
		case <-t.C:
			state, err := srv.state(ctx)
			if err != nil {
				if ctx.Err() == nil {
					srv.logger.Printf("monitor: %v", err)
				}
				continue
			}
			srv.broadcast(ctx, state)
		}
	}
}

// Serve runs the server at the given address until ctx is done.
func (srv *Server) Serve(ctx context.Context, addr string) error {
	hs := &http.Server{Addr: addr, Handler: srv.Handler()}
	go srv.Run(ctx)

	errc := make(chan error, 1)
	go func() {
		errc <- hs.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (srv *Server) state(ctx context.Context) (*State, error) {
	queues, err := srv.m.GetQueues(ctx)
	if err != nil {
		return nil, err
	}
	return &State{
		Type:    TypeState,
		Time:    time.Now(),
		Queues:  queues,
		Workers: srv.m.Workers(),
	}, nil
}

func (srv *Server) broadcast(ctx context.Context, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		srv.logger.Printf("monitor: %v", err)
		return
	}
	select {
	case srv.hub.broadcast <- payload:
	case <-ctx.Done():
	}
}

func (srv *Server) serveState(w http.ResponseWriter, r *http.Request) {
	state, err := srv.state(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		srv.logger.Printf("monitor: %v", err)
	}
}
