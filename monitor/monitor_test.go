// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pgjobs/jobqueue"
)

func newTestServer(t *testing.T, options ...jobqueue.ManagerOption) (*jobqueue.Manager, *websocket.Conn, *httptest.Server) {
	t.Helper()
	opts := append([]jobqueue.ManagerOption{
		jobqueue.SetStore(jobqueue.NewInMemoryStore()),
		jobqueue.SetLogger(nil),
		jobqueue.SetSupervise(false),
		jobqueue.SetSchedule(false),
		jobqueue.SetListen(false),
	}, options...)
	m := jobqueue.New(opts...)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	if err := m.CreateQueue(context.Background(), "crawl", nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := New(m, SetStatsInterval(20*time.Millisecond))
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx)
	}()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		<-done
		ts.Close()
	})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed with %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return m, ws, ts
}

// readUntil reads messages until one of the given type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, typ string, v interface{}) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("no %s message: %v", typ, err)
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &head); err != nil {
			t.Fatal(err)
		}
		if head.Type != typ {
			continue
		}
		if err := json.Unmarshal(payload, v); err != nil {
			t.Fatal(err)
		}
		return
	}
}

func TestServerSendsState(t *testing.T) {
	_, ws, _ := newTestServer(t)

	var state State
	readUntil(t, ws, TypeState, &state)
	if want, have := 1, len(state.Queues); want != have {
		t.Fatalf("want %d queues, have %d", want, have)
	}
	if want, have := "crawl", state.Queues[0].Name; want != have {
		t.Fatalf("want queue %q, have %q", want, have)
	}
}

func TestServerLooksUpJobs(t *testing.T) {
	m, ws, _ := newTestServer(t)
	id, err := m.Send(context.Background(), "crawl", map[string]string{"url": "https://alt-f4.de"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := ws.WriteJSON(request{Type: TypeJobLookup, Queue: "crawl", ID: id}); err != nil {
		t.Fatal(err)
	}
	var rsp JobLookup
	readUntil(t, ws, TypeJobLookup, &rsp)
	if rsp.Job == nil {
		t.Fatalf("want a job, have message %q", rsp.Message)
	}
	if want, have := id, rsp.Job.ID; want != have {
		t.Fatalf("want job %s, have %s", want, have)
	}

	if err := ws.WriteJSON(request{Type: TypeJobLookup, Queue: "crawl", ID: "00000000-0000-0000-0000-000000000000"}); err != nil {
		t.Fatal(err)
	}
	rsp = JobLookup{}
	readUntil(t, ws, TypeJobLookup, &rsp)
	if rsp.Job != nil {
		t.Fatalf("want no job, have %v", rsp.Job)
	}
	if want, have := "Job already removed", rsp.Message; want != have {
		t.Fatalf("want message %q, have %q", want, have)
	}
}

func TestServerRelaysEvents(t *testing.T) {
	m, ws, _ := newTestServer(t, jobqueue.SetWIPInterval(20*time.Millisecond))
	// The connection is registered once it receives the state
	var state State
	readUntil(t, ws, TypeState, &state)

	_, err := m.Work(context.Background(), "crawl", nil, func(ctx context.Context, jobs []*jobqueue.Job) (interface{}, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	for {
		var msg EventMessage
		readUntil(t, ws, TypeEvent, &msg)
		if msg.Event.Kind != jobqueue.EventWIP {
			continue
		}
		if want, have := 1, len(msg.Event.Workers); want != have {
			t.Fatalf("want %d workers, have %d", want, have)
		}
		if want, have := "crawl", msg.Event.Workers[0].Name; want != have {
			t.Fatalf("want worker for %q, have %q", want, have)
		}
		return
	}
}

func TestServerState(t *testing.T) {
	_, _, ts := newTestServer(t)
	res, err := http.Get(ts.URL + "/state")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if want, have := http.StatusOK, res.StatusCode; want != have {
		t.Fatalf("want status %d, have %d", want, have)
	}
	var state State
	if err := json.NewDecoder(res.Body).Decode(&state); err != nil {
		t.Fatal(err)
	}
	if want, have := TypeState, state.Type; want != have {
		t.Fatalf("want type %q, have %q", want, have)
	}
}
