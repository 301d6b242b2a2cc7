// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgjobs/jobqueue"
)

func TestExpireJobs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	q := createQueue(t, st, "emails", &jobqueue.QueueOptions{RetryLimit: intPtr(0)})

	ids := insert(t, st, q, &jobqueue.JobInsert{ExpireInSeconds: intPtr(1)}, &jobqueue.JobInsert{})
	require.Len(t, ids, 2)
	require.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q}), 2)

	n, err := st.ExpireJobs(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	time.Sleep(1500 * time.Millisecond)
	n, err = st.ExpireJobs(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var expired *jobqueue.Job
	for _, id := range ids {
		if j := lookup(t, st, "emails", id); j.State == jobqueue.Failed {
			expired = j
		}
	}
	require.NotNil(t, expired)
	assert.Equal(t, 1, expired.ExpireInSeconds)
	assert.JSONEq(t, `{"message":"job expired"}`, string(expired.Output))
}

func TestExpireHeartbeats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	q := createQueue(t, st, "emails", nil)

	ids := insert(t, st, q, &jobqueue.JobInsert{HeartbeatSeconds: intPtr(1)})
	require.Len(t, ids, 1)
	require.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q}), 1)

	time.Sleep(700 * time.Millisecond)
	n, err := st.Touch(ctx, "emails", ids)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	time.Sleep(700 * time.Millisecond)

	// The heartbeat kept the job alive
	n, err = st.ExpireHeartbeats(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	time.Sleep(1500 * time.Millisecond)
	n, err = st.ExpireHeartbeats(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	j := lookup(t, st, "emails", ids[0])
	assert.Equal(t, jobqueue.Retry, j.State)
	assert.Contains(t, string(j.Output), "heartbeat")

	// Touching a job that is not active does nothing
	n, err = st.Touch(ctx, "emails", ids)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDeleteExpired(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	q := createQueue(t, st, "emails", nil)

	done := insert(t, st, q, &jobqueue.JobInsert{DeletionSeconds: intPtr(0)})
	kept := insert(t, st, q, &jobqueue.JobInsert{})
	stale := insert(t, st, q, &jobqueue.JobInsert{RetentionSeconds: intPtr(0), StartAfter: time.Now().Add(-time.Minute)})
	require.Len(t, done, 1)
	require.Len(t, kept, 1)
	require.Len(t, stale, 1)

	_, err := st.Cancel(ctx, "emails", done)
	require.NoError(t, err)

	n, err := st.DeleteExpired(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = st.Lookup(ctx, "emails", done[0])
	assert.True(t, errors.Is(err, jobqueue.ErrNotFound))
	_, err = st.Lookup(ctx, "emails", stale[0])
	assert.True(t, errors.Is(err, jobqueue.ErrNotFound))
	lookup(t, st, "emails", kept[0])
}

func TestQueueStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	q := createQueue(t, st, "emails", nil)

	insert(t, st, q, &jobqueue.JobInsert{}, &jobqueue.JobInsert{}, &jobqueue.JobInsert{})
	insert(t, st, q, &jobqueue.JobInsert{StartIn: time.Hour})
	require.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q, BatchSize: 1}), 1)

	stats, err := st.QueueStats(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.QueuedCount)
	assert.Equal(t, 1, stats.DeferredCount)
	assert.Equal(t, 1, stats.ActiveCount)
	assert.Equal(t, 4, stats.TotalCount)

	refreshed, err := st.RefreshQueueStats(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, stats, refreshed)

	queues, err := st.GetQueues(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, 2, queues[0].QueuedCount)
	assert.Equal(t, 4, queues[0].TotalCount)

	_, err = st.QueueStats(ctx, "missing")
	assert.True(t, errors.Is(err, jobqueue.ErrQueueNotFound))
	_, err = st.RefreshQueueStats(ctx, "missing")
	assert.True(t, errors.Is(err, jobqueue.ErrQueueNotFound))
}

func TestLockQueues(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	createQueue(t, st, "emails", nil)
	createQueue(t, st, "orders", nil)

	names, err := st.LockQueues(ctx, time.Minute, "emails")
	require.NoError(t, err)
	assert.Equal(t, []string{"emails"}, names)

	names, err = st.LockQueues(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, names)

	names, err = st.LockQueues(ctx, time.Minute)
	require.NoError(t, err)
	assert.Len(t, names, 0)

	// A zero interval always grants the lock
	names, err = st.LockQueues(ctx, 0, "emails")
	require.NoError(t, err)
	assert.Equal(t, []string{"emails"}, names)
}

func TestLockCron(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ok, err := st.LockCron(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.LockCron(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSchedules(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	createQueue(t, st, "reports", nil)

	err := st.Schedule(ctx, &jobqueue.Schedule{Name: "reports", Cron: "0 * * * *", Timezone: "UTC"})
	require.NoError(t, err)
	err = st.Schedule(ctx, &jobqueue.Schedule{
		Name:     "reports",
		Key:      "daily",
		Cron:     "0 6 * * *",
		Timezone: "Europe/Berlin",
		Data:     json.RawMessage(`{"kind":"daily"}`),
		Options:  &jobqueue.SendOptions{Priority: 3, RetryLimit: intPtr(1)},
	})
	require.NoError(t, err)

	// Replace
	err = st.Schedule(ctx, &jobqueue.Schedule{Name: "reports", Cron: "*/5 * * * *", Timezone: "UTC"})
	require.NoError(t, err)

	schedules, err := st.Schedules(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, schedules, 2)
	assert.Equal(t, "", schedules[0].Key)
	assert.Equal(t, "*/5 * * * *", schedules[0].Cron)
	assert.Nil(t, schedules[0].Options)
	assert.Equal(t, "daily", schedules[1].Key)
	assert.JSONEq(t, `{"kind":"daily"}`, string(schedules[1].Data))
	require.NotNil(t, schedules[1].Options)
	assert.Equal(t, 3, schedules[1].Options.Priority)
	require.NotNil(t, schedules[1].Options.RetryLimit)
	assert.Equal(t, 1, *schedules[1].Options.RetryLimit)

	schedules, err = st.Schedules(ctx, "reports", "daily")
	require.NoError(t, err)
	assert.Len(t, schedules, 1)

	require.NoError(t, st.Unschedule(ctx, "reports", "daily"))
	require.NoError(t, st.Unschedule(ctx, "reports", "daily"))
	schedules, err = st.Schedules(ctx, "reports", "")
	require.NoError(t, err)
	assert.Len(t, schedules, 1)

	err = st.Schedule(ctx, &jobqueue.Schedule{Name: "missing", Cron: "* * * * *", Timezone: "UTC"})
	assert.True(t, errors.Is(err, jobqueue.ErrQueueNotFound))

	// Schedules go away with their queue
	require.NoError(t, st.DeleteQueue(ctx, "reports", true))
	schedules, err = st.Schedules(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, schedules, 0)
}

func TestNotifyAndListen(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	names := make(chan string, 1)
	listening := make(chan error, 1)
	go func() {
		listening <- st.Listen(ctx, func(name string) {
			select {
			case names <- name:
			default:
			}
		})
	}()

	// LISTEN may not be active yet, so keep notifying
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(10 * time.Second)
	for received := false; !received; {
		select {
		case <-ticker.C:
			require.NoError(t, st.Notify(ctx, "emails"))
		case name := <-names:
			assert.Equal(t, "emails", name)
			received = true
		case <-timeout:
			t.Fatal("no notification received")
		}
	}

	cancel()
	select {
	case err := <-listening:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return")
	}
}
