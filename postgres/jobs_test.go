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

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgjobs/jobqueue"
)

func jobIDs(jobs []*jobqueue.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

func TestQueueLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	q := createQueue(t, st, "emails", &jobqueue.QueueOptions{
		RetryLimit: intPtr(5),
	})
	assert.Equal(t, jobqueue.PolicyStandard, q.Policy)
	assert.Equal(t, 5, q.RetryLimit)
	assert.Equal(t, jobqueue.DefaultExpireInSeconds, q.ExpireInSeconds)
	assert.Equal(t, commonTable, q.Table)

	// Creating an existing queue is a no-op
	require.NoError(t, st.CreateQueue(ctx, "emails", &jobqueue.QueueOptions{RetryLimit: intPtr(1)}))
	queues, err := st.GetQueues(ctx)
	require.NoError(t, err)
	require.Len(t, queues, 1)
	assert.Equal(t, 5, queues[0].RetryLimit)

	require.NoError(t, st.UpdateQueue(ctx, "emails", &jobqueue.QueueOptions{RetryDelay: intPtr(30)}))
	queues, err = st.GetQueues(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, 30, queues[0].RetryDelay)
	assert.Equal(t, 5, queues[0].RetryLimit)

	err = st.UpdateQueue(ctx, "missing", &jobqueue.QueueOptions{RetryDelay: intPtr(1)})
	assert.True(t, errors.Is(err, jobqueue.ErrQueueNotFound))

	err = st.CreateQueue(ctx, "orders", &jobqueue.QueueOptions{DeadLetter: stringPtr("missing")})
	assert.True(t, errors.Is(err, jobqueue.ErrQueueNotFound))

	insert(t, st, q, &jobqueue.JobInsert{Data: map[string]string{"to": "alice"}})
	err = st.DeleteQueue(ctx, "emails", false)
	assert.True(t, errors.Is(err, jobqueue.ErrQueueNotEmpty))
	require.NoError(t, st.DeleteQueue(ctx, "emails", true))

	queues, err = st.GetQueues(ctx)
	require.NoError(t, err)
	assert.Len(t, queues, 0)
	err = st.DeleteQueue(ctx, "emails", true)
	assert.True(t, errors.Is(err, jobqueue.ErrQueueNotFound))
}

func stringPtr(v string) *string { return &v }

func TestPartitionedQueue(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	q := createQueue(t, st, "reports", &jobqueue.QueueOptions{Partition: true})
	assert.True(t, q.Partition)
	assert.Equal(t, partitionTable("reports"), q.Table)

	ids := insert(t, st, q, &jobqueue.JobInsert{}, &jobqueue.JobInsert{})
	require.Len(t, ids, 2)
	jobs := fetch(t, st, &jobqueue.FetchRequest{Queue: q})
	assert.Len(t, jobs, 2)

	var found bool
	err := st.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, st.table(q.Table)).Scan(&found)
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, st.DeleteQueue(ctx, "reports", true))
	err = st.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, st.table(q.Table)).Scan(&found)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInsertAndFetch(t *testing.T) {
	st := newTestStore(t)
	q := createQueue(t, st, "emails", nil)

	id := uuid.NewString()
	ids := insert(t, st, q,
		&jobqueue.JobInsert{ID: id, Data: map[string]string{"to": "alice"}},
		&jobqueue.JobInsert{Priority: 5},
		&jobqueue.JobInsert{Priority: 1},
	)
	require.Len(t, ids, 3)
	assert.Contains(t, ids, id)

	// Inserting the same identifier again is skipped
	again := insert(t, st, q, &jobqueue.JobInsert{ID: id})
	assert.Len(t, again, 0)

	jobs := fetch(t, st, &jobqueue.FetchRequest{Queue: q, Priority: true})
	require.Len(t, jobs, 3)
	assert.Equal(t, 5, jobs[0].Priority)
	assert.Equal(t, 1, jobs[1].Priority)
	assert.Equal(t, 0, jobs[2].Priority)
	assert.Equal(t, id, jobs[2].ID)
	assert.Equal(t, jobqueue.Active, jobs[2].State)
	assert.JSONEq(t, `{"to":"alice"}`, string(jobs[2].Data))

	// Nothing left to claim
	assert.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q}), 0)

	j := lookup(t, st, "emails", id)
	assert.Equal(t, jobqueue.Active, j.State)
	assert.NotNil(t, j.StartedOn)
	assert.Nil(t, j.HeartbeatOn)
	assert.Equal(t, jobqueue.DefaultRetryLimit, j.RetryLimit)
	assert.Equal(t, jobqueue.PolicyStandard, j.Policy)

	_, err := st.Lookup(context.Background(), "emails", uuid.NewString())
	assert.True(t, errors.Is(err, jobqueue.ErrNotFound))
}

func TestFetchRespectsStartAfter(t *testing.T) {
	st := newTestStore(t)
	q := createQueue(t, st, "emails", nil)

	insert(t, st, q, &jobqueue.JobInsert{StartIn: time.Hour})
	assert.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q}), 0)
	assert.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q, IgnoreStartAfter: true}), 1)

	insert(t, st, q, &jobqueue.JobInsert{StartAfter: time.Now().Add(-time.Minute)})
	assert.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q}), 1)
}

func TestFetchIncludeMetadata(t *testing.T) {
	st := newTestStore(t)
	q := createQueue(t, st, "emails", nil)

	insert(t, st, q, &jobqueue.JobInsert{HeartbeatSeconds: intPtr(30), GroupID: "tenant-1", GroupTier: "vip"})
	jobs := fetch(t, st, &jobqueue.FetchRequest{Queue: q, IncludeMetadata: true})
	require.Len(t, jobs, 1)
	j := jobs[0]
	assert.Equal(t, jobqueue.Active, j.State)
	assert.Equal(t, 30, j.HeartbeatSeconds)
	assert.NotNil(t, j.HeartbeatOn)
	assert.Equal(t, "tenant-1", j.GroupID)
	assert.Equal(t, "vip", j.GroupTier)
	assert.False(t, j.CreatedOn.IsZero())
	assert.True(t, j.KeepUntil.After(j.StartAfter))
}

func TestCompleteAndCommands(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	q := createQueue(t, st, "emails", nil)

	ids := insert(t, st, q, &jobqueue.JobInsert{}, &jobqueue.JobInsert{})
	require.Len(t, ids, 2)

	// Completing a job that is not active does nothing
	n, err := st.Complete(ctx, "emails", ids[:1], nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	jobs := fetch(t, st, &jobqueue.FetchRequest{Queue: q, BatchSize: 1})
	require.Len(t, jobs, 1)
	n, err = st.Complete(ctx, "emails", jobIDs(jobs), json.RawMessage(`{"sent":true}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	j := lookup(t, st, "emails", jobs[0].ID)
	assert.Equal(t, jobqueue.Completed, j.State)
	assert.NotNil(t, j.CompletedOn)
	assert.JSONEq(t, `{"sent":true}`, string(j.Output))

	other := ids[0]
	if other == jobs[0].ID {
		other = ids[1]
	}
	n, err = st.Cancel(ctx, "emails", []string{other})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, jobqueue.Cancelled, lookup(t, st, "emails", other).State)
	assert.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q}), 0)

	n, err = st.Resume(ctx, "emails", []string{other})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, jobqueue.Created, lookup(t, st, "emails", other).State)

	n, err = st.Delete(ctx, "emails", []string{other, jobs[0].ID})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = st.Lookup(ctx, "emails", other)
	assert.True(t, errors.Is(err, jobqueue.ErrNotFound))
}

func TestFailRetriesAndFails(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	q := createQueue(t, st, "emails", &jobqueue.QueueOptions{RetryLimit: intPtr(1)})

	ids := insert(t, st, q, &jobqueue.JobInsert{})
	require.Len(t, ids, 1)

	jobs := fetch(t, st, &jobqueue.FetchRequest{Queue: q})
	require.Len(t, jobs, 1)
	n, err := st.Fail(ctx, "emails", ids, json.RawMessage(`{"message":"kaboom"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	j := lookup(t, st, "emails", ids[0])
	assert.Equal(t, jobqueue.Retry, j.State)
	assert.Equal(t, 0, j.RetryCount)
	assert.Nil(t, j.CompletedOn)

	jobs = fetch(t, st, &jobqueue.FetchRequest{Queue: q})
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].RetryCount)

	n, err = st.Fail(ctx, "emails", ids, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	j = lookup(t, st, "emails", ids[0])
	assert.Equal(t, jobqueue.Failed, j.State)
	assert.NotNil(t, j.CompletedOn)

	// Failing a terminal job does nothing
	n, err = st.Fail(ctx, "emails", ids, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A manual retry grants one more attempt
	n, err = st.Retry(ctx, "emails", ids)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	j = lookup(t, st, "emails", ids[0])
	assert.Equal(t, jobqueue.Retry, j.State)
	assert.Equal(t, 2, j.RetryLimit)
	assert.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q}), 1)
}

func TestFailWithBackoff(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	q := createQueue(t, st, "emails", nil)

	ids := insert(t, st, q, &jobqueue.JobInsert{
		RetryLimit:    intPtr(3),
		RetryDelay:    intPtr(10),
		RetryBackoff:  boolPtr(true),
		RetryDelayMax: intPtr(15),
	})
	require.Len(t, ids, 1)
	fetch(t, st, &jobqueue.FetchRequest{Queue: q})

	before := time.Now()
	_, err := st.Fail(ctx, "emails", ids, nil)
	require.NoError(t, err)
	j := lookup(t, st, "emails", ids[0])
	assert.Equal(t, jobqueue.Retry, j.State)
	delay := j.StartAfter.Sub(before)
	assert.True(t, delay > 5*time.Second && delay <= 16*time.Second, "delay %v", delay)

	// The delay doubles, but stays within the maximum
	_, err = st.Retry(ctx, "emails", ids)
	require.NoError(t, err)
	assert.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q, IgnoreStartAfter: true}), 1)
	before = time.Now()
	_, err = st.Fail(ctx, "emails", ids, nil)
	require.NoError(t, err)
	j = lookup(t, st, "emails", ids[0])
	delay = j.StartAfter.Sub(before)
	assert.True(t, delay > 10*time.Second && delay <= 16*time.Second, "delay %v", delay)
}

func TestDeadLetter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	dlq := createQueue(t, st, "emails.dead", &jobqueue.QueueOptions{RetryLimit: intPtr(7)})
	q := createQueue(t, st, "emails", &jobqueue.QueueOptions{
		RetryLimit: intPtr(0),
		DeadLetter: stringPtr("emails.dead"),
	})

	ids := insert(t, st, q, &jobqueue.JobInsert{Data: map[string]int{"n": 1}, Priority: 3})
	require.Len(t, ids, 1)
	fetch(t, st, &jobqueue.FetchRequest{Queue: q})
	_, err := st.Fail(ctx, "emails", ids, nil)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Failed, lookup(t, st, "emails", ids[0]).State)

	jobs := fetch(t, st, &jobqueue.FetchRequest{Queue: dlq, IncludeMetadata: true})
	require.Len(t, jobs, 1)
	assert.JSONEq(t, `{"n":1}`, string(jobs[0].Data))
	assert.Equal(t, 3, jobs[0].Priority)
	assert.Equal(t, 7, jobs[0].RetryLimit)
}

func TestDeadLetterOfJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	dlq := createQueue(t, st, "emails.dead", nil)
	q := createQueue(t, st, "emails", &jobqueue.QueueOptions{RetryLimit: intPtr(0)})

	ids := insert(t, st, q, &jobqueue.JobInsert{DeadLetter: "emails.dead"})
	fetch(t, st, &jobqueue.FetchRequest{Queue: q})
	_, err := st.Fail(ctx, "emails", ids, nil)
	require.NoError(t, err)
	assert.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: dlq}), 1)
}

func TestPolicyShort(t *testing.T) {
	st := newTestStore(t)
	q := createQueue(t, st, "emails", &jobqueue.QueueOptions{Policy: jobqueue.PolicyShort})

	assert.Len(t, insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "a"}), 1)
	assert.Len(t, insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "a"}), 0)
	assert.Len(t, insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "b"}), 1)

	// Once active, another job with the same key may be queued
	assert.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q}), 2)
	assert.Len(t, insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "a"}), 1)
}

func TestPolicySingleton(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	q := createQueue(t, st, "emails", &jobqueue.QueueOptions{Policy: jobqueue.PolicySingleton})

	insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "a"})
	insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "a"})
	insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "b"})

	jobs := fetch(t, st, &jobqueue.FetchRequest{Queue: q})
	require.Len(t, jobs, 2)
	assert.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q}), 0)

	for _, j := range jobs {
		if j.SingletonKey == "a" {
			_, err := st.Complete(ctx, "emails", []string{j.ID}, nil)
			require.NoError(t, err)
		}
	}
	jobs = fetch(t, st, &jobqueue.FetchRequest{Queue: q})
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].SingletonKey)
}

func TestPolicyStately(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	q := createQueue(t, st, "emails", &jobqueue.QueueOptions{Policy: jobqueue.PolicyStately, RetryLimit: intPtr(3), RetryDelay: intPtr(3600)})

	first := insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "a"})
	require.Len(t, first, 1)
	assert.Len(t, insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "a"}), 0)

	require.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q}), 1)
	second := insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "a"})
	require.Len(t, second, 1)

	// The created job waits while the key is active
	assert.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q}), 0)

	// The first failure takes the retry slot of the key
	_, err := st.Fail(ctx, "emails", first, nil)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Retry, lookup(t, st, "emails", first[0]).State)

	jobs := fetch(t, st, &jobqueue.FetchRequest{Queue: q})
	require.Len(t, jobs, 1)
	assert.Equal(t, second[0], jobs[0].ID)

	// The slot is taken, so the second failure is terminal
	_, err = st.Fail(ctx, "emails", second, nil)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.Retry, lookup(t, st, "emails", first[0]).State)
	assert.Equal(t, jobqueue.Failed, lookup(t, st, "emails", second[0]).State)
}

func TestPolicyExclusive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	q := createQueue(t, st, "emails", &jobqueue.QueueOptions{Policy: jobqueue.PolicyExclusive})

	ids := insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "a"})
	require.Len(t, ids, 1)
	assert.Len(t, insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "a"}), 0)
	fetch(t, st, &jobqueue.FetchRequest{Queue: q})
	assert.Len(t, insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "a"}), 0)

	_, err := st.Complete(ctx, "emails", ids, nil)
	require.NoError(t, err)
	assert.Len(t, insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "a"}), 1)
}

func TestPolicySingletonStrictFIFO(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	q := createQueue(t, st, "emails", &jobqueue.QueueOptions{
		Policy:     jobqueue.PolicySingletonStrictFIFO,
		RetryLimit: intPtr(0),
	})

	_, err := st.Insert(ctx, q, []*jobqueue.JobInsert{{}})
	assert.True(t, jobqueue.IsInvalidArgument(err), "have %v", err)

	var a []string
	for i := 0; i < 3; i++ {
		a = append(a, insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "a", Priority: i})...)
	}
	b := insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "b"})

	jobs := fetch(t, st, &jobqueue.FetchRequest{Queue: q, Priority: true})
	require.Len(t, jobs, 2)
	assert.ElementsMatch(t, []string{a[0], b[0]}, jobIDs(jobs))

	// A failed job blocks its key
	_, err = st.Fail(ctx, "emails", a[:1], nil)
	require.NoError(t, err)
	assert.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q}), 0)

	_, err = st.Delete(ctx, "emails", a[:1])
	require.NoError(t, err)
	jobs = fetch(t, st, &jobqueue.FetchRequest{Queue: q})
	require.Len(t, jobs, 1)
	assert.Equal(t, a[1], jobs[0].ID)
}

func TestThrottleAndDebounce(t *testing.T) {
	st := newTestStore(t)
	q := createQueue(t, st, "emails", nil)

	throttled := &jobqueue.JobInsert{SingletonKey: "a", SingletonSeconds: 3600}
	assert.Len(t, insert(t, st, q, throttled), 1)
	assert.Len(t, insert(t, st, q, throttled), 0)
	assert.Len(t, insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "b", SingletonSeconds: 3600}), 1)

	debounced := &jobqueue.JobInsert{SingletonKey: "a", SingletonSeconds: 3600, SingletonNextSlot: true}
	ids := insert(t, st, q, debounced)
	require.Len(t, ids, 1)
	j := lookup(t, st, "emails", ids[0])
	require.NotNil(t, j.SingletonOn)
	assert.True(t, j.StartAfter.After(time.Now()))
	assert.False(t, j.StartAfter.Before(*j.SingletonOn))
	assert.Len(t, insert(t, st, q, debounced), 0)
}

func TestGroupConcurrency(t *testing.T) {
	st := newTestStore(t)
	q := createQueue(t, st, "emails", nil)

	for i := 0; i < 3; i++ {
		insert(t, st, q, &jobqueue.JobInsert{GroupID: "g1"})
		insert(t, st, q, &jobqueue.JobInsert{GroupID: "g2", GroupTier: "vip"})
	}
	insert(t, st, q, &jobqueue.JobInsert{})

	limits := &jobqueue.GroupConcurrency{Default: 1, Tiers: map[string]int{"vip": 2}}
	jobs := fetch(t, st, &jobqueue.FetchRequest{Queue: q, GroupConcurrency: limits})
	counts := make(map[string]int)
	for _, j := range jobs {
		counts[j.GroupID]++
	}
	assert.Equal(t, map[string]int{"g1": 1, "g2": 2, "": 1}, counts)

	// Active jobs count against the limit
	assert.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q, GroupConcurrency: limits}), 0)

	// Counts of the caller replace the counts in the database
	jobs = fetch(t, st, &jobqueue.FetchRequest{
		Queue:            q,
		GroupConcurrency: limits,
		GroupActive:      map[string]int{"g2": 1},
	})
	counts = make(map[string]int)
	for _, j := range jobs {
		counts[j.GroupID]++
	}
	assert.Equal(t, map[string]int{"g1": 1, "g2": 1}, counts)
}

func TestDistributedFetchUsesStoredPolicy(t *testing.T) {
	st := newTestStore(t)
	q := createQueue(t, st, "emails", &jobqueue.QueueOptions{Policy: jobqueue.PolicySingleton})

	insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "a"})
	insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "a"})

	stale := *q
	stale.Policy = jobqueue.PolicyStandard
	assert.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: &stale, Distributed: true}), 1)

	_, err := st.Fetch(context.Background(), &jobqueue.FetchRequest{
		Queue:       &jobqueue.Queue{Name: "missing"},
		BatchSize:   1,
		Distributed: true,
	})
	assert.True(t, errors.Is(err, jobqueue.ErrQueueNotFound))
}

func TestResumeKeepsExclusiveKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	q := createQueue(t, st, "emails", &jobqueue.QueueOptions{Policy: jobqueue.PolicyExclusive})

	first := insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "k"})
	other := insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "m"})
	require.Len(t, first, 1)
	require.Len(t, other, 1)
	_, err := st.Cancel(ctx, "emails", append(first, other...))
	require.NoError(t, err)
	require.Len(t, insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "k"}), 1)

	// Only the job whose key is free comes back
	n, err := st.Resume(ctx, "emails", append(first, other...))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, jobqueue.Cancelled, lookup(t, st, "emails", first[0]).State)
	assert.Equal(t, jobqueue.Created, lookup(t, st, "emails", other[0]).State)

	stats, err := st.QueueStats(ctx, "emails")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.QueuedCount)
}

func TestRetryKeepsStatelyKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	q := createQueue(t, st, "emails", &jobqueue.QueueOptions{Policy: jobqueue.PolicyStately, RetryDelay: intPtr(3600)})

	a := insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "k", RetryLimit: intPtr(0)})
	require.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q}), 1)
	_, err := st.Fail(ctx, "emails", a, nil)
	require.NoError(t, err)
	require.Equal(t, jobqueue.Failed, lookup(t, st, "emails", a[0]).State)

	b := insert(t, st, q, &jobqueue.JobInsert{SingletonKey: "k"})
	require.Len(t, fetch(t, st, &jobqueue.FetchRequest{Queue: q}), 1)
	_, err = st.Fail(ctx, "emails", b, nil)
	require.NoError(t, err)
	require.Equal(t, jobqueue.Retry, lookup(t, st, "emails", b[0]).State)

	n, err := st.Retry(ctx, "emails", a)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, jobqueue.Failed, lookup(t, st, "emails", a[0]).State)
}
