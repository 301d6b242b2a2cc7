// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/pgjobs/jobqueue"
	"github.com/pgjobs/jobqueue/postgres/internal"
)

// basicJobColumns are returned by Fetch unless metadata is requested.
var basicJobColumns = []string{
	"id",
	"name",
	"data",
	"priority",
	"retry_count",
	"expire_seconds",
	"heartbeat_seconds",
	"singleton_key",
	"group_id",
	"group_tier",
}

// jobColumns are all columns of a job.
var jobColumns = append(append([]string{}, basicJobColumns...),
	"state",
	"retry_limit",
	"retry_delay",
	"retry_backoff",
	"retry_delay_max",
	"singleton_on",
	"dead_letter",
	"policy",
	"start_after",
	"created_on",
	"started_on",
	"completed_on",
	"heartbeat_on",
	"keep_until",
	"output",
)

// insertRecord is the JSON representation of a job passed to Insert.
// Nil fields fall back to the queue configuration.
type insertRecord struct {
	ID                *string         `json:"id"`
	Data              json.RawMessage `json:"data"`
	Priority          int             `json:"priority"`
	StartAfter        *time.Time      `json:"start_after"`
	StartIn           float64         `json:"start_in"`
	SingletonKey      *string         `json:"singleton_key"`
	SingletonSeconds  *int            `json:"singleton_seconds"`
	SingletonNextSlot bool            `json:"singleton_next_slot"`
	GroupID           *string         `json:"group_id"`
	GroupTier         *string         `json:"group_tier"`
	DeadLetter        *string         `json:"dead_letter"`
	RetryLimit        *int            `json:"retry_limit"`
	RetryDelay        *int            `json:"retry_delay"`
	RetryBackoff      *bool           `json:"retry_backoff"`
	RetryDelayMax     *int            `json:"retry_delay_max"`
	ExpireSeconds     *int            `json:"expire_seconds"`
	HeartbeatSeconds  *int            `json:"heartbeat_seconds"`
	RetentionSeconds  *int            `json:"retention_seconds"`
	DeletionSeconds   *int            `json:"deletion_seconds"`
}

func newInsertRecord(j *jobqueue.JobInsert) (*insertRecord, error) {
	r := &insertRecord{
		ID:                optString(j.ID),
		Priority:          j.Priority,
		StartIn:           j.StartIn.Seconds(),
		SingletonKey:      optString(j.SingletonKey),
		SingletonNextSlot: j.SingletonNextSlot,
		GroupID:           optString(j.GroupID),
		GroupTier:         optString(j.GroupTier),
		DeadLetter:        optString(j.DeadLetter),
		RetryLimit:        j.RetryLimit,
		RetryDelay:        j.RetryDelay,
		RetryBackoff:      j.RetryBackoff,
		RetryDelayMax:     j.RetryDelayMax,
		ExpireSeconds:     j.ExpireInSeconds,
		HeartbeatSeconds:  j.HeartbeatSeconds,
		RetentionSeconds:  j.RetentionSeconds,
		DeletionSeconds:   j.DeletionSeconds,
	}
	if !j.StartAfter.IsZero() {
		t := j.StartAfter
		r.StartAfter = &t
	}
	if j.SingletonSeconds > 0 {
		secs := j.SingletonSeconds
		r.SingletonSeconds = &secs
	}
	if j.Data != nil {
		data, err := json.Marshal(j.Data)
		if err != nil {
			return nil, fmt.Errorf("jobqueue: cannot encode job data: %w", err)
		}
		r.Data = data
	}
	return r, nil
}

// insertSQL inserts the jobs given as a JSON array. Settings resolve in
// the order job, queue, engine default; the queue columns carry the
// engine defaults. Jobs violating a policy index are skipped.
const insertSQL = `
WITH q AS (
	SELECT name, policy, retry_limit, retry_delay, retry_backoff, retry_delay_max,
		expire_seconds, retention_seconds, deletion_seconds, heartbeat_seconds
	FROM {queue}
	WHERE name = ?
), input AS (
	SELECT * FROM json_to_recordset(?::json) AS x (
		id uuid,
		data jsonb,
		priority int,
		start_after timestamptz,
		start_in float8,
		singleton_key text,
		singleton_seconds int,
		singleton_next_slot bool,
		group_id text,
		group_tier text,
		dead_letter text,
		retry_limit int,
		retry_delay int,
		retry_backoff bool,
		retry_delay_max int,
		expire_seconds int,
		heartbeat_seconds int,
		retention_seconds int,
		deletion_seconds int
	)
), slots AS (
	SELECT i.*,
		CASE WHEN i.singleton_seconds > 0 THEN
			to_timestamp(i.singleton_seconds * floor(
				(extract(epoch FROM now())::float8 + CASE WHEN i.singleton_next_slot THEN i.singleton_seconds ELSE 0 END)
				/ i.singleton_seconds))
		END AS singleton_on,
		COALESCE(i.start_after, now() + COALESCE(i.start_in, 0) * interval '1 second') AS base_start
	FROM input i
)
INSERT INTO {job} (
	id, name, data, priority, start_after, singleton_key, singleton_on,
	group_id, group_tier, dead_letter, policy,
	retry_limit, retry_delay, retry_backoff, retry_delay_max,
	expire_seconds, heartbeat_seconds, deletion_seconds, keep_until
)
SELECT
	COALESCE(s.id, gen_random_uuid()),
	q.name,
	s.data,
	COALESCE(s.priority, 0),
	t.start_after,
	s.singleton_key,
	s.singleton_on,
	s.group_id,
	s.group_tier,
	s.dead_letter,
	q.policy,
	COALESCE(s.retry_limit, q.retry_limit),
	COALESCE(s.retry_delay, q.retry_delay),
	COALESCE(s.retry_backoff, q.retry_backoff),
	COALESCE(s.retry_delay_max, q.retry_delay_max),
	COALESCE(s.expire_seconds, q.expire_seconds),
	COALESCE(s.heartbeat_seconds, q.heartbeat_seconds),
	COALESCE(s.deletion_seconds, q.deletion_seconds),
	t.start_after + COALESCE(s.retention_seconds, q.retention_seconds) * interval '1 second'
FROM slots s
CROSS JOIN q
CROSS JOIN LATERAL (
	SELECT CASE
		WHEN s.singleton_next_slot AND s.singleton_on IS NOT NULL THEN GREATEST(s.base_start, s.singleton_on)
		ELSE s.base_start
	END AS start_after
) t
ON CONFLICT DO NOTHING
RETURNING id`

// sql replaces the table placeholders of a statement.
func (s *Store) sql(stmt string) string {
	return strings.NewReplacer(
		"{queue}", s.table("queue"),
		"{job}", s.table("job"),
		"{state}", s.table("job_state"),
		"{schedule}", s.table("schedule"),
		"{version}", s.table("version"),
	).Replace(stmt)
}

// Insert adds jobs to a queue with a single statement.
func (s *Store) Insert(ctx context.Context, queue *jobqueue.Queue, jobs []*jobqueue.JobInsert) ([]string, error) {
	records := make([]*insertRecord, len(jobs))
	for i, j := range jobs {
		r, err := newInsertRecord(j)
		if err != nil {
			return nil, err
		}
		records[i] = r
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}

	var ids []string
	err = internal.RunWithRetry(ctx, s.db, func(ctx context.Context, e internal.Executor) error {
		ids = ids[:0]
		rows, err := s.queryRaw(ctx, e, s.sql(insertSQL), queue.Name, string(payload))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	}, internal.IsRetryable)
	if err != nil {
		if internal.IsCheckViolation(err) {
			return nil, fmt.Errorf("%w: queue %s requires a singleton key", jobqueue.ErrInvalidArgument, queue.Name)
		}
		return nil, err
	}
	return ids, nil
}

// Complete marks active jobs as completed.
func (s *Store) Complete(ctx context.Context, name string, ids []string, output json.RawMessage) (int, error) {
	b := psql.Update(s.table("job")).
		Set("state", sq.Expr("'completed'")).
		Set("completed_on", sq.Expr("now()")).
		Set("output", sq.Expr("?::jsonb", jsonArg(output))).
		Where(sq.Eq{"name": name}).
		Where("id = ANY(?::text[]::uuid[])", ids).
		Where("state = 'active'")
	return s.exec(ctx, s.db, b)
}

// Fail fails pending or active jobs, see failSQL.
func (s *Store) Fail(ctx context.Context, name string, ids []string, output json.RawMessage) (int, error) {
	return s.fail(ctx, name, "j.id = ANY(?::text[]::uuid[]) AND j.state < 'completed'", []interface{}{ids}, output)
}

// Cancel cancels pending or active jobs.
func (s *Store) Cancel(ctx context.Context, name string, ids []string) (int, error) {
	b := psql.Update(s.table("job")).
		Set("state", sq.Expr("'cancelled'")).
		Set("completed_on", sq.Expr("now()")).
		Where(sq.Eq{"name": name}).
		Where("id = ANY(?::text[]::uuid[])", ids).
		Where("state < 'completed'")
	return s.exec(ctx, s.db, b)
}

// Resume moves cancelled jobs back to created. Jobs whose key is taken
// by another job of the policy stay cancelled.
func (s *Store) Resume(ctx context.Context, name string, ids []string) (int, error) {
	return s.updateEach(ctx, ids, func(id string) sq.Sqlizer {
		return psql.Update(s.table("job")).
			Set("state", sq.Expr("'created'")).
			Set("completed_on", nil).
			Where(sq.Eq{"name": name}).
			Where("id = ?::uuid", id).
			Where("state = 'cancelled'")
	})
}

// Retry moves failed jobs back to retry. Jobs that used up their retries
// get one more. Jobs whose key is taken by another job of the policy
// stay failed.
func (s *Store) Retry(ctx context.Context, name string, ids []string) (int, error) {
	return s.updateEach(ctx, ids, func(id string) sq.Sqlizer {
		return psql.Update(s.table("job")).
			Set("state", sq.Expr("'retry'")).
			Set("completed_on", nil).
			Set("start_after", sq.Expr("now()")).
			Set("retry_limit", sq.Expr("GREATEST(retry_limit, retry_count + 1)")).
			Where(sq.Eq{"name": name}).
			Where("id = ?::uuid", id).
			Where("state = 'failed'")
	})
}

// updateEach runs one statement per job. A statement that violates a
// policy index leaves its job unchanged and does not count as affected.
func (s *Store) updateEach(ctx context.Context, ids []string, stmt func(id string) sq.Sqlizer) (int, error) {
	var affected int
	for _, id := range ids {
		n, err := s.exec(ctx, s.db, stmt(id))
		if internal.IsDup(err) {
			continue
		}
		if err != nil {
			return affected, err
		}
		affected += n
	}
	return affected, nil
}

// Delete removes jobs.
func (s *Store) Delete(ctx context.Context, name string, ids []string) (int, error) {
	b := psql.Delete(s.table("job")).
		Where(sq.Eq{"name": name}).
		Where("id = ANY(?::text[]::uuid[])", ids)
	return s.exec(ctx, s.db, b)
}

// Touch records a heartbeat for active jobs.
func (s *Store) Touch(ctx context.Context, name string, ids []string) (int, error) {
	b := psql.Update(s.table("job")).
		Set("heartbeat_on", sq.Expr("now()")).
		Where(sq.Eq{"name": name}).
		Where("id = ANY(?::text[]::uuid[])", ids).
		Where("state = 'active'")
	return s.exec(ctx, s.db, b)
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, name, id string) (*jobqueue.Job, error) {
	b := psql.Select(jobColumns...).
		From(s.table("job")).
		Where(sq.Eq{"name": name}).
		Where("id = ?::text::uuid", id)
	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows, true)
	if err != nil {
		return nil, s.wrapError(err)
	}
	if len(jobs) == 0 {
		return nil, jobqueue.ErrNotFound
	}
	return jobs[0], nil
}

// scanJobs reads jobs with basicJobColumns, or with jobColumns if full
// is true.
func scanJobs(rows *sql.Rows, full bool) ([]*jobqueue.Job, error) {
	var jobs []*jobqueue.Job
	for rows.Next() {
		var (
			j            jobqueue.Job
			data         []byte
			heartbeat    sql.NullInt64
			singletonKey sql.NullString
			groupID      sql.NullString
			groupTier    sql.NullString
		)
		dest := []interface{}{
			&j.ID,
			&j.Name,
			&data,
			&j.Priority,
			&j.RetryCount,
			&j.ExpireInSeconds,
			&heartbeat,
			&singletonKey,
			&groupID,
			&groupTier,
		}
		var (
			retryDelayMax sql.NullInt64
			singletonOn   sql.NullTime
			deadLetter    sql.NullString
			policy        sql.NullString
			startedOn     sql.NullTime
			completedOn   sql.NullTime
			heartbeatOn   sql.NullTime
			output        []byte
		)
		if full {
			dest = append(dest,
				&j.State,
				&j.RetryLimit,
				&j.RetryDelay,
				&j.RetryBackoff,
				&retryDelayMax,
				&singletonOn,
				&deadLetter,
				&policy,
				&j.StartAfter,
				&j.CreatedOn,
				&startedOn,
				&completedOn,
				&heartbeatOn,
				&j.KeepUntil,
				&output,
			)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			j.Data = json.RawMessage(data)
		}
		j.HeartbeatSeconds = int(heartbeat.Int64)
		j.SingletonKey = singletonKey.String
		j.GroupID = groupID.String
		j.GroupTier = groupTier.String
		if full {
			j.RetryDelayMax = int(retryDelayMax.Int64)
			j.SingletonOn = timePtr(singletonOn)
			j.DeadLetter = deadLetter.String
			j.Policy = policy.String
			j.StartedOn = timePtr(startedOn)
			j.CompletedOn = timePtr(completedOn)
			j.HeartbeatOn = timePtr(heartbeatOn)
			if len(output) > 0 {
				j.Output = json.RawMessage(output)
			}
		} else {
			j.State = jobqueue.Active
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func optString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// jsonArg passes JSON to a jsonb parameter, or NULL if it is empty.
func jsonArg(v json.RawMessage) interface{} {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}
