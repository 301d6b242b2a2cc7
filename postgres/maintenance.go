// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/pgjobs/jobqueue"
	"github.com/pgjobs/jobqueue/postgres/internal"
)

// failSQL fails the jobs matching a predicate on j. Jobs with retries
// left move to retry, delayed by their retry delay, with exponential
// backoff if enabled. A stately queue keeps at most one job per key in
// retry, so a second one fails terminally. Jobs that fail terminally are
// copied to their dead letter queue, which defaults to the one of the
// queue, using the settings of that queue.
const failSQL = `
WITH targets AS (
	SELECT j.name, j.id,
		j.retry_count < j.retry_limit AND NOT (
			j.policy = 'stately' AND EXISTS (
				SELECT 1 FROM {job} o
				WHERE o.name = j.name AND o.id <> j.id AND o.state = 'retry'
				AND COALESCE(o.singleton_key, '') = COALESCE(j.singleton_key, '')
			)
		) AS retry,
		CASE WHEN j.retry_backoff
			THEN LEAST(COALESCE(j.retry_delay_max, 2147483647)::float8, j.retry_delay * power(2, LEAST(16, j.retry_count)))
			ELSE j.retry_delay
		END AS delay
	FROM {job} j
	WHERE j.name = ? AND %s
	FOR UPDATE OF j
), results AS (
	UPDATE {job} j SET
		state = CASE WHEN t.retry THEN 'retry'::{state} ELSE 'failed'::{state} END,
		completed_on = CASE WHEN t.retry THEN NULL ELSE now() END,
		start_after = CASE WHEN t.retry THEN now() + t.delay * interval '1 second' ELSE j.start_after END,
		output = ?::jsonb
	FROM targets t
	WHERE j.name = t.name AND j.id = t.id
	RETURNING j.*
), dlq AS (
	INSERT INTO {job} (
		name, data, priority, policy, singleton_key, group_id, group_tier,
		retry_limit, retry_delay, retry_backoff, retry_delay_max,
		expire_seconds, heartbeat_seconds, deletion_seconds, keep_until
	)
	SELECT
		dq.name, r.data, r.priority, dq.policy, r.singleton_key, r.group_id, r.group_tier,
		dq.retry_limit, dq.retry_delay, dq.retry_backoff, dq.retry_delay_max,
		dq.expire_seconds, dq.heartbeat_seconds, dq.deletion_seconds,
		now() + dq.retention_seconds * interval '1 second'
	FROM results r
	JOIN {queue} q ON q.name = r.name
	JOIN {queue} dq ON dq.name = COALESCE(r.dead_letter, q.dead_letter)
	WHERE r.state = 'failed'
	ON CONFLICT DO NOTHING
)
SELECT count(*) FROM results`

// fail runs failSQL for the jobs of queue name matching predicate.
func (s *Store) fail(ctx context.Context, name, predicate string, args []interface{}, output json.RawMessage) (int, error) {
	query := s.sql(fmt.Sprintf(failSQL, predicate))
	params := append([]interface{}{name}, args...)
	params = append(params, jsonArg(output))

	var n int
	err := internal.RunWithRetry(ctx, s.db, func(ctx context.Context, e internal.Executor) error {
		rows, err := s.queryRaw(ctx, e, query, params...)
		if err != nil {
			return err
		}
		defer rows.Close()
		n = 0
		if rows.Next() {
			if err := rows.Scan(&n); err != nil {
				return err
			}
		}
		return rows.Err()
	}, internal.IsRetryable)
	return n, err
}

var (
	expiredOutput   = json.RawMessage(`{"message":"job expired"}`)
	heartbeatOutput = json.RawMessage(`{"message":"heartbeat timeout"}`)
)

// ExpireJobs fails or retries active jobs that exceeded their expiration.
func (s *Store) ExpireJobs(ctx context.Context, name string) (int, error) {
	return s.fail(ctx, name,
		"j.state = 'active' AND j.started_on + j.expire_seconds * interval '1 second' < now()",
		nil, expiredOutput)
}

// ExpireHeartbeats fails or retries active jobs that missed their
// heartbeat.
func (s *Store) ExpireHeartbeats(ctx context.Context, name string) (int, error) {
	return s.fail(ctx, name,
		"j.state = 'active' AND j.heartbeat_seconds IS NOT NULL AND COALESCE(j.heartbeat_on, j.started_on) + j.heartbeat_seconds * interval '1 second' < now()",
		nil, heartbeatOutput)
}

// DeleteExpired removes terminal jobs past their deletion delay and
// pending jobs past their retention.
func (s *Store) DeleteExpired(ctx context.Context, name string) (int, error) {
	b := psql.Delete(s.table("job")).
		Where(sq.Eq{"name": name}).
		Where(sq.Or{
			sq.Expr("state > 'active' AND completed_on + deletion_seconds * interval '1 second' < now()"),
			sq.Expr("state < 'active' AND keep_until < now()"),
		})
	return s.exec(ctx, s.db, b)
}

// RefreshQueueStats counts the jobs of a queue and caches the counters
// on the queue.
func (s *Store) RefreshQueueStats(ctx context.Context, name string) (*jobqueue.QueueStats, error) {
	query := s.sql(fmt.Sprintf(`
WITH stats AS (
	SELECT %s FROM {job} WHERE name = ?
)
UPDATE {queue} q SET
	queued_count = s.queued,
	deferred_count = s.deferred,
	active_count = s.active,
	total_count = s.total
FROM (SELECT * FROM stats) AS s (queued, deferred, active, total)
WHERE q.name = ?
RETURNING s.queued, s.deferred, s.active, s.total`, statsColumns))

	rows, err := s.queryRaw(ctx, s.db, query, name, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, jobqueue.ErrQueueNotFound
	}
	stats := &jobqueue.QueueStats{Name: name}
	if err := rows.Scan(&stats.QueuedCount, &stats.DeferredCount, &stats.ActiveCount, &stats.TotalCount); err != nil {
		return nil, err
	}
	return stats, rows.Err()
}

// LockQueues marks the queues due for maintenance as maintained and
// returns their names. Concurrent callers never get the same queue
// within interval.
func (s *Store) LockQueues(ctx context.Context, interval time.Duration, names ...string) ([]string, error) {
	b := psql.Update(s.table("queue")).
		Set("maintain_on", sq.Expr("now()")).
		Where(sq.Or{
			sq.Expr("maintain_on IS NULL"),
			sq.Expr("maintain_on < now() - ?::float8 * interval '1 second'", interval.Seconds()),
		}).
		Suffix("RETURNING name")
	if len(names) > 0 {
		b = b.Where(sq.Eq{"name": names})
	}
	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var locked []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		locked = append(locked, name)
	}
	return locked, rows.Err()
}

// LockCron reports whether this caller may evaluate schedules now.
func (s *Store) LockCron(ctx context.Context, interval time.Duration) (bool, error) {
	b := psql.Update(s.table("version")).
		Set("cron_on", sq.Expr("now()")).
		Where(sq.Or{
			sq.Expr("cron_on IS NULL"),
			sq.Expr("cron_on < now() - ?::float8 * interval '1 second'", interval.Seconds()),
		})
	n, err := s.exec(ctx, s.db, b)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
