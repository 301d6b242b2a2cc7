// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/pgjobs/jobqueue"
	"github.com/pgjobs/jobqueue/postgres/internal"
)

var queueColumns = []string{
	"name",
	"policy",
	"partition",
	"dead_letter",
	"retry_limit",
	"retry_delay",
	"retry_backoff",
	"retry_delay_max",
	"expire_seconds",
	"retention_seconds",
	"deletion_seconds",
	"heartbeat_seconds",
	"warning_queued",
	"table_name",
	"queued_count",
	"active_count",
	"deferred_count",
	"total_count",
	"created_on",
	"updated_on",
}

// CreateQueue creates a queue. Creating an existing queue is a no-op.
// Queues with partitioning get their own partition of the job table.
func (s *Store) CreateQueue(ctx context.Context, name string, opts *jobqueue.QueueOptions) error {
	if opts == nil {
		opts = &jobqueue.QueueOptions{}
	}
	policy := opts.Policy
	if policy == "" {
		policy = jobqueue.PolicyStandard
	}
	table := commonTable
	if opts.Partition {
		table = partitionTable(name)
	}

	values := map[string]interface{}{
		"name":       name,
		"policy":     policy,
		"partition":  opts.Partition,
		"table_name": table,
	}
	for col, v := range queueOptionValues(opts) {
		values[col] = v
	}
	b := psql.Insert(s.table("queue")).
		SetMap(values).
		Suffix("ON CONFLICT (name) DO NOTHING")

	err := internal.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		n, err := s.exec(ctx, tx, b)
		if err != nil {
			if internal.IsForeignKeyViolation(err) {
				return fmt.Errorf("%w: dead letter queue %s", jobqueue.ErrQueueNotFound, derefString(opts.DeadLetter))
			}
			return err
		}
		if n == 0 || !opts.Partition {
			return nil
		}
		return s.createPartition(ctx, tx, name, table)
	}, internal.IsRetryable)
	return err
}

func (s *Store) createPartition(ctx context.Context, tx *sql.Tx, name, table string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE %s (LIKE %s INCLUDING DEFAULTS INCLUDING CONSTRAINTS)`, s.table(table), s.table("job")),
		fmt.Sprintf(`ALTER TABLE %s ATTACH PARTITION %s FOR VALUES IN (%s)`, s.table("job"), s.table(table), quoteLiteral(name)),
	}
	stmts = append(stmts, s.partitionStatements(table)...)
	for _, stmt := range stmts {
		if _, err := s.execRaw(ctx, tx, stmt); err != nil {
			return fmt.Errorf("jobqueue: cannot create partition for queue %s: %w", name, err)
		}
	}
	return nil
}

// quoteLiteral quotes a string for use as a SQL literal. Partition bounds
// cannot be passed as parameters.
func quoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// queueOptionValues returns the columns set by non-nil options.
func queueOptionValues(opts *jobqueue.QueueOptions) map[string]interface{} {
	m := make(map[string]interface{})
	if opts.DeadLetter != nil {
		m["dead_letter"] = nullString(*opts.DeadLetter)
	}
	if opts.RetryLimit != nil {
		m["retry_limit"] = *opts.RetryLimit
	}
	if opts.RetryDelay != nil {
		m["retry_delay"] = *opts.RetryDelay
	}
	if opts.RetryBackoff != nil {
		m["retry_backoff"] = *opts.RetryBackoff
	}
	if opts.RetryDelayMax != nil {
		m["retry_delay_max"] = nullPositive(*opts.RetryDelayMax)
	}
	if opts.ExpireInSeconds != nil {
		m["expire_seconds"] = *opts.ExpireInSeconds
	}
	if opts.RetentionSeconds != nil {
		m["retention_seconds"] = *opts.RetentionSeconds
	}
	if opts.DeletionSeconds != nil {
		m["deletion_seconds"] = *opts.DeletionSeconds
	}
	if opts.HeartbeatSeconds != nil {
		m["heartbeat_seconds"] = nullPositive(*opts.HeartbeatSeconds)
	}
	if opts.WarningQueued != nil {
		m["warning_queued"] = *opts.WarningQueued
	}
	return m
}

// UpdateQueue changes the configuration of a queue.
func (s *Store) UpdateQueue(ctx context.Context, name string, opts *jobqueue.QueueOptions) error {
	values := queueOptionValues(opts)
	values["updated_on"] = sq.Expr("now()")
	b := psql.Update(s.table("queue")).
		SetMap(values).
		Where(sq.Eq{"name": name})
	n, err := s.exec(ctx, s.db, b)
	if err != nil {
		if internal.IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: dead letter queue %s", jobqueue.ErrQueueNotFound, derefString(opts.DeadLetter))
		}
		return err
	}
	if n == 0 {
		return jobqueue.ErrQueueNotFound
	}
	return nil
}

// DeleteQueue removes a queue, its jobs, and its schedules.
func (s *Store) DeleteQueue(ctx context.Context, name string, truncate bool) error {
	return internal.RunInTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var (
			table     string
			partition bool
		)
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT table_name, partition FROM %s WHERE name = $1 FOR UPDATE`, s.table("queue")),
			name,
		).Scan(&table, &partition)
		if internal.IsNotFound(err) {
			return jobqueue.ErrQueueNotFound
		}
		if err != nil {
			return err
		}

		if !truncate {
			var busy bool
			err = tx.QueryRowContext(ctx,
				fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE name = $1 AND state <= 'active')`, s.table("job")),
				name,
			).Scan(&busy)
			if err != nil {
				return err
			}
			if busy {
				return jobqueue.ErrQueueNotEmpty
			}
		}

		if partition {
			_, err = s.execRaw(ctx, tx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table(table)))
		} else {
			_, err = s.exec(ctx, tx, psql.Delete(s.table("job")).Where(sq.Eq{"name": name}))
		}
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, psql.Delete(s.table("queue")).Where(sq.Eq{"name": name}))
		return err
	})
}

// GetQueues returns the queues with the given names, or all queues if no
// names are passed.
func (s *Store) GetQueues(ctx context.Context, names ...string) ([]*jobqueue.Queue, error) {
	b := psql.Select(queueColumns...).
		From(s.table("queue")).
		OrderBy("name")
	if len(names) > 0 {
		b = b.Where(sq.Eq{"name": names})
	}
	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []*jobqueue.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

func scanQueue(rows *sql.Rows) (*jobqueue.Queue, error) {
	var (
		q             jobqueue.Queue
		deadLetter    sql.NullString
		retryDelayMax sql.NullInt64
		heartbeat     sql.NullInt64
	)
	err := rows.Scan(
		&q.Name,
		&q.Policy,
		&q.Partition,
		&deadLetter,
		&q.RetryLimit,
		&q.RetryDelay,
		&q.RetryBackoff,
		&retryDelayMax,
		&q.ExpireInSeconds,
		&q.RetentionSeconds,
		&q.DeletionSeconds,
		&heartbeat,
		&q.WarningQueued,
		&q.Table,
		&q.QueuedCount,
		&q.ActiveCount,
		&q.DeferredCount,
		&q.TotalCount,
		&q.CreatedOn,
		&q.UpdatedOn,
	)
	if err != nil {
		return nil, err
	}
	q.DeadLetter = deadLetter.String
	q.RetryDelayMax = int(retryDelayMax.Int64)
	q.HeartbeatSeconds = int(heartbeat.Int64)
	return &q, nil
}

// statsColumns count the jobs of a queue by state.
const statsColumns = `
	count(*) FILTER (WHERE state < 'active' AND start_after <= now()),
	count(*) FILTER (WHERE state < 'active' AND start_after > now()),
	count(*) FILTER (WHERE state = 'active'),
	count(*)`

// QueueStats counts the jobs of a queue.
func (s *Store) QueueStats(ctx context.Context, name string) (*jobqueue.QueueStats, error) {
	found, err := s.queueExists(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, jobqueue.ErrQueueNotFound
	}
	stats := &jobqueue.QueueStats{Name: name}
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE name = $1`, statsColumns, s.table("job")),
		name,
	).Scan(&stats.QueuedCount, &stats.DeferredCount, &stats.ActiveCount, &stats.TotalCount)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) queueExists(ctx context.Context, e internal.Executor, name string) (bool, error) {
	var found bool
	err := e.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE name = $1)`, s.table("queue")),
		name,
	).Scan(&found)
	return found, err
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullPositive(v int) interface{} {
	if v <= 0 {
		return nil
	}
	return v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
