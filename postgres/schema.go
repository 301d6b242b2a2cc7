// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pgjobs/jobqueue"
	"github.com/pgjobs/jobqueue/postgres/internal"
)

// commonTable is the default partition shared by all queues without
// their own partition.
const commonTable = "job_common"

// partitionTable returns the name of the partition of a queue.
func partitionTable(queue string) string {
	sum := sha256.Sum224([]byte(queue))
	return "j" + hex.EncodeToString(sum[:])
}

// Install creates the tables in the schema if they do not exist yet.
// Concurrent calls from several processes are serialized.
func (s *Store) Install(ctx context.Context) error {
	return internal.RunInTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.schema+".install"); err != nil {
			return err
		}
		var found sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT to_regclass($1)::text`, s.table("version")).Scan(&found); err != nil {
			return err
		}
		if found.Valid {
			var version int
			if err := tx.QueryRowContext(ctx, `SELECT version FROM `+s.table("version")).Scan(&version); err != nil {
				return err
			}
			if version != schemaVersion {
				return fmt.Errorf("jobqueue: schema version %d is not supported, want %d", version, schemaVersion)
			}
			return nil
		}
		return s.createTables(ctx, tx)
	})
}

func (s *Store) createTables(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range s.schemaStatements() {
		s.logf(stmt, nil)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("jobqueue: cannot install schema: %w", err)
		}
	}
	for _, stmt := range s.partitionStatements(commonTable) {
		s.logf(stmt, nil)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("jobqueue: cannot install schema: %w", err)
		}
	}
	return nil
}

func (s *Store) schemaStatements() []string {
	schema := pgx.Identifier{s.schema}.Sanitize()
	state := s.table("job_state")
	r := strings.NewReplacer(
		"{schema}", schema,
		"{state}", state,
		"{version}", s.table("version"),
		"{queue}", s.table("queue"),
		"{job}", s.table("job"),
		"{common}", s.table(commonTable),
		"{schedule}", s.table("schedule"),
	)
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS {schema}`,
		`DO $$ BEGIN
			CREATE TYPE {state} AS ENUM ('created', 'retry', 'active', 'completed', 'cancelled', 'failed');
		EXCEPTION WHEN duplicate_object THEN NULL;
		END $$`,
		`CREATE TABLE IF NOT EXISTS {version} (
			version int PRIMARY KEY,
			cron_on timestamptz,
			installed_on timestamptz NOT NULL DEFAULT now()
		)`,
		fmt.Sprintf(`INSERT INTO {version} (version) VALUES (%d) ON CONFLICT DO NOTHING`, schemaVersion),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS {queue} (
			name text PRIMARY KEY,
			policy text NOT NULL DEFAULT 'standard',
			partition bool NOT NULL DEFAULT false,
			dead_letter text REFERENCES {queue} (name),
			retry_limit int NOT NULL DEFAULT %d,
			retry_delay int NOT NULL DEFAULT %d,
			retry_backoff bool NOT NULL DEFAULT false,
			retry_delay_max int,
			expire_seconds int NOT NULL DEFAULT %d,
			retention_seconds int NOT NULL DEFAULT %d,
			deletion_seconds int NOT NULL DEFAULT %d,
			heartbeat_seconds int,
			warning_queued int NOT NULL DEFAULT 0,
			table_name text NOT NULL,
			queued_count int NOT NULL DEFAULT 0,
			active_count int NOT NULL DEFAULT 0,
			deferred_count int NOT NULL DEFAULT 0,
			total_count int NOT NULL DEFAULT 0,
			maintain_on timestamptz,
			created_on timestamptz NOT NULL DEFAULT now(),
			updated_on timestamptz NOT NULL DEFAULT now()
		)`,
			jobqueue.DefaultRetryLimit,
			jobqueue.DefaultRetryDelay,
			jobqueue.DefaultExpireInSeconds,
			jobqueue.DefaultRetentionSeconds,
			jobqueue.DefaultDeletionSeconds,
		),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS {job} (
			id uuid NOT NULL DEFAULT gen_random_uuid(),
			name text NOT NULL,
			priority int NOT NULL DEFAULT 0,
			data jsonb,
			state {state} NOT NULL DEFAULT 'created',
			retry_limit int NOT NULL DEFAULT %d,
			retry_count int NOT NULL DEFAULT 0,
			retry_delay int NOT NULL DEFAULT %d,
			retry_backoff bool NOT NULL DEFAULT false,
			retry_delay_max int,
			expire_seconds int NOT NULL DEFAULT %d,
			deletion_seconds int NOT NULL DEFAULT %d,
			heartbeat_seconds int,
			singleton_key text,
			singleton_on timestamptz,
			group_id text,
			group_tier text,
			start_after timestamptz NOT NULL DEFAULT now(),
			created_on timestamptz NOT NULL DEFAULT now(),
			started_on timestamptz,
			heartbeat_on timestamptz,
			completed_on timestamptz,
			keep_until timestamptz NOT NULL DEFAULT now() + interval '%d seconds',
			output jsonb,
			dead_letter text,
			policy text,
			CONSTRAINT job_pkey PRIMARY KEY (name, id),
			CONSTRAINT job_strict_fifo_key CHECK (policy IS DISTINCT FROM 'singleton_strict_fifo' OR singleton_key IS NOT NULL)
		) PARTITION BY LIST (name)`,
			jobqueue.DefaultRetryLimit,
			jobqueue.DefaultRetryDelay,
			jobqueue.DefaultExpireInSeconds,
			jobqueue.DefaultDeletionSeconds,
			jobqueue.DefaultRetentionSeconds,
		),
		`CREATE TABLE IF NOT EXISTS {common} PARTITION OF {job} DEFAULT`,
		`CREATE TABLE IF NOT EXISTS {schedule} (
			name text NOT NULL REFERENCES {queue} (name) ON DELETE CASCADE,
			key text NOT NULL DEFAULT '',
			cron text NOT NULL,
			timezone text NOT NULL DEFAULT 'UTC',
			data jsonb,
			options jsonb,
			created_on timestamptz NOT NULL DEFAULT now(),
			updated_on timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (name, key)
		)`,
	}
	for i, stmt := range stmts {
		stmts[i] = r.Replace(stmt)
	}
	return stmts
}

// partitionStatements returns the indexes of a partition. Unique indexes
// on expressions are not supported on partitioned tables, so the policy
// indexes are created on every partition. Index names must stay within 63
// bytes, hence the short suffixes.
func (s *Store) partitionStatements(table string) []string {
	t := s.table(table)
	idx := func(suffix string) string {
		return pgx.Identifier{table + "_" + suffix}.Sanitize()
	}
	return []string{
		// Claims
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (name, start_after) INCLUDE (priority, created_on, id) WHERE state < 'active'`, idx("i1"), t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (name, group_id) WHERE state = 'active' AND group_id IS NOT NULL`, idx("i2"), t),
		// Retention
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (name, completed_on) WHERE state > 'active'`, idx("i3"), t),
		// Short: one created job per key
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (name, COALESCE(singleton_key, '')) WHERE state = 'created' AND policy = 'short'`, idx("i4"), t),
		// Singleton and strict FIFO: one active job per key
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (name, COALESCE(singleton_key, '')) WHERE state = 'active' AND policy IN ('singleton', 'singleton_strict_fifo')`, idx("i5"), t),
		// Stately: one job per key in each of created, retry, active
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (name, state, COALESCE(singleton_key, '')) WHERE state <= 'active' AND policy = 'stately'`, idx("i6"), t),
		// Exclusive: one job per key in any of created, retry, active
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (name, COALESCE(singleton_key, '')) WHERE state <= 'active' AND policy = 'exclusive'`, idx("i7"), t),
		// Throttling: one job per key and time slot
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (name, singleton_on, COALESCE(singleton_key, '')) WHERE state <> 'cancelled' AND singleton_on IS NOT NULL`, idx("i8"), t),
	}
}
