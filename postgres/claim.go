// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/pgjobs/jobqueue"
	"github.com/pgjobs/jobqueue/postgres/internal"
)

// claimBuilder collects the text and arguments of a claim statement.
// Arguments are appended in the order their placeholders appear.
type claimBuilder struct {
	sb   strings.Builder
	args []interface{}
}

func (b *claimBuilder) add(s string, args ...interface{}) {
	b.sb.WriteString(s)
	b.args = append(b.args, args...)
}

// claimOrder returns the claim order of jobs aliased as alias.
func claimOrder(alias string, priority bool) string {
	if priority {
		return fmt.Sprintf("%[1]s.priority DESC, %[1]s.created_on, %[1]s.id", alias)
	}
	return fmt.Sprintf("%[1]s.created_on, %[1]s.id", alias)
}

// claimSQL builds the statement that claims jobs for req, with "?"
// placeholders. policy is the policy of the queue.
//
// Candidates are pending jobs whose start time has passed. Queues with
// singleton ranking promote at most one job per singleton key and skip
// keys that already have an active job. Strict FIFO queues only promote
// the oldest pending job of a key, and never while the key has an active
// or failed job. With group concurrency, a group only gets as many jobs
// as its tier limit minus its active jobs. The remaining candidates are
// locked with SKIP LOCKED and moved to active in the same statement.
func (s *Store) claimSQL(req *jobqueue.FetchRequest, policy string) (string, []interface{}) {
	var (
		b         claimBuilder
		name      = req.Queue.Name
		strict    = policy == jobqueue.PolicySingletonStrictFIFO
		ranking   = policy == jobqueue.PolicySingleton || policy == jobqueue.PolicyStately || strict
		grouping  = req.GroupConcurrency != nil
		keyOrder  = req.Priority && !strict
		columns   = basicJobColumns
		source    = "candidates"
		ctePrefix = "WITH "
	)
	if req.IncludeMetadata {
		columns = jobColumns
	}
	cte := func(s string, args ...interface{}) {
		b.add(ctePrefix)
		b.add(s, args...)
		ctePrefix = ",\n"
	}

	if grouping {
		if req.GroupActive != nil {
			cte(groupActiveValues(req.GroupActive))
			for _, g := range sortedGroups(req.GroupActive) {
				b.args = append(b.args, g, req.GroupActive[g])
			}
		} else {
			cte(s.sql(`group_active AS (
	SELECT group_id, count(*)::int AS active
	FROM {job}
	WHERE name = ? AND state = 'active' AND group_id IS NOT NULL
	GROUP BY group_id
)`), name)
		}
	}

	// Filters on pending jobs.
	var where strings.Builder
	var whereArgs []interface{}
	where.WriteString("j.name = ? AND j.state < 'active'")
	whereArgs = append(whereArgs, name)
	if !req.IgnoreStartAfter {
		where.WriteString(" AND j.start_after < now()")
	}
	if ranking {
		if strict {
			where.WriteString(s.sql(`
		AND NOT EXISTS (
			SELECT 1 FROM {job} o
			WHERE o.name = j.name AND o.singleton_key = j.singleton_key AND o.id <> j.id
			AND (o.state IN ('active', 'failed') OR (o.state < 'active' AND (o.created_on, o.id) < (j.created_on, j.id)))
		)`))
		} else {
			where.WriteString(s.sql(`
		AND NOT EXISTS (
			SELECT 1 FROM {job} o
			WHERE o.name = j.name AND o.state = 'active'
			AND COALESCE(o.singleton_key, '') = COALESCE(j.singleton_key, '')
		)`))
		}
	}

	if ranking || grouping {
		cte(s.sql(`candidates AS (
	SELECT j.id, j.priority, j.created_on, j.singleton_key, j.group_id, j.group_tier
	FROM {job} j
	WHERE `)+where.String()+`
)`, whereArgs...)

		if ranking {
			cte(fmt.Sprintf(`key_ranked AS (
	SELECT c.* FROM (
		SELECT c.*, row_number() OVER (PARTITION BY COALESCE(c.singleton_key, '') ORDER BY %s) AS key_rank
		FROM candidates c
	) c
	WHERE c.key_rank = 1
)`, claimOrder("c", keyOrder)))
			source = "key_ranked"
		}

		if grouping {
			cte(fmt.Sprintf(`group_ranked AS (
	SELECT g.id FROM (
		SELECT c.id, c.group_id, c.group_tier,
			row_number() OVER (PARTITION BY c.group_id ORDER BY %s) AS group_rank
		FROM %s c
	) g
	LEFT JOIN group_active ga ON ga.group_id = g.group_id
	WHERE g.group_id IS NULL OR g.group_rank + COALESCE(ga.active, 0) <= `, claimOrder("c", req.Priority), source))
			b.add(tierLimitSQL(req.GroupConcurrency), tierLimitArgs(req.GroupConcurrency)...)
			b.add("\n)")
			source = "group_ranked"
		}

		cte(s.sql(fmt.Sprintf(`next AS (
	SELECT j.id
	FROM {job} j
	JOIN %s e ON e.id = j.id
	WHERE j.name = ? AND j.state < 'active'
	ORDER BY %s
	LIMIT ?
	FOR UPDATE OF j SKIP LOCKED
)`, source, claimOrder("j", req.Priority))), name, req.BatchSize)
	} else {
		cte(s.sql(fmt.Sprintf(`next AS (
	SELECT j.id
	FROM {job} j
	WHERE %s
	ORDER BY %s
	LIMIT ?
	FOR UPDATE OF j SKIP LOCKED
)`, where.String(), claimOrder("j", req.Priority))), append(whereArgs, req.BatchSize)...)
	}

	cte(s.sql(`claimed AS (
	UPDATE {job} j SET
		state = 'active',
		started_on = now(),
		heartbeat_on = CASE WHEN j.heartbeat_seconds IS NOT NULL THEN now() END,
		retry_count = CASE WHEN j.state = 'retry' THEN j.retry_count + 1 ELSE j.retry_count END
	FROM next
	WHERE j.name = ? AND j.id = next.id
	RETURNING j.*
)`), name)

	b.add(fmt.Sprintf("\nSELECT %s FROM claimed c ORDER BY %s",
		"c."+strings.Join(columns, ", c."), claimOrder("c", req.Priority)))

	return b.sb.String(), b.args
}

// groupActiveValues returns a group_active table with one row per group
// as counted by the caller.
func groupActiveValues(active map[string]int) string {
	if len(active) == 0 {
		return `group_active AS (
	SELECT NULL::text AS group_id, 0 AS active WHERE false
)`
	}
	rows := make([]string, len(active))
	for i := range rows {
		rows[i] = "(?::text, ?::int)"
	}
	return fmt.Sprintf(`group_active (group_id, active) AS (
	VALUES %s
)`, strings.Join(rows, ", "))
}

func sortedGroups(active map[string]int) []string {
	groups := make([]string, 0, len(active))
	for g := range active {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// tierLimitSQL returns the limit of a group by its tier.
func tierLimitSQL(g *jobqueue.GroupConcurrency) string {
	tiers := g.TierNames()
	if len(tiers) == 0 {
		return "?::int"
	}
	var sb strings.Builder
	sb.WriteString("CASE g.group_tier")
	for range tiers {
		sb.WriteString(" WHEN ? THEN ?::int")
	}
	sb.WriteString(" ELSE ?::int END")
	return sb.String()
}

func tierLimitArgs(g *jobqueue.GroupConcurrency) []interface{} {
	var args []interface{}
	for _, tier := range g.TierNames() {
		args = append(args, tier, g.Tiers[tier])
	}
	return append(args, g.Default)
}

// claimAttempts is the number of claim statements Fetch runs when a
// claim conflicts with a concurrent one.
const claimAttempts = 5

// ranked reports whether a policy promotes at most one job per key.
func ranked(policy string) bool {
	switch policy {
	case jobqueue.PolicySingleton, jobqueue.PolicySingletonStrictFIFO, jobqueue.PolicyStately:
		return true
	}
	return false
}

// Fetch claims up to req.BatchSize jobs of a queue.
//
// Claims on queues that promote one job per key, or that count active
// jobs per group in the database, hold a transaction-level advisory lock
// on the queue. The claim statement runs after the lock is granted and
// sees the jobs promoted by the previous holder. A claim that still
// collides with a concurrent state change is run again.
func (s *Store) Fetch(ctx context.Context, req *jobqueue.FetchRequest) ([]*jobqueue.Job, error) {
	for attempt := 1; ; attempt++ {
		jobs, err := s.fetch(ctx, req)
		if err == nil {
			return jobs, nil
		}
		if !internal.IsDup(err) && !internal.IsRetryable(err) {
			return nil, err
		}
		if attempt >= claimAttempts || ctx.Err() != nil {
			return nil, nil
		}
	}
}

func (s *Store) fetch(ctx context.Context, req *jobqueue.FetchRequest) ([]*jobqueue.Job, error) {
	var jobs []*jobqueue.Job
	claim := func(ctx context.Context, e internal.Executor, policy string) error {
		query, args := s.claimSQL(req, policy)
		rows, err := s.queryRaw(ctx, e, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		jobs, err = scanJobs(rows, req.IncludeMetadata)
		return err
	}

	serverGroups := req.GroupConcurrency != nil && req.GroupActive == nil
	if !req.Distributed && !serverGroups && !ranked(req.Queue.Policy) {
		if err := claim(ctx, s.db, req.Queue.Policy); err != nil {
			return nil, err
		}
		return jobs, nil
	}
	err := internal.RunInTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		policy := req.Queue.Policy
		if req.Distributed {
			query, args, err := psql.Select("policy").
				From(s.table("queue")).
				Where(sq.Eq{"name": req.Queue.Name}).
				ToSql()
			if err != nil {
				return err
			}
			if err := tx.QueryRowContext(ctx, query, args...).Scan(&policy); err != nil {
				if internal.IsNotFound(err) {
					return jobqueue.ErrQueueNotFound
				}
				return err
			}
		}
		if serverGroups || ranked(policy) {
			lock := fmt.Sprintf("%s.claim.%s", s.schema, req.Queue.Name)
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lock); err != nil {
				return err
			}
		}
		return claim(ctx, tx, policy)
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
