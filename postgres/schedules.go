// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/pgjobs/jobqueue"
	"github.com/pgjobs/jobqueue/postgres/internal"
)

var scheduleColumns = []string{
	"name",
	"key",
	"cron",
	"timezone",
	"data",
	"options",
	"created_on",
	"updated_on",
}

// Schedule creates or replaces a schedule.
func (s *Store) Schedule(ctx context.Context, schedule *jobqueue.Schedule) error {
	var options interface{}
	if schedule.Options != nil {
		raw, err := json.Marshal(schedule.Options)
		if err != nil {
			return err
		}
		options = string(raw)
	}
	b := psql.Insert(s.table("schedule")).
		Columns("name", "key", "cron", "timezone", "data", "options").
		Values(
			schedule.Name,
			schedule.Key,
			schedule.Cron,
			schedule.Timezone,
			sq.Expr("?::jsonb", jsonArg(schedule.Data)),
			sq.Expr("?::jsonb", options),
		).
		Suffix(`ON CONFLICT (name, key) DO UPDATE SET
			cron = EXCLUDED.cron,
			timezone = EXCLUDED.timezone,
			data = EXCLUDED.data,
			options = EXCLUDED.options,
			updated_on = now()`)
	if _, err := s.exec(ctx, s.db, b); err != nil {
		if internal.IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: %s", jobqueue.ErrQueueNotFound, schedule.Name)
		}
		return err
	}
	return nil
}

// Unschedule removes a schedule. Removing a missing schedule is a no-op.
func (s *Store) Unschedule(ctx context.Context, name, key string) error {
	b := psql.Delete(s.table("schedule")).
		Where(sq.Eq{"name": name, "key": key})
	_, err := s.exec(ctx, s.db, b)
	return err
}

// Schedules returns schedules, optionally filtered by queue name and key.
func (s *Store) Schedules(ctx context.Context, name, key string) ([]*jobqueue.Schedule, error) {
	b := psql.Select(scheduleColumns...).
		From(s.table("schedule")).
		OrderBy("name", "key")
	if name != "" {
		b = b.Where(sq.Eq{"name": name})
		if key != "" {
			b = b.Where(sq.Eq{"key": key})
		}
	}
	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*jobqueue.Schedule
	for rows.Next() {
		var (
			sc      jobqueue.Schedule
			data    []byte
			options []byte
		)
		err := rows.Scan(&sc.Name, &sc.Key, &sc.Cron, &sc.Timezone, &data, &options, &sc.CreatedOn, &sc.UpdatedOn)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			sc.Data = json.RawMessage(data)
		}
		if len(options) > 0 {
			sc.Options = &jobqueue.SendOptions{}
			if err := json.Unmarshal(options, sc.Options); err != nil {
				return nil, fmt.Errorf("jobqueue: invalid options of schedule %s/%s: %w", sc.Name, sc.Key, err)
			}
		}
		schedules = append(schedules, &sc)
	}
	return schedules, rows.Err()
}
