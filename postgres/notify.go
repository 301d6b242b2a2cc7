// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Notify signals listeners that jobs were added to a queue.
func (s *Store) Notify(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, s.channel, name)
	return err
}

// Listen calls fn with the queue name of every notification until ctx
// is done. It holds one connection of the pool while listening.
func (s *Store) Listen(ctx context.Context, fn func(name string)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	channel := pgx.Identifier{s.channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		return fmt.Errorf("jobqueue: cannot listen on %s: %w", s.channel, err)
	}
	defer func() {
		// The connection goes back to the pool; stop listening on it.
		_, _ = conn.Exec(context.Background(), "UNLISTEN "+channel)
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(n.Payload)
	}
}
