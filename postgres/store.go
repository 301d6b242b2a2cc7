// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package postgres implements jobqueue.Store on PostgreSQL.
//
// Jobs live in a single table that is partitioned by queue name. Queues
// created with partitioning get their own partition; all other queues
// share a default partition. Claims use SELECT ... FOR UPDATE SKIP LOCKED,
// queue policies are enforced by partial unique indexes, and inserts are
// announced with NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/pgjobs/jobqueue"
	"github.com/pgjobs/jobqueue/postgres/internal"
)

const (
	// DefaultSchema is the schema of the tables unless configured otherwise.
	DefaultSchema = "jobqueue"

	// schemaVersion is the version of the tables created by Install.
	schemaVersion = 1
)

// psql builds statements with PostgreSQL placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store represents a persistent PostgreSQL storage implementation.
// It implements the jobqueue.Store interface.
type Store struct {
	pool     *pgxpool.Pool
	db       *sql.DB
	ownsPool bool
	schema   string
	channel  string
	migrate  bool
	debug    bool
	logger   jobqueue.Logger
}

var _ jobqueue.Store = (*Store)(nil)

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore initializes a new PostgreSQL-based storage. The url is a
// connection string as understood by pgxpool.ParseConfig.
func NewStore(ctx context.Context, url string, options ...StoreOption) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: invalid connection string: %w", err)
	}
	return newStoreWithPoolConfig(ctx, cfg, options...)
}

func newStoreWithPoolConfig(ctx context.Context, cfg *pgxpool.Config, options ...StoreOption) (*Store, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	st := NewStoreWithPool(pool, options...)
	st.ownsPool = true
	return st, nil
}

// NewStoreWithPool initializes a new PostgreSQL-based storage on an
// existing connection pool. Close does not close the pool.
func NewStoreWithPool(pool *pgxpool.Pool, options ...StoreOption) *Store {
	st := &Store{
		pool:    pool,
		db:      stdlib.OpenDBFromPool(pool),
		schema:  DefaultSchema,
		migrate: true,
		logger:  nopLogger{},
	}
	for _, opt := range options {
		opt(st)
	}
	st.channel = st.schema + "_insert"
	return st
}

// SetSchema specifies the schema of the tables. It is "jobqueue" by
// default.
func SetSchema(schema string) StoreOption {
	return func(s *Store) {
		if schema != "" {
			s.schema = schema
		}
	}
}

// SetMigrate indicates whether Start creates or upgrades the tables. It
// is enabled by default.
func SetMigrate(enabled bool) StoreOption {
	return func(s *Store) {
		s.migrate = enabled
	}
}

// SetDebug indicates whether to enable or disable debugging (which will
// output SQL to the logger).
func SetDebug(enabled bool) StoreOption {
	return func(s *Store) {
		s.debug = enabled
	}
}

// SetLogger specifies the logger for debug output.
func SetLogger(logger jobqueue.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type nopLogger struct{}

func (nopLogger) Printf(format string, v ...interface{}) {}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Start is called when the manager starts up. It checks the connection
// and installs the tables unless migrations are disabled.
func (s *Store) Start(ctx context.Context) error {
	err := s.runWithRetry(ctx, func() error {
		return s.pool.Ping(ctx)
	})
	if err != nil {
		return fmt.Errorf("jobqueue: cannot connect to database: %w", err)
	}
	if !s.migrate {
		return s.checkVersion(ctx)
	}
	return s.Install(ctx)
}

// Close releases the resources of the store.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.ownsPool {
		s.pool.Close()
	}
	return err
}

// runWithRetry retries fn on transient errors.
func (s *Store) runWithRetry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return backoff.Retry(fn, backoff.WithContext(b, ctx))
}

// table returns the qualified name of a table in the schema.
func (s *Store) table(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

func (s *Store) logf(query string, args []interface{}) {
	if s.debug {
		s.logger.Printf("jobqueue: %s %v", query, args)
	}
}

// exec runs a statement built by squirrel and returns the number of
// affected rows.
func (s *Store) exec(ctx context.Context, e internal.Executor, b sq.Sqlizer) (int, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	return s.execRaw(ctx, e, query, args...)
}

func (s *Store) execRaw(ctx context.Context, e internal.Executor, query string, args ...interface{}) (int, error) {
	s.logf(query, args)
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) query(ctx context.Context, e internal.Executor, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	s.logf(query, args)
	return e.QueryContext(ctx, query, args...)
}

// queryRaw runs a statement written with "?" placeholders.
func (s *Store) queryRaw(ctx context.Context, e internal.Executor, query string, args ...interface{}) (*sql.Rows, error) {
	query, err := sq.Dollar.ReplacePlaceholders(query)
	if err != nil {
		return nil, err
	}
	s.logf(query, args)
	return e.QueryContext(ctx, query, args...)
}

// wrapError maps database errors to jobqueue errors.
func (s *Store) wrapError(err error) error {
	if internal.IsNotFound(err) {
		// Map sql.ErrNoRows to jobqueue-specific "not found" error
		return jobqueue.ErrNotFound
	}
	return err
}

func (s *Store) checkVersion(ctx context.Context) error {
	var version int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT version FROM %s`, s.table("version"))).Scan(&version)
	if err != nil {
		if internal.IsNotFound(err) {
			return errors.New("jobqueue: schema is not installed")
		}
		return err
	}
	if version != schemaVersion {
		return fmt.Errorf("jobqueue: schema version %d is not supported, want %d", version, schemaVersion)
	}
	return nil
}
