// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package postgres

import (
	"context"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds the store settings that can be sourced from environment
// variables.
type Config struct {
	URL      string `env:"JOBQUEUE_DATABASE_URL,required,notEmpty"`
	Schema   string `env:"JOBQUEUE_SCHEMA"    envDefault:"jobqueue"`
	Migrate  bool   `env:"JOBQUEUE_MIGRATE"   envDefault:"true"`
	Debug    bool   `env:"JOBQUEUE_DEBUG"`
	MaxConns int32  `env:"JOBQUEUE_MAX_CONNS"`
}

// LoadConfig parses Config from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.MaxConns < 0 {
		return nil, fmt.Errorf("jobqueue: JOBQUEUE_MAX_CONNS must not be negative")
	}
	return cfg, nil
}

// Options returns the store options for the configuration.
func (c *Config) Options() []StoreOption {
	return []StoreOption{
		SetSchema(c.Schema),
		SetMigrate(c.Migrate),
		SetDebug(c.Debug),
	}
}

// NewStoreFromConfig initializes a store from cfg. Additional options are
// applied after the ones of the configuration.
func NewStoreFromConfig(ctx context.Context, cfg *Config, options ...StoreOption) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: invalid connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	return newStoreWithPoolConfig(ctx, poolConfig, append(cfg.Options(), options...)...)
}
