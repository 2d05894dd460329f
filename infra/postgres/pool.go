// Package postgres implements the command store and the schedule,
// measurement, audit and device-state repositories on PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config defines the connection parameters for the pgx pool.
type Config struct {
	URL             string `json:"url"`
	MinConns        int    `json:"min_conns"`
	MaxConns        int    `json:"max_conns"`
	MaxConnLifetime string `json:"max_conn_lifetime"`
	MaxConnIdleTime string `json:"max_conn_idle_time"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.MinConns <= 0 {
		c.MinConns = 2
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 20
	}
	if c.MaxConnLifetime == "" {
		c.MaxConnLifetime = "30m"
	}
	if c.MaxConnIdleTime == "" {
		c.MaxConnIdleTime = "5m"
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("database url is required")
	}
	for _, d := range []string{c.MaxConnLifetime, c.MaxConnIdleTime} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid duration %q: %w", d, err)
		}
	}
	return nil
}

// NewPool connects a pgx pool using the configuration.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pc.MinConns = int32(cfg.MinConns)
	pc.MaxConns = int32(cfg.MaxConns)
	if d, err := time.ParseDuration(cfg.MaxConnLifetime); err == nil {
		pc.MaxConnLifetime = d
	}
	if d, err := time.ParseDuration(cfg.MaxConnIdleTime); err == nil {
		pc.MaxConnIdleTime = d
	}
	return pgxpool.NewWithConfig(ctx, pc)
}
