// Package postgres provides Postgres-backed checkpoint, dedup, and record
// persistence.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/incremental-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// TablePrefix is prepended to every table name.
	TablePrefix string `mapstructure:"table_prefix"`
}

// Pool is the subset of pgxpool.Pool the stores use. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Connect opens a pool using cfg.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// Tables names the three tables the stores use.
type Tables struct {
	Checkpoints string
	Dedup       string
	Records     string
}

// TablesFor derives table names from a prefix.
func TablesFor(prefix string) (Tables, error) {
	t := Tables{
		Checkpoints: prefix + "crawl_checkpoints",
		Dedup:       prefix + "crawl_dedup",
		Records:     prefix + "crawl_records",
	}
	for _, name := range []string{t.Checkpoints, t.Dedup, t.Records} {
		if !validTableName.MatchString(name) {
			return Tables{}, fmt.Errorf("invalid table name %q", name)
		}
	}
	return t, nil
}

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, pool Pool, t Tables) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	source_id      TEXT PRIMARY KEY,
	category_id    TEXT NOT NULL,
	page_or_offset INTEGER NOT NULL,
	completed      BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at     TIMESTAMPTZ NOT NULL
)`, t.Checkpoints),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	source_id     TEXT NOT NULL,
	natural_key   TEXT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source_id, natural_key)
)`, t.Dedup),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	collection    TEXT NOT NULL,
	natural_key   TEXT NOT NULL,
	fields        JSONB NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (collection, natural_key)
)`, t.Records),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// classify maps a pgx error onto a crawl error kind.
func classify(op, ref string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", op, ref, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return crawler.NewError(crawler.KindPersistenceConflict, op, ref, err)
		// A serialization failure or deadlock rolled the statement back; it
		// must be retried, not read as an existing row.
		case pgErr.Code == "40001", pgErr.Code == "40P01",
			strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"), pgErr.Code == "53300":
			return crawler.NewError(crawler.KindPersistenceConnectivity, op, ref, err)
		default:
			return crawler.NewError(crawler.KindPersistenceRejected, op, ref, err)
		}
	}
	return crawler.NewError(crawler.KindPersistenceConnectivity, op, ref, err)
}
