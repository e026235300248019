package infra

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoDatabase means no DSN was given, docker is missing and no local server
// answered. Callers usually skip.
var ErrNoDatabase = errors.New("infra: no postgres available")

// Harness owns the database lifecycle for integration and stress tests.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// Open finds a database in this order: overrideDSN, STRESS_TEST_PG_DSN,
// DATABASE_URL, a Postgres 16 container, a local server. Shared databases get
// an isolated schema.
func Open(ctx context.Context, overrideDSN string) (*Harness, error) {
	h := &Harness{}
	shared := true

	switch {
	case overrideDSN != "":
		h.dsn = overrideDSN
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		h.dsn = os.Getenv("STRESS_TEST_PG_DSN")
	case os.Getenv("DATABASE_URL") != "":
		h.dsn = os.Getenv("DATABASE_URL")
	case DockerAvailable(ctx):
		c, dsn, err := StartPostgres16(ctx)
		if err != nil {
			return nil, fmt.Errorf("start postgres: %w", err)
		}
		h.container, h.dsn, shared = c, dsn, false
	default:
		dsn, err := InitLocalDatabase(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDatabase, err)
		}
		h.dsn, shared = dsn, false
	}

	pool, teardown, err := ApplyMigrations(ctx, h.dsn, shared)
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	h.pool, h.teardown = pool, teardown
	return h, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	return errors.Join(err, h.container.Terminate(ctx))
}

// Reset truncates every table for a clean slate between scenarios.
func (h *Harness) Reset(ctx context.Context) error {
	_, err := h.pool.Exec(ctx, `TRUNCATE TABLE ledger_entries, reports, exchanges, books, accounts, users CASCADE`)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}
