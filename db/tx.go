package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
	codeCheckViolation       = "23514"
)

// ErrTryAgain is returned once the retry budget for a conflicting transaction
// is exhausted. Durable state is unchanged when it is returned.
var ErrTryAgain = errors.New("db: transaction conflict, try again")

var txRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bookswap_tx_retries_total",
	Help: "Serializable transactions retried after a conflict, labelled by operation.",
}, []string{"op"})

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Runner executes callbacks inside SERIALIZABLE transactions and retries the
// ones Postgres aborts with a serialization failure or deadlock.
type Runner struct {
	pool        TxBeginner
	maxAttempts int
	backoff     time.Duration
	sleep       func(time.Duration)
	logger      *slog.Logger
}

func NewRunner(pool TxBeginner) *Runner {
	return &Runner{
		pool:        pool,
		maxAttempts: 3,
		backoff:     10 * time.Millisecond,
		sleep:       time.Sleep,
		logger:      slog.Default(),
	}
}

func (r *Runner) WithMaxAttempts(n int) *Runner {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *Runner) WithBackoff(d time.Duration) *Runner {
	r.backoff = d
	return r
}

func (r *Runner) WithSleep(sleep func(time.Duration)) *Runner {
	r.sleep = sleep
	return r
}

func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Serializable runs fn in a SERIALIZABLE transaction named op. fn may be
// invoked more than once, so it must not have side effects outside tx.
func (r *Runner) Serializable(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		err := r.once(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
		if attempt == r.maxAttempts {
			break
		}
		txRetries.WithLabelValues(op).Inc()
		r.logger.DebugContext(ctx, "retrying conflicting transaction", "op", op, "attempt", attempt, "err", err)
		if err := ctx.Err(); err != nil {
			return err
		}
		r.sleep(r.jitter(attempt))
	}
	r.logger.WarnContext(ctx, "transaction retries exhausted", "op", op, "attempts", r.maxAttempts, "err", lastErr)
	return fmt.Errorf("%w: %s", ErrTryAgain, op)
}

func (r *Runner) once(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("db: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("db: commit: %w", err)
	}
	return nil
}

func (r *Runner) jitter(attempt int) time.Duration {
	if r.backoff <= 0 {
		return 0
	}
	base := r.backoff * time.Duration(attempt)
	return base + time.Duration(rand.Int64N(int64(base)))
}

// IsRetryable reports whether err is a serialization failure or deadlock.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

// IsUniqueViolation reports whether err is a unique constraint violation,
// optionally restricted to the named constraint or index.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != codeUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// IsCheckViolation reports whether err is a CHECK constraint violation.
func IsCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeCheckViolation
}
