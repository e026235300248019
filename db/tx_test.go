package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestSerializable_CommitsOnSuccess(t *testing.T) {
	pool := &fakePool{}
	r := NewRunner(pool).WithSleep(func(time.Duration) {})

	if err := r.Serializable(context.Background(), "test", func(pgx.Tx) error { return nil }); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(pool.txs) != 1 {
		t.Fatalf("expected one transaction, got %d", len(pool.txs))
	}
	if !pool.txs[0].committed {
		t.Errorf("expected commit")
	}
	if pool.opts.IsoLevel != pgx.Serializable {
		t.Errorf("expected serializable isolation, got %q", pool.opts.IsoLevel)
	}
}

func TestSerializable_RetriesSerializationFailure(t *testing.T) {
	pool := &fakePool{}
	var slept int
	r := NewRunner(pool).WithMaxAttempts(3).WithSleep(func(time.Duration) { slept++ })

	calls := 0
	err := r.Serializable(context.Background(), "test", func(pgx.Tx) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 || slept != 2 {
		t.Fatalf("expected 3 calls and 2 sleeps, got %d and %d", calls, slept)
	}
	for i, tx := range pool.txs[:2] {
		if tx.committed || !tx.rolled {
			t.Errorf("attempt %d: expected rollback without commit", i+1)
		}
	}
}

func TestSerializable_ExhaustedReturnsTryAgain(t *testing.T) {
	pool := &fakePool{}
	r := NewRunner(pool).WithMaxAttempts(2).WithSleep(func(time.Duration) {})

	err := r.Serializable(context.Background(), "approve", func(pgx.Tx) error {
		return &pgconn.PgError{Code: "40P01"}
	})
	if !errors.Is(err, ErrTryAgain) {
		t.Fatalf("expected ErrTryAgain, got %v", err)
	}
	if len(pool.txs) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(pool.txs))
	}
}

func TestSerializable_BusinessErrorNotRetried(t *testing.T) {
	pool := &fakePool{}
	r := NewRunner(pool).WithSleep(func(time.Duration) {})
	boom := errors.New("boom")

	err := r.Serializable(context.Background(), "test", func(pgx.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(pool.txs) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(pool.txs))
	}
}

func TestConstraintClassifiers(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505", ConstraintName: "exchanges_one_requested_per_book"}
	if !IsUniqueViolation(unique, "exchanges_one_requested_per_book") {
		t.Errorf("expected named unique violation")
	}
	if IsUniqueViolation(unique, "other") {
		t.Errorf("constraint name must match")
	}
	if !IsUniqueViolation(unique, "") {
		t.Errorf("empty constraint matches any unique violation")
	}
	if !IsCheckViolation(&pgconn.PgError{Code: "23514"}) {
		t.Errorf("expected check violation")
	}
	if IsRetryable(errors.New("plain")) {
		t.Errorf("plain errors are not retryable")
	}
}

type fakePool struct {
	txs  []*fakeTx
	opts pgx.TxOptions
}

func (f *fakePool) BeginTx(_ context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	f.opts = opts
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolled = true
	}
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
