package test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"bookswap/auth"
	"bookswap/book"
	"bookswap/db"
	"bookswap/exchange"
	"bookswap/guard"
	"bookswap/ledger"
	"bookswap/report"
	"bookswap/test/infra"
	"bookswap/valuation"
)

// env wires the production services over one pool.
type env struct {
	pool      *pgxpool.Pool
	users     *auth.PGRepository
	auth      *auth.Service
	ledger    *ledger.Repository
	valSource *valuation.PGSource
	valuation *valuation.Service
	books     *book.Service
	exchanges *exchange.Service
	reports   *report.Service
}

func newEnv(pool *pgxpool.Pool, policy guard.Policy) *env {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := db.NewRunner(pool).WithMaxAttempts(8).WithLogger(logger)

	users := auth.NewRepository(pool, runner)
	authSvc := auth.NewService(users, "integration-secret")
	abuse := guard.New(guard.NewPGSource(pool), policy)
	valSource := valuation.NewPGSource(pool)
	valSvc := valuation.NewService(valSource, valuation.NewMemoryCache(), nil).WithLogger(logger)

	return &env{
		pool:      pool,
		users:     users,
		auth:      authSvc,
		ledger:    ledger.NewRepository(pool),
		valSource: valSource,
		valuation: valSvc,
		books:     book.NewService(book.NewRepository(pool, runner)).WithLogger(logger),
		exchanges: exchange.NewService(exchange.NewRepository(pool, runner), abuse, valSvc).WithLogger(logger),
		reports:   report.NewService(report.NewRepository(pool, runner), abuse, authSvc).WithLogger(logger),
	}
}

// stressPolicy keeps the report limit and repeat window out of the way so
// actors keep producing traffic.
func stressPolicy() guard.Policy {
	return guard.Policy{
		ReportLimit:  1 << 20,
		ReportWindow: 24 * time.Hour,
		RepeatWindow: time.Millisecond,
	}
}

func openHarness(t *testing.T, ctx context.Context, dsn string) *infra.Harness {
	t.Helper()
	h, err := infra.Open(ctx, dsn)
	if errors.Is(err, infra.ErrNoDatabase) {
		t.Skipf("postgres unavailable: %v", err)
	}
	if err != nil {
		t.Fatalf("open harness: %v", err)
	}
	t.Cleanup(func() {
		if err := h.Close(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	})
	return h
}

func (e *env) mustUser(t *testing.T, ctx context.Context, name string, admin bool) string {
	t.Helper()
	role := auth.RoleMember
	if admin {
		role = auth.RoleAdmin
	}
	u, err := e.users.CreateUser(ctx, auth.CreateUserParams{
		Email:           fmt.Sprintf("%s-%s@example.com", name, uuid.NewString()[:8]),
		DisplayName:     name,
		PasswordHash:    "not-a-real-hash",
		Role:            role,
		StartingBalance: ledger.StartingBalance,
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", name, err)
	}
	return u.ID
}

func (e *env) mustBook(t *testing.T, ctx context.Context, ownerID, title string) string {
	t.Helper()
	b, err := e.books.Create(ctx, book.CreateParams{
		OwnerID:   ownerID,
		Title:     title,
		Author:    "Anon",
		Condition: book.ConditionGood,
	})
	if err != nil {
		t.Fatalf("seed book %s: %v", title, err)
	}
	return b.ID
}

// setBalance overwrites an account balance; only scenario tests use it.
func (e *env) setBalance(t *testing.T, ctx context.Context, userID string, balance int64) {
	t.Helper()
	if _, err := e.pool.Exec(ctx, `UPDATE accounts SET balance = $2 WHERE user_id = $1`, userID, balance); err != nil {
		t.Fatalf("set balance: %v", err)
	}
}

// pricedAt stores a fresh valuation so BookPoints returns it without assessing.
func (e *env) pricedAt(t *testing.T, ctx context.Context, bookID string, points int) {
	t.Helper()
	if err := e.valSource.Save(ctx, bookID, points, time.Now().UTC()); err != nil {
		t.Fatalf("save valuation: %v", err)
	}
}

func (e *env) balance(t *testing.T, ctx context.Context, userID string) int64 {
	t.Helper()
	b, err := e.ledger.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance %s: %v", userID, err)
	}
	return b
}
