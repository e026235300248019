package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bookswap/book"
	"bookswap/db"
	"bookswap/ledger"
)

const (
	exchangeColumns     = `id, book_id, from_user_id, to_user_id, points_used, status::text, created_at, completed_at`
	oneRequestedPerBook = "exchanges_one_requested_per_book"
)

// Repository implements Store backed by PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	runner *db.Runner
}

func NewRepository(pool *pgxpool.Pool, runner *db.Runner) *Repository {
	return &Repository{pool: pool, runner: runner}
}

func (r *Repository) Get(ctx context.Context, id string) (Exchange, error) {
	return getExchange(ctx, r.pool, `SELECT `+exchangeColumns+` FROM exchanges WHERE id = $1`, id)
}

func (r *Repository) List(ctx context.Context, f Filter) ([]Exchange, error) {
	f = f.Normalize()

	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("(from_user_id = $%d OR to_user_id = $%d)", len(args), len(args)))
	}
	if f.BookID != "" {
		args = append(args, f.BookID)
		where = append(where, fmt.Sprintf("book_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d::exchange_status", len(args)))
	}

	query := `SELECT ` + exchangeColumns + ` FROM exchanges`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.PageSize, f.Offset())
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exchange: list: %w", err)
	}
	defer rows.Close()

	out := make([]Exchange, 0, f.PageSize)
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, fmt.Errorf("exchange: scan: %w", err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("exchange: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) Book(ctx context.Context, bookID string) (book.Book, error) {
	return book.Get(ctx, r.pool, bookID)
}

func (r *Repository) Balance(ctx context.Context, userID string) (int64, error) {
	return ledger.Balance(ctx, r.pool, userID)
}

func (r *Repository) HasPendingExchange(ctx context.Context, bookID string) (bool, error) {
	return book.NewQueries(r.pool).HasPendingExchange(ctx, bookID)
}

func (r *Repository) IsFrozen(ctx context.Context, bookID string) (bool, error) {
	return book.NewQueries(r.pool).IsFrozen(ctx, bookID)
}

func (r *Repository) InTx(ctx context.Context, op string, fn func(Tx) error) error {
	return r.runner.Serializable(ctx, op, func(tx pgx.Tx) error {
		return fn(pgTx{Queries: book.NewQueries(tx), tx: tx})
	})
}

type pgTx struct {
	book.Queries
	tx pgx.Tx
}

func (p pgTx) Balance(ctx context.Context, userID string) (int64, error) {
	return ledger.Balance(ctx, p.tx, userID)
}

func (p pgTx) LockExchange(ctx context.Context, id string) (Exchange, error) {
	return getExchange(ctx, p.tx, `SELECT `+exchangeColumns+` FROM exchanges WHERE id = $1 FOR UPDATE`, id)
}

func (p pgTx) Insert(ctx context.Context, e Exchange) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO exchanges (id, book_id, from_user_id, to_user_id, points_used, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::exchange_status, $7)`,
		e.ID, e.BookID, e.FromUserID, e.ToUserID, e.PointsUsed, string(e.Status), e.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err, oneRequestedPerBook) {
			return ErrActiveExchangeExists
		}
		return fmt.Errorf("exchange: insert: %w", err)
	}
	return nil
}

func (p pgTx) SetStatus(ctx context.Context, id string, status Status, completedAt *time.Time) error {
	tag, err := p.tx.Exec(ctx,
		`UPDATE exchanges SET status = $2::exchange_status, completed_at = $3 WHERE id = $1`,
		id, string(status), completedAt,
	)
	if err != nil {
		return fmt.Errorf("exchange: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p pgTx) Delete(ctx context.Context, id string) error {
	tag, err := p.tx.Exec(ctx, `DELETE FROM exchanges WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("exchange: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p pgTx) TransferPoints(ctx context.Context, exchangeID, fromID, toID string, amount int64) error {
	return ledger.Transfer(ctx, p.tx, exchangeID, fromID, toID, amount)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getExchange(ctx context.Context, q rowQuerier, query, id string) (Exchange, error) {
	ex, err := scanExchange(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Exchange{}, ErrNotFound
		}
		return Exchange{}, fmt.Errorf("exchange: get: %w", err)
	}
	return ex, nil
}

func scanExchange(row pgx.Row) (Exchange, error) {
	var (
		ex     Exchange
		status string
	)
	if err := row.Scan(&ex.ID, &ex.BookID, &ex.FromUserID, &ex.ToUserID, &ex.PointsUsed, &status, &ex.CreatedAt, &ex.CompletedAt); err != nil {
		return Exchange{}, err
	}
	ex.Status = Status(status)
	return ex, nil
}
