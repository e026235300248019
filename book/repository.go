package book

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bookswap/db"
)

const bookColumns = `id, owner_id, title, author, isbn, condition::text, is_available, deleted,
	computed_points, points_last_calculated_at, created_at`

// Repository implements Store backed by PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	runner *db.Runner
}

func NewRepository(pool *pgxpool.Pool, runner *db.Runner) *Repository {
	return &Repository{pool: pool, runner: runner}
}

func (r *Repository) Insert(ctx context.Context, b Book) (Book, error) {
	query := `
		INSERT INTO books (id, owner_id, title, author, isbn, condition, is_available, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + bookColumns

	out, err := scanBook(r.pool.QueryRow(ctx, query,
		b.ID, b.OwnerID, b.Title, b.Author, b.ISBN, string(b.Condition), b.IsAvailable, b.CreatedAt))
	if err != nil {
		return Book{}, fmt.Errorf("book: insert: %w", err)
	}
	return out, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Book, error) {
	return Get(ctx, r.pool, id)
}

func (r *Repository) ListByOwner(ctx context.Context, ownerID string) ([]Book, error) {
	query := `SELECT ` + bookColumns + ` FROM books WHERE owner_id = $1 AND NOT deleted ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("book: list: %w", err)
	}
	defer rows.Close()

	out := make([]Book, 0, 8)
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("book: scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("book: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) InBookTx(ctx context.Context, op string, fn func(Tx) error) error {
	return r.runner.Serializable(ctx, op, func(tx pgx.Tx) error {
		return fn(NewQueries(tx))
	})
}

// Get loads a book through any pgx query surface.
func Get(ctx context.Context, q Querier, id string) (Book, error) {
	return getBook(ctx, q, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id)
}

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries implements Tx over a pgx.Tx. Over a pool it serves the
// unlocked reads used before a transaction starts.
type Queries struct {
	tx DBTX
}

func NewQueries(tx DBTX) Queries {
	return Queries{tx: tx}
}

func (p Queries) LockBook(ctx context.Context, id string) (Book, error) {
	return getBook(ctx, p.tx, `SELECT `+bookColumns+` FROM books WHERE id = $1 FOR UPDATE`, id)
}

func (p Queries) HasPendingExchange(ctx context.Context, bookID string) (bool, error) {
	var exists bool
	err := p.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM exchanges WHERE book_id = $1 AND status = 'REQUESTED')`, bookID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("book: check pending exchange: %w", err)
	}
	return exists, nil
}

// IsFrozen is true while a disputed exchange on the book has an open or
// under-review report. A resolved dispute no longer holds the book.
func (p Queries) IsFrozen(ctx context.Context, bookID string) (bool, error) {
	var exists bool
	err := p.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM exchanges x JOIN reports r ON r.exchange_id = x.id
			WHERE x.book_id = $1 AND x.status = 'DISPUTED'
			  AND r.status IN ('OPEN', 'UNDER_REVIEW'))`, bookID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("book: check dispute: %w", err)
	}
	return exists, nil
}

func (p Queries) SetAvailable(ctx context.Context, id string, available bool) error {
	return p.exec(ctx, "set availability", `UPDATE books SET is_available = $2 WHERE id = $1`, id, available)
}

func (p Queries) MarkDeleted(ctx context.Context, id string) error {
	return p.exec(ctx, "soft delete", `UPDATE books SET deleted = TRUE, is_available = FALSE WHERE id = $1`, id)
}

// TransferOwnership hands the book to newOwnerID. It stays unlisted until the
// new owner makes it available.
func (p Queries) TransferOwnership(ctx context.Context, id, newOwnerID string) error {
	return p.exec(ctx, "transfer ownership",
		`UPDATE books SET owner_id = $2, is_available = FALSE WHERE id = $1 AND NOT deleted`, id, newOwnerID)
}

func (p Queries) exec(ctx context.Context, what, sql string, args ...any) error {
	tag, err := p.tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("book: %s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getBook(ctx context.Context, q Querier, query, id string) (Book, error) {
	b, err := scanBook(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Book{}, ErrNotFound
		}
		return Book{}, fmt.Errorf("book: get: %w", err)
	}
	return b, nil
}

func scanBook(row pgx.Row) (Book, error) {
	var (
		b    Book
		cond string
	)
	err := row.Scan(&b.ID, &b.OwnerID, &b.Title, &b.Author, &b.ISBN, &cond, &b.IsAvailable, &b.Deleted,
		&b.ComputedPoints, &b.PointsLastCalculatedAt, &b.CreatedAt)
	if err != nil {
		return Book{}, err
	}
	b.Condition = Condition(cond)
	return b, nil
}
