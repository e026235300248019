package valuation

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bookswap/book"
)

// demandWindow bounds how far back requests count towards demand.
const demandWindow = 30 * 24 * time.Hour

// PGSource implements Source backed by PostgreSQL.
type PGSource struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool, now: time.Now}
}

func (s *PGSource) Load(ctx context.Context, bookID string) (Snapshot, error) {
	b, err := book.Get(ctx, s.pool, bookID)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Book: b}
	err = s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM exchanges e JOIN books o ON o.id = e.book_id
			 WHERE lower(o.title) = lower($1) AND e.created_at >= $2),
			(SELECT COUNT(*) FROM books WHERE lower(title) = lower($1) AND NOT deleted)`,
		b.Title, s.now().Add(-demandWindow),
	).Scan(&snap.Demand, &snap.Copies)
	if err != nil {
		return Snapshot{}, fmt.Errorf("valuation: load demand: %w", err)
	}
	return snap, nil
}

func (s *PGSource) Save(ctx context.Context, bookID string, points int, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE books SET computed_points = $2, points_last_calculated_at = $3 WHERE id = $1`,
		bookID, points, at,
	)
	if err != nil {
		return fmt.Errorf("valuation: save: %w", err)
	}
	return nil
}

func (s *PGSource) Stale(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM books
		WHERE NOT deleted AND points_last_calculated_at IS NOT NULL AND points_last_calculated_at < $1
		ORDER BY points_last_calculated_at
		LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("valuation: stale: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("valuation: scan stale: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("valuation: iterate stale: %w", err)
	}
	return ids, nil
}
