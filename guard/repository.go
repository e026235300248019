package guard

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSource implements Source with plain reads outside any transaction.
type PGSource struct {
	pool *pgxpool.Pool
}

func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

func (s *PGSource) CountReportsSince(ctx context.Context, reporterID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM reports WHERE reporter_id = $1 AND created_at >= $2`,
		reporterID, since,
	).Scan(&n)
	return n, err
}

func (s *PGSource) ReportExists(ctx context.Context, exchangeID, reporterID, reason string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM reports WHERE exchange_id = $1 AND reporter_id = $2 AND reason = $3::report_reason)`,
		exchangeID, reporterID, reason,
	).Scan(&ok)
	return ok, err
}

func (s *PGSource) GaveSince(ctx context.Context, giverID, receiverID string, since time.Time) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM exchanges
			WHERE from_user_id = $1 AND to_user_id = $2
			  AND status IN ('COMPLETED', 'DISPUTED')
			  AND completed_at >= $3
		)`,
		giverID, receiverID, since,
	).Scan(&ok)
	return ok, err
}
