package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bookswap/db"
	"bookswap/exchange"
)

const (
	reportColumns = `id, exchange_id, reporter_id, reason::text, description, status::text, resolved_by, created_at, updated_at`
	uniqueReport  = "reports_exchange_id_reporter_id_reason_key"
)

// Repository implements Store backed by PostgreSQL.
type Repository struct {
	pool      *pgxpool.Pool
	runner    *db.Runner
	exchanges *exchange.Repository
}

func NewRepository(pool *pgxpool.Pool, runner *db.Runner) *Repository {
	return &Repository{pool: pool, runner: runner, exchanges: exchange.NewRepository(pool, runner)}
}

func (r *Repository) Get(ctx context.Context, id string) (Report, error) {
	return getReport(ctx, r.pool, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)
}

func (r *Repository) List(ctx context.Context, f Filter) ([]Report, error) {
	var (
		where []string
		args  []any
	)
	if f.ReporterID != "" {
		args = append(args, f.ReporterID)
		where = append(where, fmt.Sprintf("reporter_id = $%d", len(args)))
	}
	if f.ExchangeID != "" {
		args = append(args, f.ExchangeID)
		where = append(where, fmt.Sprintf("exchange_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d::report_status", len(args)))
	}

	query := `SELECT ` + reportColumns + ` FROM reports`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("report: list: %w", err)
	}
	defer rows.Close()

	out := make([]Report, 0, 8)
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("report: scan: %w", err)
		}
		out = append(out, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) Exchange(ctx context.Context, id string) (exchange.Exchange, error) {
	ex, err := r.exchanges.Get(ctx, id)
	if errors.Is(err, exchange.ErrNotFound) {
		return exchange.Exchange{}, ErrExchangeNotFound
	}
	return ex, err
}

func (r *Repository) InTx(ctx context.Context, op string, fn func(Tx) error) error {
	return r.runner.Serializable(ctx, op, func(tx pgx.Tx) error {
		return fn(pgTx{tx: tx})
	})
}

type pgTx struct {
	tx pgx.Tx
}

func (p pgTx) LockExchange(ctx context.Context, id string) (exchange.Exchange, error) {
	var (
		ex     exchange.Exchange
		status string
	)
	err := p.tx.QueryRow(ctx, `
		SELECT id, book_id, from_user_id, to_user_id, points_used, status::text, created_at, completed_at
		FROM exchanges WHERE id = $1 FOR UPDATE`, id,
	).Scan(&ex.ID, &ex.BookID, &ex.FromUserID, &ex.ToUserID, &ex.PointsUsed, &status, &ex.CreatedAt, &ex.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return exchange.Exchange{}, ErrExchangeNotFound
		}
		return exchange.Exchange{}, fmt.Errorf("report: lock exchange: %w", err)
	}
	ex.Status = exchange.Status(status)
	return ex, nil
}

// SetExchangeStatus flips between COMPLETED and DISPUTED; completed_at is kept.
func (p pgTx) SetExchangeStatus(ctx context.Context, id string, status exchange.Status) error {
	tag, err := p.tx.Exec(ctx, `UPDATE exchanges SET status = $2::exchange_status WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("report: set exchange status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExchangeNotFound
	}
	return nil
}

func (p pgTx) Insert(ctx context.Context, rep Report) error {
	_, err := p.tx.Exec(ctx, `
		INSERT INTO reports (id, exchange_id, reporter_id, reason, description, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4::report_reason, $5, $6::report_status, $7, $8)`,
		rep.ID, rep.ExchangeID, rep.ReporterID, string(rep.Reason), rep.Description, string(rep.Status), rep.CreatedAt, rep.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err, uniqueReport) {
			return ErrDuplicate
		}
		if db.IsCheckViolation(err) {
			return ErrDescriptionTooLong
		}
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

func (p pgTx) LockReport(ctx context.Context, id string) (Report, error) {
	return getReport(ctx, p.tx, `SELECT `+reportColumns+` FROM reports WHERE id = $1 FOR UPDATE`, id)
}

func (p pgTx) SetStatus(ctx context.Context, id string, status Status, resolvedBy *string, at time.Time) error {
	tag, err := p.tx.Exec(ctx,
		`UPDATE reports SET status = $2::report_status, resolved_by = COALESCE($3, resolved_by), updated_at = $4 WHERE id = $1`,
		id, string(status), resolvedBy, at,
	)
	if err != nil {
		return fmt.Errorf("report: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p pgTx) CountUnresolved(ctx context.Context, exchangeID, excludeReportID string) (int, error) {
	var n int
	err := p.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM reports
		WHERE exchange_id = $1 AND id <> $2 AND status IN ('OPEN', 'UNDER_REVIEW')`,
		exchangeID, excludeReportID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("report: count unresolved: %w", err)
	}
	return n, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getReport(ctx context.Context, q rowQuerier, query, id string) (Report, error) {
	rep, err := scanReport(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Report{}, ErrNotFound
		}
		return Report{}, fmt.Errorf("report: get: %w", err)
	}
	return rep, nil
}

func scanReport(row pgx.Row) (Report, error) {
	var (
		rep            Report
		reason, status string
	)
	err := row.Scan(&rep.ID, &rep.ExchangeID, &rep.ReporterID, &reason, &rep.Description, &status,
		&rep.ResolvedBy, &rep.CreatedAt, &rep.UpdatedAt)
	if err != nil {
		return Report{}, err
	}
	rep.Reason = Reason(reason)
	rep.Status = Status(status)
	return rep, nil
}
