package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bookswap/exchange"
	"bookswap/telemetry"
)

var tracer = telemetry.Tracer("bookswap/report")

// AbuseGuard runs the advisory pre-report checks.
type AbuseGuard interface {
	CheckReport(ctx context.Context, exchangeID, reporterID, reason string) error
}

// Admins answers whether a user may act as an administrator.
type Admins interface {
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// Tx is the write surface available inside a serializable transaction.
// Callers lock the exchange row before any report row.
type Tx interface {
	LockExchange(ctx context.Context, id string) (exchange.Exchange, error)
	SetExchangeStatus(ctx context.Context, id string, status exchange.Status) error
	Insert(ctx context.Context, r Report) error
	LockReport(ctx context.Context, id string) (Report, error)
	SetStatus(ctx context.Context, id string, status Status, resolvedBy *string, at time.Time) error
	CountUnresolved(ctx context.Context, exchangeID, excludeReportID string) (int, error)
}

type Store interface {
	Get(ctx context.Context, id string) (Report, error)
	List(ctx context.Context, f Filter) ([]Report, error)
	Exchange(ctx context.Context, id string) (exchange.Exchange, error)
	InTx(ctx context.Context, op string, fn func(Tx) error) error
}

type CreateParams struct {
	ExchangeID  string
	ReporterID  string
	Reason      Reason
	Description string
}

type Service struct {
	store       Store
	guard       AbuseGuard
	admins      Admins
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

func NewService(store Store, guard AbuseGuard, admins Admins) *Service {
	return &Service{
		store:       store,
		guard:       guard,
		admins:      admins,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
		logger:      slog.Default(),
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Create files a report against a completed exchange and freezes it as
// DISPUTED. Balances and ownership are left exactly as they were.
func (s *Service) Create(ctx context.Context, params CreateParams) (out Report, err error) {
	ctx, span := tracer.Start(ctx, "report.Create", trace.WithAttributes(
		attribute.String("exchange.id", params.ExchangeID),
		attribute.String("reason", string(params.Reason)),
	))
	defer func() { telemetry.End(span, err) }()

	if params.ExchangeID == "" || params.ReporterID == "" {
		return Report{}, ErrMissingID
	}
	if !params.Reason.Valid() {
		return Report{}, ErrInvalidReason
	}
	description := strings.TrimSpace(params.Description)
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return Report{}, ErrDescriptionTooLong
	}

	ex, err := s.store.Exchange(ctx, params.ExchangeID)
	if err != nil {
		return Report{}, err
	}
	if err := checkReportable(ex, params.ReporterID); err != nil {
		return Report{}, err
	}
	if err := s.guard.CheckReport(ctx, params.ExchangeID, params.ReporterID, string(params.Reason)); err != nil {
		return Report{}, err
	}

	now := s.now().UTC()
	rep := Report{
		ID:          s.idGenerator(),
		ExchangeID:  params.ExchangeID,
		ReporterID:  params.ReporterID,
		Reason:      params.Reason,
		Description: description,
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.store.InTx(ctx, "report.create", func(tx Tx) error {
		locked, err := tx.LockExchange(ctx, params.ExchangeID)
		if err != nil {
			return err
		}
		if err := checkReportable(locked, params.ReporterID); err != nil {
			return err
		}
		if err := tx.Insert(ctx, rep); err != nil {
			return err
		}
		if locked.Status == exchange.StatusCompleted {
			return tx.SetExchangeStatus(ctx, locked.ID, exchange.StatusDisputed)
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	s.logger.InfoContext(ctx, "report filed",
		"report_id", rep.ID, "exchange_id", rep.ExchangeID, "reporter_id", rep.ReporterID, "reason", rep.Reason)
	return rep, nil
}

// checkReportable allows participants to report a completed exchange, or to
// add their report to one that is already disputed.
func checkReportable(ex exchange.Exchange, reporterID string) error {
	if !ex.IsParticipant(reporterID) {
		return ErrUnauthorized
	}
	// DISPUTED stays reportable: the other participant may file too, which is
	// what Reject's "no other unresolved report" count exists for.
	if ex.Status != exchange.StatusCompleted && ex.Status != exchange.StatusDisputed {
		return ErrInvalidTransition
	}
	return nil
}

// StartReview marks an open report as being looked at by an admin.
func (s *Service) StartReview(ctx context.Context, reportID, adminID string) (out Report, err error) {
	ctx, span := tracer.Start(ctx, "report.StartReview", trace.WithAttributes(attribute.String("report.id", reportID)))
	defer func() { telemetry.End(span, err) }()

	if err := s.requireAdmin(ctx, adminID); err != nil {
		return Report{}, err
	}

	err = s.store.InTx(ctx, "report.review", func(tx Tx) error {
		rep, err := tx.LockReport(ctx, reportID)
		if err != nil {
			return err
		}
		if rep.Status != StatusOpen {
			return ErrInvalidTransition
		}
		at := s.now().UTC()
		if err := tx.SetStatus(ctx, rep.ID, StatusUnderReview, nil, at); err != nil {
			return err
		}
		rep.Status = StatusUnderReview
		rep.UpdatedAt = at
		out = rep
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	s.logger.InfoContext(ctx, "report under review", "report_id", reportID, "admin_id", adminID)
	return out, nil
}

// Resolve upholds a report. The exchange stays DISPUTED; any corrective
// action happens outside the state machine.
func (s *Service) Resolve(ctx context.Context, reportID, adminID string) (out Report, err error) {
	ctx, span := tracer.Start(ctx, "report.Resolve", trace.WithAttributes(attribute.String("report.id", reportID)))
	defer func() { telemetry.End(span, err) }()

	if err := s.requireAdmin(ctx, adminID); err != nil {
		return Report{}, err
	}

	err = s.store.InTx(ctx, "report.resolve", func(tx Tx) error {
		rep, err := tx.LockReport(ctx, reportID)
		if err != nil {
			return err
		}
		if !rep.Status.Unresolved() {
			return ErrInvalidTransition
		}
		at := s.now().UTC()
		if err := tx.SetStatus(ctx, rep.ID, StatusResolved, &adminID, at); err != nil {
			return err
		}
		rep.Status = StatusResolved
		rep.ResolvedBy = &adminID
		rep.UpdatedAt = at
		out = rep
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	s.logger.InfoContext(ctx, "report resolved", "report_id", reportID, "exchange_id", out.ExchangeID, "admin_id", adminID)
	return out, nil
}

// Reject dismisses a report. When no other unresolved report remains on the
// exchange it is restored to COMPLETED. The count and the restore share one
// transaction holding the exchange row lock, so concurrent rejections of the
// last two reports restore it exactly once.
func (s *Service) Reject(ctx context.Context, reportID, adminID string) (out Report, err error) {
	ctx, span := tracer.Start(ctx, "report.Reject", trace.WithAttributes(attribute.String("report.id", reportID)))
	defer func() { telemetry.End(span, err) }()

	if err := s.requireAdmin(ctx, adminID); err != nil {
		return Report{}, err
	}
	current, err := s.store.Get(ctx, reportID)
	if err != nil {
		return Report{}, err
	}

	var restored bool
	err = s.store.InTx(ctx, "report.reject", func(tx Tx) error {
		restored = false
		ex, err := tx.LockExchange(ctx, current.ExchangeID)
		if err != nil {
			return err
		}
		rep, err := tx.LockReport(ctx, reportID)
		if err != nil {
			return err
		}
		if !rep.Status.Unresolved() || ex.Status != exchange.StatusDisputed {
			return ErrInvalidTransition
		}

		at := s.now().UTC()
		if err := tx.SetStatus(ctx, rep.ID, StatusRejected, &adminID, at); err != nil {
			return err
		}
		others, err := tx.CountUnresolved(ctx, ex.ID, rep.ID)
		if err != nil {
			return err
		}
		if others == 0 {
			if err := tx.SetExchangeStatus(ctx, ex.ID, exchange.StatusCompleted); err != nil {
				return err
			}
			restored = true
		}

		rep.Status = StatusRejected
		rep.ResolvedBy = &adminID
		rep.UpdatedAt = at
		out = rep
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	s.logger.InfoContext(ctx, "report rejected",
		"report_id", reportID, "exchange_id", out.ExchangeID, "admin_id", adminID, "exchange_restored", restored)
	return out, nil
}

// Get returns a report to its reporter or to an admin.
func (s *Service) Get(ctx context.Context, reportID, viewerID string) (Report, error) {
	rep, err := s.store.Get(ctx, reportID)
	if err != nil {
		return Report{}, err
	}
	if rep.ReporterID == viewerID {
		return rep, nil
	}
	if err := s.requireAdmin(ctx, viewerID); err != nil {
		return Report{}, err
	}
	return rep, nil
}

// List returns every matching report to admins and only their own to members.
func (s *Service) List(ctx context.Context, f Filter, viewerID string) ([]Report, error) {
	admin, err := s.isAdmin(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	if !admin {
		f.ReporterID = viewerID
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w %q", ErrInvalidStatus, f.Status)
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 100
	}
	return s.store.List(ctx, f)
}

func (s *Service) requireAdmin(ctx context.Context, userID string) error {
	ok, err := s.isAdmin(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

func (s *Service) isAdmin(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	ok, err := s.admins.IsAdmin(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("report: check admin: %w", err)
	}
	return ok, nil
}
