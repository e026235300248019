package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bookswap/book"
	"bookswap/telemetry"
)

var transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bookswap_exchange_transitions_total",
	Help: "Exchange state machine events, labelled by event and outcome.",
}, []string{"event", "outcome"})

var tracer = telemetry.Tracer("bookswap/exchange")

// Valuer prices a book in points. Implementations own their caching and
// fallback policy; the engine only sees a value or a hard failure.
type Valuer interface {
	BookPoints(ctx context.Context, bookID string) (int, error)
}

// AbuseGuard runs the advisory pre-request checks.
type AbuseGuard interface {
	CheckRequest(ctx context.Context, ownerID, requesterID string) error
}

// Reader serves the read-only phase that runs before a transaction.
type Reader interface {
	Get(ctx context.Context, id string) (Exchange, error)
	List(ctx context.Context, f Filter) ([]Exchange, error)
	Book(ctx context.Context, bookID string) (book.Book, error)
	Balance(ctx context.Context, userID string) (int64, error)
	HasPendingExchange(ctx context.Context, bookID string) (bool, error)
	IsFrozen(ctx context.Context, bookID string) (bool, error)
}

// Tx is the write surface available inside a serializable transaction.
type Tx interface {
	book.Tx
	Balance(ctx context.Context, userID string) (int64, error)
	LockExchange(ctx context.Context, id string) (Exchange, error)
	Insert(ctx context.Context, e Exchange) error
	SetStatus(ctx context.Context, id string, status Status, completedAt *time.Time) error
	Delete(ctx context.Context, id string) error
	TransferPoints(ctx context.Context, exchangeID, fromID, toID string, amount int64) error
}

// Store combines reads with a retrying transaction runner. fn may run more
// than once.
type Store interface {
	Reader
	InTx(ctx context.Context, op string, fn func(Tx) error) error
}

type Service struct {
	store       Store
	guard       AbuseGuard
	valuer      Valuer
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

func NewService(store Store, guard AbuseGuard, valuer Valuer) *Service {
	return &Service{
		store:       store,
		guard:       guard,
		valuer:      valuer,
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

// Request opens an exchange for bookID on behalf of requesterID. No points or
// ownership move; the book is reserved so no second request can be made.
func (s *Service) Request(ctx context.Context, bookID, requesterID string) (out Exchange, err error) {
	ctx, span := tracer.Start(ctx, "exchange.Request", trace.WithAttributes(
		attribute.String("book.id", bookID),
		attribute.String("requester.id", requesterID),
	))
	defer func() { s.finish(span, "request", err) }()

	if bookID == "" || requesterID == "" {
		return Exchange{}, ErrMissingID
	}

	b, err := s.store.Book(ctx, bookID)
	if err != nil {
		return Exchange{}, err
	}
	if err := s.checkRequestable(ctx, s.store, b, requesterID); err != nil {
		return Exchange{}, err
	}
	if err := s.guard.CheckRequest(ctx, b.OwnerID, requesterID); err != nil {
		return Exchange{}, err
	}

	points, err := s.valuer.BookPoints(ctx, bookID)
	if err != nil {
		return Exchange{}, fmt.Errorf("exchange: value book: %w", err)
	}
	if points < MinPoints || points > MaxPoints {
		return Exchange{}, fmt.Errorf("%w: %d", ErrInvalidValuation, points)
	}

	balance, err := s.store.Balance(ctx, requesterID)
	if err != nil {
		return Exchange{}, err
	}
	if balance < int64(points) {
		return Exchange{}, ErrInsufficientFunds
	}

	ex := Exchange{
		ID:         s.idGenerator(),
		BookID:     bookID,
		FromUserID: b.OwnerID,
		ToUserID:   requesterID,
		PointsUsed: points,
		Status:     StatusRequested,
	}

	err = s.store.InTx(ctx, "exchange.request", func(tx Tx) error {
		locked, err := tx.LockBook(ctx, bookID)
		if err != nil {
			return err
		}
		if locked.OwnerID != ex.FromUserID {
			return ErrNotAvailable
		}
		if err := s.checkRequestable(ctx, tx, locked, requesterID); err != nil {
			return err
		}
		balance, err := tx.Balance(ctx, requesterID)
		if err != nil {
			return err
		}
		if balance < int64(points) {
			return ErrInsufficientFunds
		}

		ex.CreatedAt = s.now().UTC()
		if err := tx.Insert(ctx, ex); err != nil {
			return err
		}
		return tx.SetAvailable(ctx, bookID, false)
	})
	if err != nil {
		return Exchange{}, err
	}

	s.logger.InfoContext(ctx, "exchange requested",
		"exchange_id", ex.ID, "book_id", bookID, "from_user_id", ex.FromUserID, "to_user_id", requesterID, "points", points)
	return ex, nil
}

type requestChecker interface {
	HasPendingExchange(ctx context.Context, bookID string) (bool, error)
	IsFrozen(ctx context.Context, bookID string) (bool, error)
}

// checkRequestable holds the request guards that both the advisory read and
// the locked re-check apply.
func (s *Service) checkRequestable(ctx context.Context, r requestChecker, b book.Book, requesterID string) error {
	if b.OwnerID == requesterID {
		return ErrOwnBook
	}
	if b.Deleted {
		return ErrNotAvailable
	}
	pending, err := r.HasPendingExchange(ctx, b.ID)
	if err != nil {
		return err
	}
	if pending {
		return ErrActiveExchangeExists
	}
	frozen, err := r.IsFrozen(ctx, b.ID)
	if err != nil {
		return err
	}
	if frozen || !b.IsAvailable {
		return ErrNotAvailable
	}
	return nil
}

// Approve is the single atomic commit of an exchange: the requester pays
// PointsUsed to the owner, the book changes hands and the exchange completes.
// Any failure leaves the exchange REQUESTED.
func (s *Service) Approve(ctx context.Context, exchangeID, ownerID string) (out Exchange, err error) {
	ctx, span := tracer.Start(ctx, "exchange.Approve", trace.WithAttributes(
		attribute.String("exchange.id", exchangeID),
	))
	defer func() { s.finish(span, "approve", err) }()

	ex, err := s.store.Get(ctx, exchangeID)
	if err != nil {
		return Exchange{}, err
	}
	if err := checkPending(ex, ex.FromUserID, ownerID); err != nil {
		return Exchange{}, err
	}

	err = s.store.InTx(ctx, "exchange.approve", func(tx Tx) error {
		locked, err := tx.LockExchange(ctx, exchangeID)
		if err != nil {
			return err
		}
		if err := checkPending(locked, locked.FromUserID, ownerID); err != nil {
			return err
		}

		b, err := tx.LockBook(ctx, locked.BookID)
		if err != nil {
			return err
		}
		if b.Deleted || b.OwnerID != locked.FromUserID {
			return ErrNotAvailable
		}

		if err := tx.TransferPoints(ctx, locked.ID, locked.ToUserID, locked.FromUserID, int64(locked.PointsUsed)); err != nil {
			return err
		}
		if err := tx.TransferOwnership(ctx, locked.BookID, locked.ToUserID); err != nil {
			return err
		}
		completedAt := s.now().UTC()
		if err := tx.SetStatus(ctx, locked.ID, StatusCompleted, &completedAt); err != nil {
			return err
		}

		locked.Status = StatusCompleted
		locked.CompletedAt = &completedAt
		ex = locked
		return nil
	})
	if err != nil {
		return Exchange{}, err
	}

	s.logger.InfoContext(ctx, "exchange completed",
		"exchange_id", ex.ID, "book_id", ex.BookID, "from_user_id", ex.FromUserID, "to_user_id", ex.ToUserID, "points", ex.PointsUsed)
	return ex, nil
}

// Reject closes a pending request at the owner's request and releases the book.
func (s *Service) Reject(ctx context.Context, exchangeID, ownerID string) (out Exchange, err error) {
	ctx, span := tracer.Start(ctx, "exchange.Reject", trace.WithAttributes(
		attribute.String("exchange.id", exchangeID),
	))
	defer func() { s.finish(span, "reject", err) }()

	ex, err := s.store.Get(ctx, exchangeID)
	if err != nil {
		return Exchange{}, err
	}
	if err := checkPending(ex, ex.FromUserID, ownerID); err != nil {
		return Exchange{}, err
	}

	err = s.store.InTx(ctx, "exchange.reject", func(tx Tx) error {
		locked, err := tx.LockExchange(ctx, exchangeID)
		if err != nil {
			return err
		}
		if err := checkPending(locked, locked.FromUserID, ownerID); err != nil {
			return err
		}
		if err := tx.SetStatus(ctx, locked.ID, StatusRejected, nil); err != nil {
			return err
		}
		if err := release(ctx, tx, locked); err != nil {
			return err
		}
		locked.Status = StatusRejected
		ex = locked
		return nil
	})
	if err != nil {
		return Exchange{}, err
	}

	s.logger.InfoContext(ctx, "exchange rejected", "exchange_id", ex.ID, "book_id", ex.BookID)
	return ex, nil
}

// Cancel withdraws a pending request on behalf of the requester. The row is
// deleted and the book released.
func (s *Service) Cancel(ctx context.Context, exchangeID, requesterID string) (err error) {
	ctx, span := tracer.Start(ctx, "exchange.Cancel", trace.WithAttributes(
		attribute.String("exchange.id", exchangeID),
	))
	defer func() { s.finish(span, "cancel", err) }()

	ex, err := s.store.Get(ctx, exchangeID)
	if err != nil {
		return err
	}
	if err := checkPending(ex, ex.ToUserID, requesterID); err != nil {
		return err
	}

	err = s.store.InTx(ctx, "exchange.cancel", func(tx Tx) error {
		locked, err := tx.LockExchange(ctx, exchangeID)
		if err != nil {
			return err
		}
		if err := checkPending(locked, locked.ToUserID, requesterID); err != nil {
			return err
		}
		if err := tx.Delete(ctx, locked.ID); err != nil {
			return err
		}
		return release(ctx, tx, locked)
	})
	if err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "exchange cancelled", "exchange_id", exchangeID, "book_id", ex.BookID)
	return nil
}

// Get returns the exchange when viewerID took part in it or is an admin.
func (s *Service) Get(ctx context.Context, exchangeID, viewerID string, admin bool) (Exchange, error) {
	ex, err := s.store.Get(ctx, exchangeID)
	if err != nil {
		return Exchange{}, err
	}
	if !admin && !ex.IsParticipant(viewerID) {
		return Exchange{}, ErrUnauthorized
	}
	return ex, nil
}

// List returns exchanges matching f. Non-admin callers only see their own.
func (s *Service) List(ctx context.Context, f Filter, viewerID string, admin bool) ([]Exchange, error) {
	if !admin {
		f.UserID = viewerID
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w %q", ErrInvalidStatus, f.Status)
	}
	return s.store.List(ctx, f.Normalize())
}

// checkPending verifies the exchange is still REQUESTED and that caller is the
// party allowed to act on it.
func checkPending(ex Exchange, allowed, caller string) error {
	if caller == "" || caller != allowed {
		return ErrUnauthorized
	}
	if ex.Status != StatusRequested {
		return ErrInvalidTransition
	}
	return nil
}

// release makes the book available again unless it was deleted or has changed
// hands in the meantime.
func release(ctx context.Context, tx Tx, ex Exchange) error {
	b, err := tx.LockBook(ctx, ex.BookID)
	if err != nil {
		return err
	}
	if b.Deleted || b.OwnerID != ex.FromUserID || b.IsAvailable {
		return nil
	}
	return tx.SetAvailable(ctx, b.ID, true)
}

func (s *Service) finish(span trace.Span, event string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = outcomeOf(err)
	}
	transitions.WithLabelValues(event, outcome).Inc()
	telemetry.End(span, err)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrTryAgain):
		return "conflict"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNotAvailable), errors.Is(err, ErrActiveExchangeExists), errors.Is(err, ErrOwnBook):
		return "precondition"
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrRepeatExchange), errors.Is(err, ErrCircularExchange):
		return "resource"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrBookNotFound):
		return "not_found"
	default:
		return "error"
	}
}
