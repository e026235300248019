package book

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("book: not found")
	ErrNotOwner         = errors.New("book: caller is not the owner")
	ErrDeleted          = errors.New("book: deleted")
	ErrActiveExchange   = errors.New("book: exchange in progress or under dispute")
	ErrTitleRequired    = errors.New("book: title is required")
	ErrInvalidCondition = errors.New("book: invalid condition")
	ErrMissingOwner     = errors.New("book: missing owner id")
)

// Tx exposes the row-level operations run inside a storage transaction.
// The exchange engine embeds it so ownership changes share its commit.
type Tx interface {
	LockBook(ctx context.Context, id string) (Book, error)
	HasPendingExchange(ctx context.Context, bookID string) (bool, error)
	IsFrozen(ctx context.Context, bookID string) (bool, error)
	SetAvailable(ctx context.Context, id string, available bool) error
	MarkDeleted(ctx context.Context, id string) error
	TransferOwnership(ctx context.Context, id, newOwnerID string) error
}

// Store is the persistence boundary for books.
type Store interface {
	Insert(ctx context.Context, b Book) (Book, error)
	Get(ctx context.Context, id string) (Book, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Book, error)
	InBookTx(ctx context.Context, op string, fn func(Tx) error) error
}

type Service struct {
	store       Store
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

func NewService(store Store) *Service {
	return &Service{
		store:       store,
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

// Create lists a new, available book for params.OwnerID.
func (s *Service) Create(ctx context.Context, params CreateParams) (Book, error) {
	if params.OwnerID == "" {
		return Book{}, ErrMissingOwner
	}
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return Book{}, ErrTitleRequired
	}
	cond := params.Condition
	if cond == "" {
		cond = ConditionGood
	}
	if !cond.Valid() {
		return Book{}, ErrInvalidCondition
	}

	b, err := s.store.Insert(ctx, Book{
		ID:          s.idGenerator(),
		OwnerID:     params.OwnerID,
		Title:       title,
		Author:      strings.TrimSpace(params.Author),
		ISBN:        strings.TrimSpace(params.ISBN),
		Condition:   cond,
		IsAvailable: true,
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return Book{}, err
	}
	s.logger.InfoContext(ctx, "book listed", "book_id", b.ID, "owner_id", b.OwnerID)
	return b, nil
}

func (s *Service) Get(ctx context.Context, id string) (Book, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]Book, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// SetAvailability lets the owner list or unlist a book. It is refused while a
// request is pending or a dispute freezes the book.
func (s *Service) SetAvailability(ctx context.Context, id, ownerID string, available bool) (Book, error) {
	var out Book
	err := s.store.InBookTx(ctx, "book.set_availability", func(tx Tx) error {
		b, err := tx.LockBook(ctx, id)
		if err != nil {
			return err
		}
		if b.OwnerID != ownerID {
			return ErrNotOwner
		}
		if b.Deleted {
			return ErrDeleted
		}
		pending, err := tx.HasPendingExchange(ctx, id)
		if err != nil {
			return err
		}
		frozen, err := tx.IsFrozen(ctx, id)
		if err != nil {
			return err
		}
		if pending || frozen {
			return ErrActiveExchange
		}
		if b.IsAvailable != available {
			if err := tx.SetAvailable(ctx, id, available); err != nil {
				return err
			}
			b.IsAvailable = available
		}
		out = b
		return nil
	})
	if err != nil {
		return Book{}, err
	}
	return out, nil
}

// SoftDelete hides the book from new requests. It does not depend on exchange
// state; the id remains valid for history lookups.
func (s *Service) SoftDelete(ctx context.Context, id, ownerID string) (Book, error) {
	var out Book
	err := s.store.InBookTx(ctx, "book.soft_delete", func(tx Tx) error {
		b, err := tx.LockBook(ctx, id)
		if err != nil {
			return err
		}
		if b.OwnerID != ownerID {
			return ErrNotOwner
		}
		if b.Deleted {
			out = b
			return nil
		}
		if err := tx.MarkDeleted(ctx, id); err != nil {
			return err
		}
		b.Deleted = true
		b.IsAvailable = false
		out = b
		return nil
	})
	if err != nil {
		return Book{}, err
	}
	s.logger.InfoContext(ctx, "book deleted", "book_id", id, "owner_id", ownerID)
	return out, nil
}
