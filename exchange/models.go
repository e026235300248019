package exchange

import (
	"errors"
	"time"

	"bookswap/book"
	"bookswap/db"
	"bookswap/guard"
	"bookswap/ledger"
)

// Status is the persisted lifecycle state of an exchange. Approval lands
// directly in COMPLETED; a cancelled request is deleted rather than stored.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusCompleted Status = "COMPLETED"
	StatusRejected  Status = "REJECTED"
	StatusDisputed  Status = "DISPUTED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusRequested, StatusCompleted, StatusRejected, StatusDisputed:
		return true
	default:
		return false
	}
}

// Exchange mirrors the exchanges table. PointsUsed is fixed when the request
// is made and never recalculated.
type Exchange struct {
	ID          string
	BookID      string
	FromUserID  string
	ToUserID    string
	PointsUsed  int
	Status      Status
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// IsParticipant reports whether userID is the giver or the receiver.
func (e Exchange) IsParticipant(userID string) bool {
	return userID != "" && (e.FromUserID == userID || e.ToUserID == userID)
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	UserID   string
	BookID   string
	Status   Status
	Page     int
	PageSize int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Normalize applies pagination defaults and bounds.
func (f Filter) Normalize() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	return f
}

func (f Filter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// Valuation bounds accepted from the valuation collaborator.
const (
	MinPoints = 5
	MaxPoints = 20
)

var (
	ErrNotFound             = errors.New("exchange: not found")
	ErrOwnBook              = errors.New("exchange: cannot request your own book")
	ErrNotAvailable         = errors.New("exchange: book not available")
	ErrActiveExchangeExists = errors.New("exchange: book already has an active request")
	ErrUnauthorized         = errors.New("exchange: caller not allowed")
	ErrInvalidTransition    = errors.New("exchange: invalid status transition")
	ErrInvalidValuation     = errors.New("exchange: valuation out of range")
	ErrMissingID            = errors.New("exchange: book id and requester id are required")
	ErrInvalidStatus        = errors.New("exchange: unknown status")

	ErrBookNotFound      = book.ErrNotFound
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
	ErrRepeatExchange    = guard.ErrRepeatExchange
	ErrCircularExchange  = guard.ErrCircularExchange
	ErrTryAgain          = db.ErrTryAgain
)
