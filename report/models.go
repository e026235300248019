package report

import (
	"errors"
	"time"

	"bookswap/db"
	"bookswap/guard"
)

// Reason classifies what went wrong with a completed exchange.
type Reason string

const (
	ReasonDamagedBook             Reason = "DAMAGED_BOOK"
	ReasonBookNotReceived         Reason = "BOOK_NOT_RECEIVED"
	ReasonWrongBook               Reason = "WRONG_BOOK"
	ReasonConditionMisrepresented Reason = "CONDITION_MISREPRESENTED"
	ReasonNoShow                  Reason = "NO_SHOW"
	ReasonOther                   Reason = "OTHER"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonDamagedBook, ReasonBookNotReceived, ReasonWrongBook,
		ReasonConditionMisrepresented, ReasonNoShow, ReasonOther:
		return true
	default:
		return false
	}
}

// Status represents the lifecycle of a report record.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusResolved    Status = "RESOLVED"
	StatusRejected    Status = "REJECTED"
)

// Unresolved reports keep their exchange frozen.
func (s Status) Unresolved() bool {
	return s == StatusOpen || s == StatusUnderReview
}

func (s Status) Valid() bool {
	return s.Unresolved() || s == StatusResolved || s == StatusRejected
}

// MaxDescriptionLength is measured in characters, not bytes.
const MaxDescriptionLength = 1000

// Report mirrors the reports table. Content is immutable after creation;
// only Status advances.
type Report struct {
	ID          string
	ExchangeID  string
	ReporterID  string
	Reason      Reason
	Description string
	Status      Status
	ResolvedBy  *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	ReporterID string
	ExchangeID string
	Status     Status
	Limit      int
}

var (
	ErrNotFound           = errors.New("report: not found")
	ErrExchangeNotFound   = errors.New("report: exchange not found")
	ErrUnauthorized       = errors.New("report: caller not allowed")
	ErrInvalidTransition  = errors.New("report: invalid status transition")
	ErrInvalidReason      = errors.New("report: invalid reason")
	ErrDescriptionTooLong = errors.New("report: description exceeds 1000 characters")
	ErrMissingID          = errors.New("report: exchange id and reporter id are required")
	ErrInvalidStatus      = errors.New("report: unknown status")
	ErrDuplicate          = guard.ErrDuplicateReport
	ErrRateLimited        = guard.ErrRateLimited
	ErrTryAgain           = db.ErrTryAgain
)
