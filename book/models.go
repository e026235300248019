package book

import "time"

// Condition is the physical state a member declares when listing a book.
type Condition string

const (
	ConditionNew     Condition = "NEW"
	ConditionLikeNew Condition = "LIKE_NEW"
	ConditionGood    Condition = "GOOD"
	ConditionFair    Condition = "FAIR"
	ConditionPoor    Condition = "POOR"
)

func (c Condition) Valid() bool {
	switch c {
	case ConditionNew, ConditionLikeNew, ConditionGood, ConditionFair, ConditionPoor:
		return true
	default:
		return false
	}
}

// Book mirrors the books table. ID is permanent and survives ownership changes.
type Book struct {
	ID                     string
	OwnerID                string
	Title                  string
	Author                 string
	ISBN                   string
	Condition              Condition
	IsAvailable            bool
	Deleted                bool
	ComputedPoints         *int
	PointsLastCalculatedAt *time.Time
	CreatedAt              time.Time
}

// Requestable reports whether the book can be the subject of a new exchange request.
func (b Book) Requestable() bool {
	return b.IsAvailable && !b.Deleted
}

// CreateParams carries the fields accepted when listing a book.
type CreateParams struct {
	OwnerID   string
	Title     string
	Author    string
	ISBN      string
	Condition Condition
}
