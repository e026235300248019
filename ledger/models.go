package ledger

import "time"

// StartingBalance is credited to every account when it is opened.
const StartingBalance int64 = 20

// Account mirrors the accounts table. Balance is never negative.
type Account struct {
	UserID    string
	Balance   int64
	CreatedAt time.Time
}

// Entry is one side of a double-entry transfer.
type Entry struct {
	ID         int64
	ExchangeID string
	UserID     string
	Delta      int64
	CreatedAt  time.Time
}
