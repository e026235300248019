package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bookswap/db"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrAccountNotFound   = errors.New("ledger: account not found")
	ErrInvalidAmount     = errors.New("ledger: amount must be positive")
	ErrSameAccount       = errors.New("ledger: cannot transfer to the same account")
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Settle returns the balances after moving amount from one account to another.
// It is the single place the transfer rules live.
func Settle(fromBalance, toBalance, amount int64) (int64, int64, error) {
	if amount <= 0 {
		return fromBalance, toBalance, ErrInvalidAmount
	}
	if fromBalance < amount {
		return fromBalance, toBalance, ErrInsufficientFunds
	}
	return fromBalance - amount, toBalance + amount, nil
}

// Transfer moves amount between two accounts inside tx and records both ledger
// entries against exchangeID. Rows are locked in id order so concurrent
// transfers touching the same pair cannot deadlock, and the payer balance is
// read under that lock.
func Transfer(ctx context.Context, tx pgx.Tx, exchangeID, fromID, toID string, amount int64) error {
	if fromID == toID {
		return ErrSameAccount
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}

	first, second := fromID, toID
	if first > second {
		first, second = second, first
	}

	balances := make(map[string]int64, 2)
	for _, id := range []string{first, second} {
		var balance int64
		err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1 FOR UPDATE`, id).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAccountNotFound
			}
			return fmt.Errorf("ledger: lock account: %w", err)
		}
		balances[id] = balance
	}

	if _, _, err := Settle(balances[fromID], balances[toID], amount); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $1 WHERE user_id = $2`, amount, fromID); err != nil {
		if db.IsCheckViolation(err) {
			return ErrInsufficientFunds
		}
		return fmt.Errorf("ledger: debit: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1 WHERE user_id = $2`, amount, toID); err != nil {
		return fmt.Errorf("ledger: credit: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (exchange_id, user_id, delta) VALUES ($1, $2, $3), ($1, $4, $5)`,
		exchangeID, fromID, -amount, toID, amount,
	); err != nil {
		return fmt.Errorf("ledger: insert entries: %w", err)
	}
	return nil
}

// Open creates the account for userID with the given starting balance.
func Open(ctx context.Context, q Querier, userID string, starting int64) (Account, error) {
	if starting < 0 {
		return Account{}, ErrInvalidAmount
	}
	var acc Account
	err := q.QueryRow(ctx,
		`INSERT INTO accounts (user_id, balance) VALUES ($1, $2) RETURNING user_id, balance, created_at`,
		userID, starting,
	).Scan(&acc.UserID, &acc.Balance, &acc.CreatedAt)
	if err != nil {
		return Account{}, fmt.Errorf("ledger: open account: %w", err)
	}
	return acc, nil
}

// Balance reads the current balance of userID through q.
func Balance(ctx context.Context, q Querier, userID string) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `SELECT balance FROM accounts WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("ledger: balance: %w", err)
	}
	return balance, nil
}
