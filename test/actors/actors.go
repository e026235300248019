// Package actors drives the real services concurrently against Postgres.
// Every actor loops until stop is closed and treats business-rule refusals
// as expected outcomes under contention.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"bookswap/book"
	"bookswap/db"
	"bookswap/exchange"
	"bookswap/report"
	"bookswap/test/chaos"
)

// World is the shared population the actors pick from.
type World struct {
	UserIDs   []string
	BookIDs   []string
	AdminID   string
	Catalog   *book.Service
	Exchanges *exchange.Service
	Reports   *report.Service
}

var expectedExchange = []error{
	exchange.ErrNotAvailable,
	exchange.ErrActiveExchangeExists,
	exchange.ErrOwnBook,
	exchange.ErrInsufficientFunds,
	exchange.ErrRepeatExchange,
	exchange.ErrCircularExchange,
	exchange.ErrInvalidTransition,
	exchange.ErrUnauthorized,
	exchange.ErrNotFound,
	exchange.ErrTryAgain,
}

var expectedReport = []error{
	report.ErrDuplicate,
	report.ErrRateLimited,
	report.ErrInvalidTransition,
	report.ErrUnauthorized,
	report.ErrTryAgain,
}

var expectedBook = []error{
	book.ErrActiveExchange,
	book.ErrDeleted,
	book.ErrNotOwner,
	db.ErrTryAgain,
}

func isAny(err error, targets []error) bool {
	if chaos.IsTerminated(err) {
		return true
	}
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(minMs, spreadMs int) {
	time.Sleep(time.Duration(minMs+rand.IntN(spreadMs)) * time.Millisecond)
}

func pick(xs []string) string {
	return xs[rand.IntN(len(xs))]
}

// Requester asks for random books on behalf of random members.
func Requester(ctx context.Context, w *World, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		_, err := w.Exchanges.Request(ctx, pick(w.BookIDs), pick(w.UserIDs))
		if err != nil && !isAny(err, expectedExchange) {
			return fmt.Errorf("requester: %w", err)
		}
		pause(5, 20)
	}
}

// Decider approves or rejects pending requests as the book owner, and now
// and then cancels one as the requester.
func Decider(ctx context.Context, w *World, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		pending, err := w.Exchanges.List(ctx, exchange.Filter{Status: exchange.StatusRequested, PageSize: 20}, w.AdminID, true)
		if err != nil {
			if chaos.IsTerminated(err) {
				continue
			}
			return fmt.Errorf("decider list: %w", err)
		}
		if len(pending) == 0 {
			pause(10, 20)
			continue
		}
		ex := pending[rand.IntN(len(pending))]
		switch n := rand.IntN(10); {
		case n < 6:
			_, err = w.Exchanges.Approve(ctx, ex.ID, ex.FromUserID)
		case n < 9:
			_, err = w.Exchanges.Reject(ctx, ex.ID, ex.FromUserID)
		default:
			err = w.Exchanges.Cancel(ctx, ex.ID, ex.ToUserID)
		}
		if err != nil && !isAny(err, expectedExchange) {
			return fmt.Errorf("decider: %w", err)
		}
		pause(5, 15)
	}
}

var reasons = []report.Reason{
	report.ReasonDamagedBook,
	report.ReasonBookNotReceived,
	report.ReasonWrongBook,
	report.ReasonConditionMisrepresented,
	report.ReasonNoShow,
	report.ReasonOther,
}

// Reporter files reports against completed or disputed exchanges.
func Reporter(ctx context.Context, w *World, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		status := exchange.StatusCompleted
		if rand.IntN(3) == 0 {
			status = exchange.StatusDisputed
		}
		done, err := w.Exchanges.List(ctx, exchange.Filter{Status: status, PageSize: 20}, w.AdminID, true)
		if err != nil {
			if chaos.IsTerminated(err) {
				continue
			}
			return fmt.Errorf("reporter list: %w", err)
		}
		if len(done) == 0 {
			pause(20, 30)
			continue
		}
		ex := done[rand.IntN(len(done))]
		reporter := ex.ToUserID
		if rand.IntN(2) == 0 {
			reporter = ex.FromUserID
		}
		_, err = w.Reports.Create(ctx, report.CreateParams{
			ExchangeID:  ex.ID,
			ReporterID:  reporter,
			Reason:      reasons[rand.IntN(len(reasons))],
			Description: "stress",
		})
		if err != nil && !isAny(err, expectedReport) {
			return fmt.Errorf("reporter: %w", err)
		}
		pause(20, 40)
	}
}

// Moderator walks open reports through review, resolution and rejection.
func Moderator(ctx context.Context, w *World, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		status := report.StatusOpen
		if rand.IntN(2) == 0 {
			status = report.StatusUnderReview
		}
		open, err := w.Reports.List(ctx, report.Filter{Status: status, Limit: 20}, w.AdminID)
		if err != nil {
			if chaos.IsTerminated(err) {
				continue
			}
			return fmt.Errorf("moderator list: %w", err)
		}
		if len(open) == 0 {
			pause(20, 30)
			continue
		}
		rep := open[rand.IntN(len(open))]
		switch n := rand.IntN(3); n {
		case 0:
			_, err = w.Reports.StartReview(ctx, rep.ID, w.AdminID)
		case 1:
			_, err = w.Reports.Resolve(ctx, rep.ID, w.AdminID)
		default:
			_, err = w.Reports.Reject(ctx, rep.ID, w.AdminID)
		}
		if err != nil && !isAny(err, expectedReport) {
			return fmt.Errorf("moderator: %w", err)
		}
		pause(10, 30)
	}
}

// Toggler flips availability as whoever currently owns the book.
func Toggler(ctx context.Context, w *World, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		b, err := w.Catalog.Get(ctx, pick(w.BookIDs))
		if err != nil {
			if chaos.IsTerminated(err) {
				continue
			}
			return fmt.Errorf("toggler get: %w", err)
		}
		_, err = w.Catalog.SetAvailability(ctx, b.ID, b.OwnerID, rand.IntN(4) != 0)
		if err != nil && !isAny(err, expectedBook) {
			return fmt.Errorf("toggler: %w", err)
		}
		pause(20, 40)
	}
}
