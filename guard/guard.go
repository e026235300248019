// Package guard holds the advisory anti-abuse checks consulted before an
// exchange request or report is attempted. The checks only read; anything
// structural is also enforced by the database inside the commit.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrRateLimited      = errors.New("guard: too many reports in the last 24 hours")
	ErrDuplicateReport  = errors.New("guard: report already filed for this issue")
	ErrRepeatExchange   = errors.New("guard: these members exchanged too recently")
	ErrCircularExchange = errors.New("guard: circular exchange between these members")
)

// Policy holds the tunable windows and thresholds.
type Policy struct {
	ReportLimit  int
	ReportWindow time.Duration
	RepeatWindow time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		ReportLimit:  3,
		ReportWindow: 24 * time.Hour,
		RepeatWindow: 7 * 24 * time.Hour,
	}
}

// Source answers the read-side questions the guard asks.
type Source interface {
	CountReportsSince(ctx context.Context, reporterID string, since time.Time) (int, error)
	ReportExists(ctx context.Context, exchangeID, reporterID, reason string) (bool, error)
	// GaveSince reports whether giverID handed a book to receiverID through a
	// completed (or later disputed) exchange finished at or after since.
	GaveSince(ctx context.Context, giverID, receiverID string, since time.Time) (bool, error)
}

type Guard struct {
	src    Source
	policy Policy
	now    func() time.Time
}

func New(src Source, policy Policy) *Guard {
	return &Guard{src: src, policy: policy, now: time.Now}
}

func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

func (g *Guard) Policy() Policy {
	return g.policy
}

// RateLimited is true once reporterID has filed ReportLimit reports inside the window.
func (g *Guard) RateLimited(ctx context.Context, reporterID string) (bool, error) {
	n, err := g.src.CountReportsSince(ctx, reporterID, g.now().Add(-g.policy.ReportWindow))
	if err != nil {
		return false, fmt.Errorf("guard: count reports: %w", err)
	}
	return n >= g.policy.ReportLimit, nil
}

func (g *Guard) DuplicateReport(ctx context.Context, exchangeID, reporterID, reason string) (bool, error) {
	ok, err := g.src.ReportExists(ctx, exchangeID, reporterID, reason)
	if err != nil {
		return false, fmt.Errorf("guard: find report: %w", err)
	}
	return ok, nil
}

// RepeatExchange is true when the pair completed an exchange in either direction
// inside the repeat window.
func (g *Guard) RepeatExchange(ctx context.Context, ownerID, requesterID string) (bool, error) {
	since := g.now().Add(-g.policy.RepeatWindow)
	for _, pair := range [][2]string{{ownerID, requesterID}, {requesterID, ownerID}} {
		ok, err := g.src.GaveSince(ctx, pair[0], pair[1], since)
		if err != nil {
			return false, fmt.Errorf("guard: repeat exchange: %w", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// CircularExchange is true when the requester gave a book to the current owner
// inside the repeat window, closing an A to B to A loop.
func (g *Guard) CircularExchange(ctx context.Context, ownerID, requesterID string) (bool, error) {
	ok, err := g.src.GaveSince(ctx, requesterID, ownerID, g.now().Add(-g.policy.RepeatWindow))
	if err != nil {
		return false, fmt.Errorf("guard: circular exchange: %w", err)
	}
	return ok, nil
}

// CheckRequest runs the exchange-request checks. The circular check runs first
// since every circular exchange is also a repeat.
func (g *Guard) CheckRequest(ctx context.Context, ownerID, requesterID string) error {
	circular, err := g.CircularExchange(ctx, ownerID, requesterID)
	if err != nil {
		return err
	}
	if circular {
		return ErrCircularExchange
	}
	repeat, err := g.RepeatExchange(ctx, ownerID, requesterID)
	if err != nil {
		return err
	}
	if repeat {
		return ErrRepeatExchange
	}
	return nil
}

// CheckReport runs the report-creation checks.
func (g *Guard) CheckReport(ctx context.Context, exchangeID, reporterID, reason string) error {
	limited, err := g.RateLimited(ctx, reporterID)
	if err != nil {
		return err
	}
	if limited {
		return ErrRateLimited
	}
	dup, err := g.DuplicateReport(ctx, exchangeID, reporterID, reason)
	if err != nil {
		return err
	}
	if dup {
		return ErrDuplicateReport
	}
	return nil
}
