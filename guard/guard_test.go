package guard

import (
	"context"
	"errors"
	"testing"
	"time"
)

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type gift struct {
	from, to string
	at       time.Time
}

type filed struct {
	exchangeID, reporterID, reason string
	at                             time.Time
}

type fakeSource struct {
	gifts   []gift
	reports []filed
	err     error
}

func (f *fakeSource) CountReportsSince(_ context.Context, reporterID string, since time.Time) (int, error) {
	n := 0
	for _, r := range f.reports {
		if r.reporterID == reporterID && !r.at.Before(since) {
			n++
		}
	}
	return n, f.err
}

func (f *fakeSource) ReportExists(_ context.Context, exchangeID, reporterID, reason string) (bool, error) {
	for _, r := range f.reports {
		if r.exchangeID == exchangeID && r.reporterID == reporterID && r.reason == reason {
			return true, f.err
		}
	}
	return false, f.err
}

func (f *fakeSource) GaveSince(_ context.Context, giverID, receiverID string, since time.Time) (bool, error) {
	for _, g := range f.gifts {
		if g.from == giverID && g.to == receiverID && !g.at.Before(since) {
			return true, f.err
		}
	}
	return false, f.err
}

func newGuard(src Source) *Guard {
	return New(src, DefaultPolicy()).WithClock(func() time.Time { return base })
}

func TestCheckRequest_Circular(t *testing.T) {
	// A gave a book to C two days ago; A now requests from C.
	src := &fakeSource{gifts: []gift{{from: "A", to: "C", at: base.Add(-48 * time.Hour)}}}
	g := newGuard(src)

	if err := g.CheckRequest(context.Background(), "C", "A"); !errors.Is(err, ErrCircularExchange) {
		t.Fatalf("expected ErrCircularExchange, got %v", err)
	}
}

func TestCheckRequest_RepeatSameDirection(t *testing.T) {
	// C gave to A; A asks C for another book.
	src := &fakeSource{gifts: []gift{{from: "C", to: "A", at: base.Add(-24 * time.Hour)}}}
	g := newGuard(src)

	if err := g.CheckRequest(context.Background(), "C", "A"); !errors.Is(err, ErrRepeatExchange) {
		t.Fatalf("expected ErrRepeatExchange, got %v", err)
	}
}

func TestCheckRequest_OutsideWindow(t *testing.T) {
	src := &fakeSource{gifts: []gift{{from: "A", to: "C", at: base.Add(-8 * 24 * time.Hour)}}}
	g := newGuard(src)

	if err := g.CheckRequest(context.Background(), "C", "A"); err != nil {
		t.Fatalf("expected nil after window, got %v", err)
	}
}

func TestCheckRequest_UnrelatedPair(t *testing.T) {
	src := &fakeSource{gifts: []gift{{from: "A", to: "B", at: base}}}
	g := newGuard(src)

	if err := g.CheckRequest(context.Background(), "C", "A"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestCheckReport_RateLimit(t *testing.T) {
	src := &fakeSource{reports: []filed{
		{exchangeID: "e1", reporterID: "u", reason: "OTHER", at: base.Add(-time.Hour)},
		{exchangeID: "e2", reporterID: "u", reason: "OTHER", at: base.Add(-2 * time.Hour)},
	}}
	g := newGuard(src)

	if err := g.CheckReport(context.Background(), "e3", "u", "OTHER"); err != nil {
		t.Fatalf("two reports must not trip the limit, got %v", err)
	}

	src.reports = append(src.reports, filed{exchangeID: "e3", reporterID: "u", reason: "WRONG_BOOK", at: base.Add(-3 * time.Hour)})
	if err := g.CheckReport(context.Background(), "e4", "u", "OTHER"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestCheckReport_OldReportsIgnored(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 5; i++ {
		src.reports = append(src.reports, filed{exchangeID: "old", reporterID: "u", reason: "OTHER", at: base.Add(-25 * time.Hour)})
	}
	g := newGuard(src)

	limited, err := g.RateLimited(context.Background(), "u")
	if err != nil || limited {
		t.Fatalf("expected not limited, got %v %v", limited, err)
	}
}

func TestCheckReport_Duplicate(t *testing.T) {
	src := &fakeSource{reports: []filed{{exchangeID: "e1", reporterID: "u", reason: "DAMAGED_BOOK", at: base.Add(-48 * time.Hour)}}}
	g := newGuard(src)

	if err := g.CheckReport(context.Background(), "e1", "u", "DAMAGED_BOOK"); !errors.Is(err, ErrDuplicateReport) {
		t.Fatalf("expected ErrDuplicateReport, got %v", err)
	}
	if err := g.CheckReport(context.Background(), "e1", "u", "WRONG_BOOK"); err != nil {
		t.Fatalf("different reason must pass, got %v", err)
	}
}

func TestSourceErrorsPropagate(t *testing.T) {
	boom := errors.New("boom")
	g := newGuard(&fakeSource{err: boom})

	if err := g.CheckReport(context.Background(), "e1", "u", "OTHER"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
}
