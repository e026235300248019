package report_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bookswap/book"
	"bookswap/exchange"
	"bookswap/guard"
	"bookswap/memstore"
	"bookswap/report"
)

var t0 = time.Date(2025, 4, 2, 8, 30, 0, 0, time.UTC)

type fixedValuer int

func (v fixedValuer) BookPoints(context.Context, string) (int, error) { return int(v), nil }

type harness struct {
	mem       *memstore.Memory
	reports   *report.Service
	exchanges *exchange.Service
	books     *book.Service
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: t0}
	clock := func() time.Time { return h.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var seq atomic.Int64
	ids := func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }

	h.mem = memstore.New().WithClock(clock)
	g := guard.New(h.mem, guard.DefaultPolicy()).WithClock(clock)
	h.reports = report.NewService(h.mem.Reports(), g, h.mem).
		WithClock(clock).WithIDGenerator(ids).WithLogger(logger)
	h.exchanges = exchange.NewService(h.mem.Exchanges(), g, fixedValuer(12)).
		WithClock(clock).WithIDGenerator(ids).WithLogger(logger)
	h.books = book.NewService(h.mem.Books()).WithClock(clock).WithLogger(logger)
	h.mem.AddUser("admin", 0, true)
	return h
}

// completed runs a full request and approval of a new book from owner to requester.
func (h *harness) completed(t *testing.T, bookID, owner, requester string) exchange.Exchange {
	t.Helper()
	ctx := context.Background()
	h.mem.AddBook(book.Book{ID: bookID, OwnerID: owner, Title: "Book " + bookID, Condition: book.ConditionGood, IsAvailable: true})
	ex, err := h.exchanges.Request(ctx, bookID, requester)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	ex, err = h.exchanges.Approve(ctx, ex.ID, owner)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return ex
}

// seeded stores a completed exchange directly, bypassing the guards.
func (h *harness) seeded(id, from, to string) exchange.Exchange {
	at := h.now
	ex := exchange.Exchange{
		ID: id, BookID: "book-" + id, FromUserID: from, ToUserID: to,
		PointsUsed: 10, Status: exchange.StatusCompleted, CreatedAt: at, CompletedAt: &at,
	}
	h.mem.AddBook(book.Book{ID: ex.BookID, OwnerID: to, Title: "Book " + id, Condition: book.ConditionFair})
	h.mem.PutExchange(ex)
	return ex
}

func (h *harness) file(t *testing.T, exchangeID, reporter string, reason report.Reason) report.Report {
	t.Helper()
	rep, err := h.reports.Create(context.Background(), report.CreateParams{
		ExchangeID: exchangeID, ReporterID: reporter, Reason: reason, Description: "details",
	})
	if err != nil {
		t.Fatalf("create report: %v", err)
	}
	return rep
}

func (h *harness) exchangeStatus(t *testing.T, id string) exchange.Status {
	t.Helper()
	ex, err := h.exchanges.Get(context.Background(), id, "", true)
	if err != nil {
		t.Fatalf("get exchange: %v", err)
	}
	return ex.Status
}

func TestReportFreezesAndRejectRestores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mem.AddUser("A", 30, false)
	h.mem.AddUser("C", 20, false)
	ex := h.completed(t, "X", "A", "C")

	rep := h.file(t, ex.ID, "C", report.ReasonDamagedBook)
	if rep.Status != report.StatusOpen {
		t.Fatalf("new report status = %s", rep.Status)
	}
	if got := h.exchangeStatus(t, ex.ID); got != exchange.StatusDisputed {
		t.Fatalf("exchange status = %s, want DISPUTED", got)
	}
	if h.mem.AccountBalance("A") != 42 || h.mem.AccountBalance("C") != 8 {
		t.Fatalf("report changed balances: A=%d C=%d", h.mem.AccountBalance("A"), h.mem.AccountBalance("C"))
	}
	b, err := h.books.Get(ctx, "X")
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if b.OwnerID != "C" {
		t.Fatalf("report changed ownership to %s", b.OwnerID)
	}

	rejected, err := h.reports.Reject(ctx, rep.ID, "admin")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != report.StatusRejected || rejected.ResolvedBy == nil || *rejected.ResolvedBy != "admin" {
		t.Fatalf("unexpected rejected report %+v", rejected)
	}
	if got := h.exchangeStatus(t, ex.ID); got != exchange.StatusCompleted {
		t.Fatalf("exchange status = %s, want COMPLETED", got)
	}
}

func TestDisputeFreezesBook(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mem.AddUser("A", 30, false)
	h.mem.AddUser("C", 20, false)
	h.mem.AddUser("E", 20, false)
	ex := h.completed(t, "X", "A", "C")
	rep := h.file(t, ex.ID, "A", report.ReasonNoShow)

	if _, err := h.books.SetAvailability(ctx, "X", "C", true); !errors.Is(err, book.ErrActiveExchange) {
		t.Fatalf("expected ErrActiveExchange while disputed, got %v", err)
	}

	if _, err := h.reports.Reject(ctx, rep.ID, "admin"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := h.books.SetAvailability(ctx, "X", "C", true); err != nil {
		t.Fatalf("relist after dispute: %v", err)
	}
	if _, err := h.exchanges.Request(ctx, "X", "E"); err != nil {
		t.Fatalf("request after dispute: %v", err)
	}
}

func TestResolvedDisputeReleasesBook(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mem.AddUser("A", 30, false)
	h.mem.AddUser("C", 20, false)
	h.mem.AddUser("E", 20, false)
	ex := h.completed(t, "X", "A", "C")
	rep := h.file(t, ex.ID, "C", report.ReasonDamagedBook)

	if _, err := h.reports.Resolve(ctx, rep.ID, "admin"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := h.exchangeStatus(t, ex.ID); got != exchange.StatusDisputed {
		t.Fatalf("exchange status = %s, want DISPUTED", got)
	}
	if _, err := h.books.SetAvailability(ctx, "X", "C", true); err != nil {
		t.Fatalf("relist after resolution: %v", err)
	}
	next, err := h.exchanges.Request(ctx, "X", "E")
	if err != nil {
		t.Fatalf("request after resolution: %v", err)
	}
	if next.FromUserID != "C" {
		t.Fatalf("new request should be against C, got %+v", next)
	}
}

func TestRejectKeepsDisputeWhileOtherReportsOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ex := h.seeded("ex1", "A", "C")
	first := h.file(t, ex.ID, "C", report.ReasonDamagedBook)
	second := h.file(t, ex.ID, "A", report.ReasonNoShow)

	if _, err := h.reports.Reject(ctx, first.ID, "admin"); err != nil {
		t.Fatalf("reject first: %v", err)
	}
	if got := h.exchangeStatus(t, ex.ID); got != exchange.StatusDisputed {
		t.Fatalf("exchange status = %s, want DISPUTED", got)
	}
	if _, err := h.reports.Reject(ctx, second.ID, "admin"); err != nil {
		t.Fatalf("reject second: %v", err)
	}
	if got := h.exchangeStatus(t, ex.ID); got != exchange.StatusCompleted {
		t.Fatalf("exchange status = %s, want COMPLETED", got)
	}
	if _, err := h.reports.Reject(ctx, second.ID, "admin"); !errors.Is(err, report.ErrInvalidTransition) {
		t.Fatalf("rejecting twice: expected ErrInvalidTransition, got %v", err)
	}
}

func TestConcurrentRejectionsRestoreOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ex := h.seeded("ex1", "A", "C")
	reps := []report.Report{
		h.file(t, ex.ID, "C", report.ReasonDamagedBook),
		h.file(t, ex.ID, "C", report.ReasonWrongBook),
		h.file(t, ex.ID, "A", report.ReasonNoShow),
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(reps))
	for _, rep := range reps {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := h.reports.Reject(ctx, id, "admin"); err != nil {
				errs <- err
			}
		}(rep.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("reject: %v", err)
	}

	if got := h.exchangeStatus(t, ex.ID); got != exchange.StatusCompleted {
		t.Fatalf("exchange status = %s, want COMPLETED", got)
	}
	list, err := h.reports.List(ctx, report.Filter{ExchangeID: ex.ID}, "admin")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, rep := range list {
		if rep.Status != report.StatusRejected {
			t.Errorf("report %s status = %s", rep.ID, rep.Status)
		}
	}
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ex := h.seeded("ex1", "A", "C")
	h.mem.PutExchange(exchange.Exchange{
		ID: "pending", BookID: "book-ex1", FromUserID: "A", ToUserID: "C",
		PointsUsed: 10, Status: exchange.StatusRequested, CreatedAt: t0,
	})

	tests := []struct {
		name   string
		params report.CreateParams
		want   error
	}{
		{"unknown reason", report.CreateParams{ExchangeID: ex.ID, ReporterID: "C", Reason: "BORING"}, report.ErrInvalidReason},
		{"description too long", report.CreateParams{ExchangeID: ex.ID, ReporterID: "C", Reason: report.ReasonOther, Description: strings.Repeat("é", 1001)}, report.ErrDescriptionTooLong},
		{"outsider", report.CreateParams{ExchangeID: ex.ID, ReporterID: "E", Reason: report.ReasonOther}, report.ErrUnauthorized},
		{"not completed", report.CreateParams{ExchangeID: "pending", ReporterID: "C", Reason: report.ReasonOther}, report.ErrInvalidTransition},
		{"missing exchange", report.CreateParams{ExchangeID: "nope", ReporterID: "C", Reason: report.ReasonOther}, report.ErrExchangeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.reports.Create(ctx, tt.params); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	long := strings.Repeat("é", report.MaxDescriptionLength)
	if _, err := h.reports.Create(ctx, report.CreateParams{
		ExchangeID: ex.ID, ReporterID: "C", Reason: report.ReasonOther, Description: long,
	}); err != nil {
		t.Fatalf("description at the limit should be accepted: %v", err)
	}
}

func TestCreate_Duplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ex := h.seeded("ex1", "A", "C")
	h.file(t, ex.ID, "C", report.ReasonDamagedBook)

	_, err := h.reports.Create(ctx, report.CreateParams{ExchangeID: ex.ID, ReporterID: "C", Reason: report.ReasonDamagedBook})
	if !errors.Is(err, report.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	h.file(t, ex.ID, "C", report.ReasonWrongBook)
}

func TestCreate_RateLimited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		h.seeded(fmt.Sprintf("ex%d", i), fmt.Sprintf("owner%d", i), "C")
	}
	for i := 0; i < 3; i++ {
		h.file(t, fmt.Sprintf("ex%d", i), "C", report.ReasonBookNotReceived)
	}

	_, err := h.reports.Create(ctx, report.CreateParams{ExchangeID: "ex3", ReporterID: "C", Reason: report.ReasonBookNotReceived})
	if !errors.Is(err, report.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	h.now = h.now.Add(25 * time.Hour)
	h.file(t, "ex3", "C", report.ReasonBookNotReceived)
}

func TestAdminTransitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ex := h.seeded("ex1", "A", "C")
	rep := h.file(t, ex.ID, "C", report.ReasonConditionMisrepresented)

	if _, err := h.reports.StartReview(ctx, rep.ID, "C"); !errors.Is(err, report.ErrUnauthorized) {
		t.Fatalf("member review: expected ErrUnauthorized, got %v", err)
	}
	reviewed, err := h.reports.StartReview(ctx, rep.ID, "admin")
	if err != nil {
		t.Fatalf("start review: %v", err)
	}
	if reviewed.Status != report.StatusUnderReview {
		t.Fatalf("status = %s, want UNDER_REVIEW", reviewed.Status)
	}
	if _, err := h.reports.StartReview(ctx, rep.ID, "admin"); !errors.Is(err, report.ErrInvalidTransition) {
		t.Fatalf("second review: expected ErrInvalidTransition, got %v", err)
	}

	resolved, err := h.reports.Resolve(ctx, rep.ID, "admin")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != report.StatusResolved || resolved.ResolvedBy == nil {
		t.Fatalf("unexpected resolved report %+v", resolved)
	}
	if got := h.exchangeStatus(t, ex.ID); got != exchange.StatusDisputed {
		t.Fatalf("resolving must keep the exchange DISPUTED, got %s", got)
	}
	if _, err := h.reports.Resolve(ctx, rep.ID, "admin"); !errors.Is(err, report.ErrInvalidTransition) {
		t.Fatalf("resolve twice: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := h.reports.Reject(ctx, rep.ID, "admin"); !errors.Is(err, report.ErrInvalidTransition) {
		t.Fatalf("reject resolved: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := h.reports.Resolve(ctx, "missing", "admin"); !errors.Is(err, report.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetAndList_Visibility(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ex := h.seeded("ex1", "A", "C")
	byC := h.file(t, ex.ID, "C", report.ReasonDamagedBook)
	h.file(t, ex.ID, "A", report.ReasonNoShow)

	if _, err := h.reports.Get(ctx, byC.ID, "C"); err != nil {
		t.Fatalf("reporter get: %v", err)
	}
	if _, err := h.reports.Get(ctx, byC.ID, "A"); !errors.Is(err, report.ErrUnauthorized) {
		t.Fatalf("other party get: expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.reports.Get(ctx, byC.ID, "admin"); err != nil {
		t.Fatalf("admin get: %v", err)
	}

	mine, err := h.reports.List(ctx, report.Filter{}, "C")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != byC.ID {
		t.Fatalf("members only see their own reports, got %+v", mine)
	}
	all, err := h.reports.List(ctx, report.Filter{ExchangeID: ex.ID}, "admin")
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("admin should see both reports, got %d", len(all))
	}
}
