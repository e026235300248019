package book_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"bookswap/book"
	"bookswap/exchange"
	"bookswap/memstore"
	"bookswap/report"
)

func newService(t *testing.T) (*memstore.Memory, *book.Service) {
	t.Helper()
	clock := func() time.Time { return time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC) }
	mem := memstore.New().WithClock(clock)
	svc := book.NewService(mem.Books()).
		WithClock(clock).
		WithIDGenerator(func() string { return "book-1" }).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return mem, svc
}

func TestCreate(t *testing.T) {
	_, svc := newService(t)
	ctx := context.Background()

	b, err := svc.Create(ctx, book.CreateParams{OwnerID: "u1", Title: "  Dune ", Author: "Frank Herbert"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.ID != "book-1" || b.Title != "Dune" {
		t.Fatalf("unexpected book %+v", b)
	}
	if b.Condition != book.ConditionGood {
		t.Fatalf("default condition = %s, want GOOD", b.Condition)
	}
	if !b.IsAvailable || b.Deleted {
		t.Fatalf("new books are listed and not deleted: %+v", b)
	}

	if _, err := svc.Create(ctx, book.CreateParams{OwnerID: "u1", Title: " "}); !errors.Is(err, book.ErrTitleRequired) {
		t.Fatalf("expected ErrTitleRequired, got %v", err)
	}
	if _, err := svc.Create(ctx, book.CreateParams{OwnerID: "u1", Title: "X", Condition: "MINT"}); !errors.Is(err, book.ErrInvalidCondition) {
		t.Fatalf("expected ErrInvalidCondition, got %v", err)
	}
}

func TestSetAvailability(t *testing.T) {
	ctx := context.Background()
	mem, svc := newService(t)
	mem.AddBook(book.Book{ID: "b1", OwnerID: "u1", Title: "Dune", Condition: book.ConditionGood, IsAvailable: true})

	if _, err := svc.SetAvailability(ctx, "b1", "u2", false); !errors.Is(err, book.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	b, err := svc.SetAvailability(ctx, "b1", "u1", false)
	if err != nil {
		t.Fatalf("unlist: %v", err)
	}
	if b.IsAvailable {
		t.Fatalf("book should be unlisted")
	}
	if _, err := svc.SetAvailability(ctx, "missing", "u1", true); !errors.Is(err, book.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetAvailability_RefusedWithActiveExchange(t *testing.T) {
	ctx := context.Background()
	mem, svc := newService(t)
	mem.AddBook(book.Book{ID: "pending", OwnerID: "u1", Title: "A", Condition: book.ConditionGood})
	mem.AddBook(book.Book{ID: "frozen", OwnerID: "u1", Title: "B", Condition: book.ConditionGood})
	mem.PutExchange(exchange.Exchange{ID: "e1", BookID: "pending", FromUserID: "u1", ToUserID: "u2", PointsUsed: 8, Status: exchange.StatusRequested})
	at := time.Now()
	mem.PutExchange(exchange.Exchange{ID: "e2", BookID: "frozen", FromUserID: "u2", ToUserID: "u1", PointsUsed: 8, Status: exchange.StatusDisputed, CompletedAt: &at})
	mem.PutReport(report.Report{ID: "r1", ExchangeID: "e2", ReporterID: "u1", Reason: report.ReasonDamagedBook, Status: report.StatusUnderReview})

	for _, id := range []string{"pending", "frozen"} {
		if _, err := svc.SetAvailability(ctx, id, "u1", true); !errors.Is(err, book.ErrActiveExchange) {
			t.Errorf("%s: expected ErrActiveExchange, got %v", id, err)
		}
	}
}

func TestSetAvailability_ResolvedDisputeReleasesBook(t *testing.T) {
	ctx := context.Background()
	mem, svc := newService(t)
	mem.AddBook(book.Book{ID: "settled", OwnerID: "u1", Title: "C", Condition: book.ConditionGood})
	at := time.Now()
	mem.PutExchange(exchange.Exchange{ID: "e3", BookID: "settled", FromUserID: "u2", ToUserID: "u1", PointsUsed: 8, Status: exchange.StatusDisputed, CompletedAt: &at})
	mem.PutReport(report.Report{ID: "r2", ExchangeID: "e3", ReporterID: "u1", Reason: report.ReasonWrongBook, Status: report.StatusResolved})

	b, err := svc.SetAvailability(ctx, "settled", "u1", true)
	if err != nil {
		t.Fatalf("expected relist after resolution, got %v", err)
	}
	if !b.IsAvailable {
		t.Fatalf("book should be listed")
	}
}

func TestSoftDelete(t *testing.T) {
	ctx := context.Background()
	mem, svc := newService(t)
	mem.AddBook(book.Book{ID: "b1", OwnerID: "u1", Title: "Dune", Condition: book.ConditionGood, IsAvailable: true})

	if _, err := svc.SoftDelete(ctx, "b1", "u2"); !errors.Is(err, book.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	b, err := svc.SoftDelete(ctx, "b1", "u1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !b.Deleted || b.IsAvailable {
		t.Fatalf("unexpected deleted book %+v", b)
	}
	if _, err := svc.SoftDelete(ctx, "b1", "u1"); err != nil {
		t.Fatalf("deleting twice should be a no-op: %v", err)
	}
	if _, err := svc.SetAvailability(ctx, "b1", "u1", true); !errors.Is(err, book.ErrDeleted) {
		t.Fatalf("expected ErrDeleted, got %v", err)
	}

	got, err := svc.Get(ctx, "b1")
	if err != nil {
		t.Fatalf("deleted books stay readable: %v", err)
	}
	if got.ID != "b1" {
		t.Fatalf("unexpected book %+v", got)
	}
	owned, err := svc.ListByOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(owned) != 0 {
		t.Fatalf("deleted books are not listed, got %d", len(owned))
	}
}
