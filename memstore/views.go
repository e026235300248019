package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"bookswap/book"
	"bookswap/exchange"
	"bookswap/report"
)

// Books returns the book.Store view of m.
func (m *Memory) Books() book.Store { return bookStore{m: m} }

// Exchanges returns the exchange.Store view of m.
func (m *Memory) Exchanges() exchange.Store { return exchangeStore{m: m} }

// Reports returns the report.Store view of m.
func (m *Memory) Reports() report.Store { return reportStore{m: m} }

func (m *Memory) inTx(ctx context.Context, fn func(*state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.run(fn)
}

type bookStore struct {
	m *Memory
}

func (b bookStore) Insert(_ context.Context, in book.Book) (book.Book, error) {
	err := b.m.run(func(s *state) error {
		if _, ok := s.books[in.ID]; ok {
			return fmt.Errorf("memstore: book %s already exists", in.ID)
		}
		s.books[in.ID] = in
		return nil
	})
	if err != nil {
		return book.Book{}, err
	}
	return in, nil
}

func (b bookStore) Get(_ context.Context, id string) (out book.Book, err error) {
	b.m.locked(func(s *state) { out, err = s.book(id) })
	return out, err
}

func (b bookStore) ListByOwner(_ context.Context, ownerID string) ([]book.Book, error) {
	var out []book.Book
	b.m.locked(func(s *state) {
		for _, bk := range s.books {
			if bk.OwnerID == ownerID && !bk.Deleted {
				out = append(out, bk)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (b bookStore) InBookTx(ctx context.Context, _ string, fn func(book.Tx) error) error {
	return b.m.inTx(ctx, func(s *state) error { return fn(bookTx{s: s}) })
}

type bookTx struct {
	s *state
}

func (t bookTx) LockBook(_ context.Context, id string) (book.Book, error) {
	return t.s.book(id)
}

func (t bookTx) HasPendingExchange(_ context.Context, bookID string) (bool, error) {
	return t.s.hasStatus(bookID, exchange.StatusRequested), nil
}

func (t bookTx) IsFrozen(_ context.Context, bookID string) (bool, error) {
	return t.s.frozen(bookID), nil
}

func (t bookTx) SetAvailable(_ context.Context, id string, available bool) error {
	return t.update(id, func(b *book.Book) { b.IsAvailable = available })
}

func (t bookTx) MarkDeleted(_ context.Context, id string) error {
	return t.update(id, func(b *book.Book) {
		b.Deleted = true
		b.IsAvailable = false
	})
}

func (t bookTx) TransferOwnership(_ context.Context, id, newOwnerID string) error {
	b, err := t.s.book(id)
	if err != nil {
		return err
	}
	if b.Deleted {
		return book.ErrNotFound
	}
	b.OwnerID = newOwnerID
	b.IsAvailable = false
	t.s.books[id] = b
	return nil
}

func (t bookTx) update(id string, fn func(*book.Book)) error {
	b, err := t.s.book(id)
	if err != nil {
		return err
	}
	fn(&b)
	t.s.books[id] = b
	return nil
}

type exchangeStore struct {
	m *Memory
}

func (e exchangeStore) Get(_ context.Context, id string) (out exchange.Exchange, err error) {
	e.m.locked(func(s *state) { out, err = s.exchange(id) })
	return out, err
}

func (e exchangeStore) List(_ context.Context, f exchange.Filter) ([]exchange.Exchange, error) {
	f = f.Normalize()
	var all []exchange.Exchange
	e.m.locked(func(s *state) {
		for _, ex := range s.exchanges {
			if f.UserID != "" && !ex.IsParticipant(f.UserID) {
				continue
			}
			if f.BookID != "" && ex.BookID != f.BookID {
				continue
			}
			if f.Status != "" && ex.Status != f.Status {
				continue
			}
			all = append(all, ex)
		}
	})
	sortExchanges(all)

	start := f.Offset()
	if start >= len(all) {
		return []exchange.Exchange{}, nil
	}
	end := start + f.PageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (e exchangeStore) Book(_ context.Context, bookID string) (out book.Book, err error) {
	e.m.locked(func(s *state) { out, err = s.book(bookID) })
	return out, err
}

func (e exchangeStore) Balance(_ context.Context, userID string) (out int64, err error) {
	e.m.locked(func(s *state) { out, err = s.balance(userID) })
	return out, err
}

func (e exchangeStore) HasPendingExchange(_ context.Context, bookID string) (out bool, err error) {
	e.m.locked(func(s *state) { out = s.hasStatus(bookID, exchange.StatusRequested) })
	return out, nil
}

func (e exchangeStore) IsFrozen(_ context.Context, bookID string) (out bool, err error) {
	e.m.locked(func(s *state) { out = s.frozen(bookID) })
	return out, nil
}

func (e exchangeStore) InTx(ctx context.Context, _ string, fn func(exchange.Tx) error) error {
	return e.m.inTx(ctx, func(s *state) error {
		return fn(exchangeTx{bookTx: bookTx{s: s}, now: e.m.now})
	})
}

type exchangeTx struct {
	bookTx
	now func() time.Time
}

func (t exchangeTx) Balance(_ context.Context, userID string) (int64, error) {
	return t.s.balance(userID)
}

func (t exchangeTx) LockExchange(_ context.Context, id string) (exchange.Exchange, error) {
	return t.s.exchange(id)
}

// Insert enforces at most one REQUESTED exchange per book.
func (t exchangeTx) Insert(_ context.Context, ex exchange.Exchange) error {
	if _, ok := t.s.exchanges[ex.ID]; ok {
		return fmt.Errorf("memstore: exchange %s already exists", ex.ID)
	}
	if ex.Status == exchange.StatusRequested && t.s.hasStatus(ex.BookID, exchange.StatusRequested) {
		return exchange.ErrActiveExchangeExists
	}
	t.s.exchanges[ex.ID] = ex
	return nil
}

func (t exchangeTx) SetStatus(_ context.Context, id string, status exchange.Status, completedAt *time.Time) error {
	ex, err := t.s.exchange(id)
	if err != nil {
		return err
	}
	ex.Status = status
	ex.CompletedAt = completedAt
	t.s.exchanges[id] = ex
	return nil
}

func (t exchangeTx) Delete(_ context.Context, id string) error {
	if _, err := t.s.exchange(id); err != nil {
		return err
	}
	delete(t.s.exchanges, id)
	return nil
}

func (t exchangeTx) TransferPoints(_ context.Context, exchangeID, fromID, toID string, amount int64) error {
	return t.s.transfer(exchangeID, fromID, toID, amount, t.now().UTC())
}

type reportStore struct {
	m *Memory
}

func (r reportStore) Get(_ context.Context, id string) (out report.Report, err error) {
	r.m.locked(func(s *state) { out, err = s.report(id) })
	return out, err
}

func (r reportStore) List(_ context.Context, f report.Filter) ([]report.Report, error) {
	var out []report.Report
	r.m.locked(func(s *state) {
		for _, rep := range s.reports {
			if f.ReporterID != "" && rep.ReporterID != f.ReporterID {
				continue
			}
			if f.ExchangeID != "" && rep.ExchangeID != f.ExchangeID {
				continue
			}
			if f.Status != "" && rep.Status != f.Status {
				continue
			}
			out = append(out, rep)
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r reportStore) Exchange(_ context.Context, id string) (out exchange.Exchange, err error) {
	r.m.locked(func(s *state) {
		var ok bool
		if out, ok = s.exchanges[id]; !ok {
			err = report.ErrExchangeNotFound
		}
	})
	return out, err
}

func (r reportStore) InTx(ctx context.Context, _ string, fn func(report.Tx) error) error {
	return r.m.inTx(ctx, func(s *state) error { return fn(reportTx{s: s}) })
}

type reportTx struct {
	s *state
}

func (t reportTx) LockExchange(_ context.Context, id string) (exchange.Exchange, error) {
	ex, ok := t.s.exchanges[id]
	if !ok {
		return exchange.Exchange{}, report.ErrExchangeNotFound
	}
	return ex, nil
}

func (t reportTx) SetExchangeStatus(_ context.Context, id string, status exchange.Status) error {
	ex, ok := t.s.exchanges[id]
	if !ok {
		return report.ErrExchangeNotFound
	}
	ex.Status = status
	t.s.exchanges[id] = ex
	return nil
}

// Insert enforces one report per exchange, reporter and reason.
func (t reportTx) Insert(_ context.Context, rep report.Report) error {
	if _, ok := t.s.reports[rep.ID]; ok {
		return fmt.Errorf("memstore: report %s already exists", rep.ID)
	}
	if t.s.reportExists(rep.ExchangeID, rep.ReporterID, rep.Reason) {
		return report.ErrDuplicate
	}
	if utf8.RuneCountInString(rep.Description) > report.MaxDescriptionLength {
		return report.ErrDescriptionTooLong
	}
	t.s.reports[rep.ID] = rep
	return nil
}

func (t reportTx) LockReport(_ context.Context, id string) (report.Report, error) {
	return t.s.report(id)
}

func (t reportTx) SetStatus(_ context.Context, id string, status report.Status, resolvedBy *string, at time.Time) error {
	rep, err := t.s.report(id)
	if err != nil {
		return err
	}
	rep.Status = status
	if resolvedBy != nil {
		rep.ResolvedBy = resolvedBy
	}
	rep.UpdatedAt = at
	t.s.reports[id] = rep
	return nil
}

func (t reportTx) CountUnresolved(_ context.Context, exchangeID, excludeReportID string) (int, error) {
	n := 0
	for _, rep := range t.s.reports {
		if rep.ExchangeID == exchangeID && rep.ID != excludeReportID && rep.Status.Unresolved() {
			n++
		}
	}
	return n, nil
}
