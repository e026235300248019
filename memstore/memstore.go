// Package memstore is an in-memory implementation of the book, exchange,
// report and guard storage interfaces. Transactions run one at a time against
// a copy of the state that replaces it only when fn succeeds.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"bookswap/book"
	"bookswap/exchange"
	"bookswap/ledger"
	"bookswap/report"
)

type state struct {
	admins    map[string]bool
	accounts  map[string]int64
	books     map[string]book.Book
	exchanges map[string]exchange.Exchange
	reports   map[string]report.Report
	entries   []ledger.Entry
	entrySeq  int64
}

func newState() *state {
	return &state{
		admins:    make(map[string]bool),
		accounts:  make(map[string]int64),
		books:     make(map[string]book.Book),
		exchanges: make(map[string]exchange.Exchange),
		reports:   make(map[string]report.Report),
	}
}

func (s *state) clone() *state {
	c := &state{
		admins:    make(map[string]bool, len(s.admins)),
		accounts:  make(map[string]int64, len(s.accounts)),
		books:     make(map[string]book.Book, len(s.books)),
		exchanges: make(map[string]exchange.Exchange, len(s.exchanges)),
		reports:   make(map[string]report.Report, len(s.reports)),
		entries:   append([]ledger.Entry(nil), s.entries...),
		entrySeq:  s.entrySeq,
	}
	for k, v := range s.admins {
		c.admins[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.books {
		c.books[k] = v
	}
	for k, v := range s.exchanges {
		c.exchanges[k] = v
	}
	for k, v := range s.reports {
		c.reports[k] = v
	}
	return c
}

type Memory struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

func New() *Memory {
	return &Memory{st: newState(), now: time.Now}
}

func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// run executes fn on a private copy of the state and commits it on success.
func (m *Memory) run(fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	m.st = work
	return nil
}

func (m *Memory) locked(fn func(*state)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.st)
}

// AddUser opens an account for id with balance points.
func (m *Memory) AddUser(id string, balance int64, admin bool) {
	m.locked(func(s *state) {
		s.accounts[id] = balance
		if admin {
			s.admins[id] = true
		}
	})
}

// AddBook stores b as is. A zero CreatedAt is filled from the clock.
func (m *Memory) AddBook(b book.Book) book.Book {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = m.now().UTC()
	}
	m.locked(func(s *state) { s.books[b.ID] = b })
	return b
}

// PutExchange stores ex as is, bypassing the state machine.
func (m *Memory) PutExchange(ex exchange.Exchange) {
	m.locked(func(s *state) { s.exchanges[ex.ID] = ex })
}

// PutReport stores rep as is, bypassing the resolver.
func (m *Memory) PutReport(rep report.Report) {
	m.locked(func(s *state) { s.reports[rep.ID] = rep })
}

func (m *Memory) AccountBalance(userID string) int64 {
	var out int64
	m.locked(func(s *state) { out = s.accounts[userID] })
	return out
}

// TotalPoints sums every account balance.
func (m *Memory) TotalPoints() int64 {
	var total int64
	m.locked(func(s *state) {
		for _, b := range s.accounts {
			total += b
		}
	})
	return total
}

func (m *Memory) Entries() []ledger.Entry {
	var out []ledger.Entry
	m.locked(func(s *state) { out = append(out, s.entries...) })
	return out
}

func (m *Memory) IsAdmin(_ context.Context, userID string) (bool, error) {
	var ok bool
	m.locked(func(s *state) { ok = s.admins[userID] })
	return ok, nil
}

func (m *Memory) CountReportsSince(_ context.Context, reporterID string, since time.Time) (int, error) {
	n := 0
	m.locked(func(s *state) {
		for _, r := range s.reports {
			if r.ReporterID == reporterID && !r.CreatedAt.Before(since) {
				n++
			}
		}
	})
	return n, nil
}

func (m *Memory) ReportExists(_ context.Context, exchangeID, reporterID, reason string) (bool, error) {
	var ok bool
	m.locked(func(s *state) { ok = s.reportExists(exchangeID, reporterID, report.Reason(reason)) })
	return ok, nil
}

func (m *Memory) GaveSince(_ context.Context, giverID, receiverID string, since time.Time) (bool, error) {
	var ok bool
	m.locked(func(s *state) {
		for _, ex := range s.exchanges {
			if ex.FromUserID != giverID || ex.ToUserID != receiverID {
				continue
			}
			if ex.Status != exchange.StatusCompleted && ex.Status != exchange.StatusDisputed {
				continue
			}
			if ex.CompletedAt != nil && !ex.CompletedAt.Before(since) {
				ok = true
				return
			}
		}
	})
	return ok, nil
}

func (s *state) reportExists(exchangeID, reporterID string, reason report.Reason) bool {
	for _, r := range s.reports {
		if r.ExchangeID == exchangeID && r.ReporterID == reporterID && r.Reason == reason {
			return true
		}
	}
	return false
}

func (s *state) hasStatus(bookID string, status exchange.Status) bool {
	for _, ex := range s.exchanges {
		if ex.BookID == bookID && ex.Status == status {
			return true
		}
	}
	return false
}

// frozen reports whether a disputed exchange on bookID still has an open or
// under-review report.
func (s *state) frozen(bookID string) bool {
	for _, ex := range s.exchanges {
		if ex.BookID != bookID || ex.Status != exchange.StatusDisputed {
			continue
		}
		for _, rep := range s.reports {
			if rep.ExchangeID == ex.ID && rep.Status.Unresolved() {
				return true
			}
		}
	}
	return false
}

// transfer applies the same rules as ledger.Transfer to the in-memory accounts.
func (s *state) transfer(exchangeID, fromID, toID string, amount int64, at time.Time) error {
	if fromID == toID {
		return ledger.ErrSameAccount
	}
	from, ok := s.accounts[fromID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	to, ok := s.accounts[toID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	from, to, err := ledger.Settle(from, to, amount)
	if err != nil {
		return err
	}
	s.accounts[fromID] = from
	s.accounts[toID] = to
	for _, e := range []ledger.Entry{
		{ExchangeID: exchangeID, UserID: fromID, Delta: -amount, CreatedAt: at},
		{ExchangeID: exchangeID, UserID: toID, Delta: amount, CreatedAt: at},
	} {
		s.entrySeq++
		e.ID = s.entrySeq
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *state) balance(userID string) (int64, error) {
	b, ok := s.accounts[userID]
	if !ok {
		return 0, ledger.ErrAccountNotFound
	}
	return b, nil
}

func (s *state) book(id string) (book.Book, error) {
	b, ok := s.books[id]
	if !ok {
		return book.Book{}, book.ErrNotFound
	}
	return b, nil
}

func (s *state) exchange(id string) (exchange.Exchange, error) {
	ex, ok := s.exchanges[id]
	if !ok {
		return exchange.Exchange{}, exchange.ErrNotFound
	}
	return ex, nil
}

func (s *state) report(id string) (report.Report, error) {
	r, ok := s.reports[id]
	if !ok {
		return report.Report{}, report.ErrNotFound
	}
	return r, nil
}

func sortExchanges(out []exchange.Exchange) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}
