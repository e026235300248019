// Package valuation prices books in points. It owns its caching, timeout and
// fallback policy so callers only ever see a value in [5, 20] or a hard error.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"bookswap/book"
)

var lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bookswap_valuation_lookups_total",
	Help: "Valuation lookups by source: cache, stored, assessed or fallback.",
}, []string{"source"})

// Snapshot is the stored state a valuation is computed from.
type Snapshot struct {
	Book   book.Book
	Demand int
	Copies int
}

// Source loads valuation inputs and persists results on the book row.
type Source interface {
	Load(ctx context.Context, bookID string) (Snapshot, error)
	Save(ctx context.Context, bookID string, points int, at time.Time) error
	Stale(ctx context.Context, before time.Time, limit int) ([]string, error)
}

type Service struct {
	src      Source
	cache    Cache
	assessor Assessor
	fallback Assessor
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time
	group    singleflight.Group
	logger   *slog.Logger
}

// NewService prices with assessor and falls back to HeuristicAssessor when it
// fails. A nil assessor uses the heuristic directly.
func NewService(src Source, cache Cache, assessor Assessor) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if assessor == nil {
		assessor = HeuristicAssessor{}
	}
	return &Service{
		src:      src,
		cache:    cache,
		assessor: assessor,
		fallback: HeuristicAssessor{},
		ttl:      24 * time.Hour,
		timeout:  3 * time.Second,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

func (s *Service) WithTTL(ttl time.Duration) *Service {
	s.ttl = ttl
	return s
}

func (s *Service) WithTimeout(d time.Duration) *Service {
	s.timeout = d
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// BookPoints returns the current valuation of bookID. Concurrent misses for the
// same book share one computation.
func (s *Service) BookPoints(ctx context.Context, bookID string) (int, error) {
	if points, ok := s.cache.Get(bookID); ok {
		lookups.WithLabelValues("cache").Inc()
		return points, nil
	}

	v, err, _ := s.group.Do(bookID, func() (any, error) {
		return s.compute(ctx, bookID, false)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Recalculate ignores both caches and prices bookID again.
func (s *Service) Recalculate(ctx context.Context, bookID string) (int, error) {
	s.cache.Delete(bookID)
	v, err, _ := s.group.Do(bookID, func() (any, error) {
		return s.compute(ctx, bookID, true)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *Service) compute(ctx context.Context, bookID string, force bool) (int, error) {
	snap, err := s.src.Load(ctx, bookID)
	if err != nil {
		return 0, fmt.Errorf("valuation: load book: %w", err)
	}

	now := s.now()
	b := snap.Book
	if !force && b.ComputedPoints != nil && b.PointsLastCalculatedAt != nil &&
		now.Sub(*b.PointsLastCalculatedAt) < s.ttl {
		points := Clamp(*b.ComputedPoints)
		s.cache.Set(bookID, points, s.ttl-now.Sub(*b.PointsLastCalculatedAt))
		lookups.WithLabelValues("stored").Inc()
		return points, nil
	}

	in := Input{
		Title:     b.Title,
		Author:    b.Author,
		Condition: b.Condition,
		Demand:    snap.Demand,
		Copies:    snap.Copies,
	}
	points, source := s.assess(ctx, bookID, in)

	if err := s.src.Save(ctx, bookID, points, now); err != nil {
		s.logger.WarnContext(ctx, "persist valuation failed", "book_id", bookID, "err", err)
	}
	s.cache.Set(bookID, points, s.ttl)
	lookups.WithLabelValues(source).Inc()
	return points, nil
}

// assess fails open: any assessor error or timeout falls back to the heuristic.
func (s *Service) assess(ctx context.Context, bookID string, in Input) (int, string) {
	actx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	points, err := s.assessor.Assess(actx, in)
	if err == nil {
		return Clamp(points), "assessed"
	}
	level := slog.LevelWarn
	if errors.Is(err, context.DeadlineExceeded) {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "assessor failed, using heuristic", "book_id", bookID, "err", err)

	points, _ = s.fallback.Assess(ctx, in)
	return Clamp(points), "fallback"
}

// RefreshStale recalculates up to limit stored valuations older than the TTL.
// It is a best-effort maintenance task and returns how many were refreshed.
func (s *Service) RefreshStale(ctx context.Context, limit int) (int, error) {
	ids, err := s.src.Stale(ctx, s.now().Add(-s.ttl), limit)
	if err != nil {
		return 0, fmt.Errorf("valuation: list stale: %w", err)
	}
	refreshed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}
		if _, err := s.Recalculate(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "refresh valuation failed", "book_id", id, "err", err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// RunRefresher calls RefreshStale every interval until ctx is done.
func (s *Service) RunRefresher(ctx context.Context, interval time.Duration, batch int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sw, ok := s.cache.(interface{ Sweep() int }); ok {
				sw.Sweep()
			}
			n, err := s.RefreshStale(ctx, batch)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.WarnContext(ctx, "valuation refresh failed", "err", err)
				continue
			}
			if n > 0 {
				s.logger.InfoContext(ctx, "valuations refreshed", "count", n)
			}
		}
	}
}
