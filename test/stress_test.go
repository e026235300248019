package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"bookswap/test/actors"
	"bookswap/test/chaos"
	"bookswap/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 6, "number of concurrent actors per role")
	flMembers     = flag.Int("members", 12, "members seeded for the stress run")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

func TestExchangeConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+2*time.Minute)
	defer cancel()

	h := openHarness(t, ctx, *flDSN)
	pool := h.Pool()

	env := newEnv(pool, stressPolicy())
	world := seedWorld(t, ctx, env, *flMembers, 2)

	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Requester(gctx, world, stop) })
		g.Go(func() error { return actors.Decider(gctx, world, stop) })
	}
	g.Go(func() error { return actors.Reporter(gctx, world, stop) })
	g.Go(func() error { return actors.Reporter(gctx, world, stop) })
	g.Go(func() error { return actors.Moderator(gctx, world, stop) })
	g.Go(func() error { return actors.Toggler(gctx, world, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(gctx, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-gctx.Done():
			break loop
		case <-ticker.C:
			checkOracles(t, gctx, pool)
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !benign(err) {
		t.Fatalf("actors errored: %v", err)
	}
	checkOracles(t, ctx, pool)

	var completed, disputed int
	_ = pool.QueryRow(ctx, `SELECT COUNT(*) FILTER (WHERE status = 'COMPLETED'), COUNT(*) FILTER (WHERE status = 'DISPUTED') FROM exchanges`).
		Scan(&completed, &disputed)
	t.Logf("stress finished: %d completed, %d disputed", completed, disputed)
}

func checkOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if benign(err) {
			return
		}
		t.Fatalf("oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Fatalf("Oracle %s failed. First row: %s", name, row)
	}
}

// benign errors come from shutdown or from chaos killing a backend mid-query.
func benign(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return chaos.IsTerminated(err)
}

func seedWorld(t *testing.T, ctx context.Context, env *env, members, booksEach int) *actors.World {
	t.Helper()
	w := &actors.World{
		Catalog:   env.books,
		Exchanges: env.exchanges,
		Reports:   env.reports,
	}
	w.AdminID = env.mustUser(t, ctx, "admin", true)
	for i := 0; i < members; i++ {
		id := env.mustUser(t, ctx, fmt.Sprintf("member%d", i), false)
		w.UserIDs = append(w.UserIDs, id)
		for j := 0; j < booksEach; j++ {
			w.BookIDs = append(w.BookIDs, env.mustBook(t, ctx, id, fmt.Sprintf("Title %d-%d", rand.IntN(1000), j)))
		}
	}
	return w
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	dumps := []struct {
		name string
		sql  string
	}{
		{"exchanges", `SELECT id, book_id, from_user_id, to_user_id, points_used, status, completed_at FROM exchanges ORDER BY created_at DESC LIMIT 30`},
		{"ledger_entries", `SELECT id, exchange_id, user_id, delta FROM ledger_entries ORDER BY id DESC LIMIT 30`},
		{"reports", `SELECT id, exchange_id, reporter_id, reason, status FROM reports ORDER BY updated_at DESC LIMIT 30`},
		{"accounts", `SELECT user_id, balance FROM accounts ORDER BY balance`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", cols[i].Name, vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
