package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_requested_per_book",
			SQL: `SELECT book_id, COUNT(*) FROM exchanges
                  WHERE status = 'REQUESTED'
                  GROUP BY book_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_non_negative_balance",
			SQL:  `SELECT user_id, balance FROM accounts WHERE balance < 0`,
		},
		{
			Name: "O3_points_conserved",
			SQL: `SELECT SUM(balance), 20 * COUNT(*) FROM accounts
                  HAVING SUM(balance) <> 20 * COUNT(*)`,
		},
		{
			Name: "O4_balance_matches_entries",
			SQL: `SELECT a.user_id, a.balance, 20 + COALESCE(SUM(e.delta), 0) AS expected
                  FROM accounts a LEFT JOIN ledger_entries e ON e.user_id = a.user_id
                  GROUP BY a.user_id, a.balance
                  HAVING a.balance <> 20 + COALESCE(SUM(e.delta), 0)`,
		},
		{
			Name: "O5_entries_pair_per_settled_exchange",
			SQL: `SELECT x.id, x.status, COUNT(e.id), COALESCE(SUM(e.delta), 0)
                  FROM exchanges x LEFT JOIN ledger_entries e ON e.exchange_id = x.id
                  GROUP BY x.id, x.status
                  HAVING (x.status IN ('COMPLETED','DISPUTED') AND (COUNT(e.id) <> 2 OR SUM(e.delta) <> 0))
                      OR (x.status NOT IN ('COMPLETED','DISPUTED') AND COUNT(e.id) <> 0)`,
		},
		{
			Name: "O6_unresolved_report_freezes_exchange",
			SQL: `SELECT r.id, x.id, x.status FROM reports r JOIN exchanges x ON x.id = r.exchange_id
                  WHERE r.status IN ('OPEN','UNDER_REVIEW') AND x.status <> 'DISPUTED'`,
		},
		{
			Name: "O7_disputed_has_standing_report",
			SQL: `SELECT x.id FROM exchanges x
                  WHERE x.status = 'DISPUTED' AND NOT EXISTS (
                      SELECT 1 FROM reports r
                      WHERE r.exchange_id = x.id AND r.status IN ('OPEN','UNDER_REVIEW','RESOLVED'))`,
		},
		{
			Name: "O8_owner_is_last_receiver",
			SQL: `SELECT b.id, b.owner_id, last.to_user_id FROM books b
                  JOIN LATERAL (
                      SELECT to_user_id FROM exchanges x
                      WHERE x.book_id = b.id AND x.status IN ('COMPLETED','DISPUTED')
                      ORDER BY x.completed_at DESC LIMIT 1) last ON TRUE
                  WHERE b.owner_id <> last.to_user_id`,
		},
		{
			Name: "O9_requested_book_reserved",
			SQL: `SELECT x.id, x.book_id FROM exchanges x JOIN books b ON b.id = x.book_id
                  WHERE x.status = 'REQUESTED' AND b.is_available`,
		},
		{
			Name: "O10_reports_only_on_settled_exchanges",
			SQL: `SELECT r.id, x.status FROM reports r JOIN exchanges x ON x.id = r.exchange_id
                  WHERE x.status NOT IN ('COMPLETED','DISPUTED')
                     OR r.reporter_id NOT IN (x.from_user_id, x.to_user_id)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
