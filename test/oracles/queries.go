package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All lists the SQL invariants of the court schema. Every query returns no
// rows on a healthy database.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_verdict_iff_closed",
			SQL: `SELECT id, state, verdict FROM cases
                  WHERE (state = 'closed') <> (verdict IS NOT NULL)
                     OR (state = 'closed') <> (closed_at IS NOT NULL)`,
		},
		{
			Name: "O2_vote_after_close",
			SQL: `SELECT v.case_id, v.voter_id, v.cast_at, c.closed_at FROM votes v
                  JOIN cases c ON c.id = v.case_id
                  WHERE c.closed_at IS NOT NULL AND v.cast_at > c.closed_at`,
		},
		{
			Name: "O3_single_close_transition",
			SQL: `SELECT case_id, COUNT(*) FROM case_events
                  WHERE to_state = 'closed'
                  GROUP BY case_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_close_notification_exactly_once",
			SQL: `WITH notes AS (
                      SELECT payload->>'caseId' AS case_id, COUNT(*) AS n FROM outbox
                      WHERE topic = 'case.closed' GROUP BY 1)
                  SELECT c.id, COALESCE(n.n, 0) FROM cases c
                  LEFT JOIN notes n ON n.case_id = c.id
                  WHERE (c.state = 'closed') <> (COALESCE(n.n, 0) = 1)`,
		},
		{
			Name: "O5_cancelled_with_votes",
			SQL: `SELECT c.id FROM cases c
                  WHERE c.state = 'cancelled'
                    AND EXISTS (SELECT 1 FROM votes v WHERE v.case_id = c.id)`,
		},
		{
			Name: "O6_no_self_vote",
			SQL: `SELECT v.case_id, v.voter_id FROM votes v
                  JOIN cases c ON c.id = v.case_id
                  WHERE v.voter_id = c.subject`,
		},
		{
			Name: "O7_outbox_stale",
			SQL: `SELECT id, topic FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O8_timeline_matches_state",
			SQL: `SELECT c.id, c.state, e.to_state FROM cases c
                  JOIN LATERAL (
                      SELECT to_state FROM case_events
                      WHERE case_id = c.id ORDER BY id DESC LIMIT 1) e ON TRUE
                  WHERE e.to_state <> c.state`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
