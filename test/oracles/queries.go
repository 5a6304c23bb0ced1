package oracles

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"carhunter/lifecycle"
)

// Oracle is a query that must return no rows while the system is healthy.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_status_matches_ledger",
			SQL: `SELECT d.id, d.status, last.to_state FROM deals d
                  JOIN LATERAL (
                      SELECT to_state FROM audit_log a
                      WHERE a.deal_id = d.id AND a.action = 'status_change'
                      ORDER BY a.id DESC LIMIT 1) last ON true
                  WHERE d.status <> last.to_state`,
		},
		{
			Name: "O2_ledger_chain",
			SQL: `WITH chain AS (
                      SELECT id, deal_id, from_state,
                             LAG(to_state) OVER (PARTITION BY deal_id ORDER BY id) AS prev_to
                      FROM audit_log WHERE action = 'status_change')
                  SELECT * FROM chain WHERE prev_to IS NOT NULL AND from_state <> prev_to`,
		},
		{
			Name: "O3_illegal_transition",
			SQL: `SELECT id, deal_id, from_state, to_state FROM audit_log
                  WHERE action = 'status_change'
                    AND (from_state, to_state) NOT IN (` + allowedPairs() + `)`,
		},
		{
			Name: "O4_double_resolution",
			SQL: `SELECT context->'data'->>'approval_id' AS approval_id, COUNT(*) FROM audit_log
                  WHERE action = 'approval_resolved'
                  GROUP BY 1 HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_event_applied_twice",
			SQL: `SELECT context->'data'->>'event_key' AS event_key, COUNT(*) FROM audit_log
                  WHERE action = 'status_change'
                    AND COALESCE(context->'data'->>'event_key', '') <> ''
                  GROUP BY 1 HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_audit_guard_present",
			SQL: `SELECT 'missing_audit_log_no_update' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'audit_log_no_update')`,
		},
		{
			// a draft is saved before its audit entry, so fewer stored drafts
			// than draft_blocked entries means a writer overwrote one
			Name: "O7_blocked_draft_lost",
			SQL: `SELECT a.deal_id, a.blocked, COALESCE(c.drafts, 0) AS drafts FROM (
                      SELECT deal_id, COUNT(*) AS blocked FROM audit_log
                      WHERE action = 'draft_blocked' GROUP BY deal_id) a
                  LEFT JOIN (
                      SELECT deal_id, COUNT(*) AS drafts FROM negotiation_contexts,
                             jsonb_array_elements(context->'conversation_history') m
                      WHERE (m->>'draft')::boolean GROUP BY deal_id) c ON c.deal_id = a.deal_id
                  WHERE COALESCE(c.drafts, 0) < a.blocked`,
		},
	}
}

// allowedPairs renders the transition table as a SQL row-value list.
func allowedPairs() string {
	var pairs []string
	for _, from := range lifecycle.All() {
		for _, to := range lifecycle.Allowed(from) {
			pairs = append(pairs, fmt.Sprintf("('%s','%s')", from, to))
		}
	}
	return strings.Join(pairs, ",")
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
