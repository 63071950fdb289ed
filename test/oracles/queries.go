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

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_completion",
			SQL: `SELECT contract_id, COUNT(*) FROM events
                  WHERE type = 'CONTRACT_COMPLETED'
                  GROUP BY contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_signed_means_all_signed",
			SQL: `SELECT c.id FROM contracts c
                  JOIN signers s ON s.contract_id = c.id
                  WHERE c.status = 'SIGNED' AND s.signed = false`,
		},
		{
			Name: "O3_completion_matches_status",
			SQL: `SELECT e.contract_id FROM events e
                  JOIN contracts c ON c.id = e.contract_id
                  WHERE e.type = 'CONTRACT_COMPLETED' AND c.status <> 'SIGNED'
                  UNION ALL
                  SELECT c.id FROM contracts c
                  WHERE c.status = 'SIGNED'
                    AND NOT EXISTS (SELECT 1 FROM events e WHERE e.contract_id = c.id AND e.type = 'CONTRACT_COMPLETED')`,
		},
		{
			Name: "O4_one_signature_event_per_signer",
			SQL: `SELECT s.id, s.signed, COUNT(e.id) FROM signers s
                  LEFT JOIN events e ON e.signer_id = s.id AND e.type = 'SIGNER_SIGNED'
                  GROUP BY s.id, s.signed
                  HAVING (s.signed AND COUNT(e.id) <> 1) OR (NOT s.signed AND COUNT(e.id) <> 0)`,
		},
		{
			Name: "O5_signed_or_declined",
			SQL:  `SELECT id FROM signers WHERE signed AND declined`,
		},
		{
			Name: "O6_no_signature_after_terminal",
			SQL: `SELECT t.contract_id, t.type FROM events t
                  JOIN events s ON s.contract_id = t.contract_id
                  WHERE t.type IN ('CONTRACT_DECLINED','CONTRACT_EXPIRED','CONTRACT_CANCELLED')
                    AND s.type = 'SIGNER_SIGNED' AND s.seq > t.seq`,
		},
		{
			Name: "O7_sent_before_progress",
			SQL: `SELECT c.id FROM contracts c
                  WHERE c.status IN ('IN_PROGRESS','SIGNED')
                    AND NOT EXISTS (SELECT 1 FROM events e WHERE e.contract_id = c.id AND e.type = 'CONTRACT_SENT')`,
		},
		{
			Name: "O8_single_terminal_event",
			SQL: `SELECT contract_id, COUNT(*) FROM events
                  WHERE type IN ('CONTRACT_COMPLETED','CONTRACT_DECLINED','CONTRACT_EXPIRED','CONTRACT_CANCELLED')
                  GROUP BY contract_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_events_append_only_guard",
			SQL: `SELECT 'missing_events_no_update_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='events_no_update')`,
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
