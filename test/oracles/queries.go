// Package oracles holds the SQL invariant checks run against the database
// while the actors hammer it. A query returning any row is a failure.
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
			Name: "O1_single_open_dispute",
			SQL: `SELECT order_id, COUNT(*) FROM disputes
                  WHERE status = 'open'
                  GROUP BY order_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_release_implies_completed",
			SQL: `SELECT id, status FROM orders
                  WHERE escrow_release = TRUE AND status <> 'completed'`,
		},
		{
			Name: "O3_refund_never_released",
			SQL: `SELECT id FROM orders
                  WHERE status = 'refunded' AND escrow_release = TRUE`,
		},
		{
			Name: "O4_shipped_carrier_approved",
			SQL: `SELECT id, shipping_provider, delivery_options FROM orders
                  WHERE status = 'shipped'
                    AND (shipping_provider IS NULL
                         OR tracking_number IS NULL
                         OR NOT (shipping_provider = ANY(delivery_options)))`,
		},
		{
			Name: "O5_open_dispute_order_disputed",
			SQL: `SELECT d.id, o.status FROM disputes d
                  JOIN orders o ON o.id = d.order_id
                  WHERE d.status = 'open' AND o.status <> 'disputed'`,
		},
		{
			Name: "O6_resolved_dispute_order_closed",
			SQL: `SELECT d.id, o.status FROM disputes d
                  JOIN orders o ON o.id = d.order_id
                  WHERE d.status = 'resolved' AND o.status NOT IN ('completed','refunded')`,
		},
		{
			Name: "O7_released_seller_has_destination",
			SQL: `SELECT o.id FROM orders o
                  JOIN users u ON u.id = o.seller_id
                  WHERE o.escrow_release = TRUE AND u.payout_destination IS NULL`,
		},
		{
			Name: "O8_outbox_not_stuck",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_audit_append_only_guard",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'audit_log_no_rewrite')`,
		},
		{
			Name: "O10_audit_amount_nonnegative",
			SQL:  `SELECT id FROM audit_log WHERE amount < 0`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
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
	}
	return "", "", nil
}
