// Package actors drives the lifecycle tables with concurrent SQL workloads
// that mirror what the services do, so the schema-level invariants can be
// checked under contention.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Purchaser keeps placing pending orders for the product.
func Purchaser(ctx context.Context, pool *pgxpool.Pool, buyerID, sellerID, productID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO orders (id, product_id, buyer_id, seller_id, status, amount)
			SELECT gen_random_uuid(), p.id, $1, $2, 'pending', p.price
			FROM products p WHERE p.id = $3
		`, buyerID, sellerID, productID)
		if err != nil && !ignorable(err) {
			return fmt.Errorf("purchaser insert: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// PaymentConfirmer replays payment webhooks, sometimes with duplicate event
// ids, flipping pending orders into escrow exactly once per event.
func PaymentConfirmer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var orderID string
		err = tx.QueryRow(ctx, `SELECT id::text FROM orders WHERE status = 'pending' LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&orderID)
		if err == nil {
			eventID := fmt.Sprintf("evt-%s-%d", orderID, rand.Intn(3))
			tag, insErr := tx.Exec(ctx, `INSERT INTO idempotency (event_id) VALUES ($1) ON CONFLICT DO NOTHING`, eventID)
			if insErr == nil && tag.RowsAffected() == 1 {
				_, _ = tx.Exec(ctx, `UPDATE orders SET status = 'escrow', updated_at = get_tx_timestamp() WHERE id = $1 AND status = 'pending'`, orderID)
				_, _ = tx.Exec(ctx, `
					INSERT INTO audit_log (action, amount, actor_id, counterparty_id)
					SELECT 'Payment Confirmed', amount, buyer_id, seller_id FROM orders WHERE id = $1
				`, orderID)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('order.payment_confirmed', jsonb_build_object('order_id', $1::text))`, orderID)
			}
		}
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// OptionPicker approves a carrier set on orders that have none yet.
func OptionPicker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	sets := [][]string{
		{"DHL"},
		{"DHL", "UPS"},
		{"FedEx", "TCS", "Leopards"},
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		opts := sets[rand.Intn(len(sets))]
		_, err := pool.Exec(ctx, `
			UPDATE orders SET delivery_options = $1, updated_at = get_tx_timestamp()
			WHERE id IN (
				SELECT id FROM orders
				WHERE status IN ('pending','escrow','held') AND delivery_options = '{}'
				LIMIT 1 FOR UPDATE SKIP LOCKED
			)
		`, opts)
		if err != nil && !ignorable(err) {
			return fmt.Errorf("option picker: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(30)) * time.Millisecond)
	}
}

// Shipper confirms shipment with a carrier from the approved set only.
func Shipper(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			UPDATE orders
			SET status = 'shipped',
			    shipping_provider = delivery_options[1],
			    tracking_number = 'trk-' || substr(md5(random()::text), 1, 10),
			    updated_at = get_tx_timestamp()
			WHERE id IN (
				SELECT id FROM orders
				WHERE status IN ('escrow','held') AND array_length(delivery_options, 1) >= 1
				LIMIT 1 FOR UPDATE SKIP LOCKED
			)
		`)
		if err != nil && !ignorable(err) {
			return fmt.Errorf("shipper: %w", err)
		}
		time.Sleep(time.Duration(25+rand.Intn(40)) * time.Millisecond)
	}
}

// Disputer raises disputes against funded orders; the partial unique index
// is expected to reject a second open dispute under contention.
func Disputer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var orderID, buyerID, sellerID string
		err = tx.QueryRow(ctx, `
			SELECT id::text, buyer_id::text, seller_id::text FROM orders
			WHERE status IN ('escrow','held','shipped')
			LIMIT 1 FOR UPDATE SKIP LOCKED
		`).Scan(&orderID, &buyerID, &sellerID)
		if err == nil {
			_, insErr := tx.Exec(ctx, `
				INSERT INTO disputes (id, order_id, buyer_id, seller_id, reason, evidence)
				VALUES (gen_random_uuid(), $1, $2, $3, 'stress dispute', ARRAY['evidence-1'])
			`, orderID, buyerID, sellerID)
			if insErr == nil {
				_, _ = tx.Exec(ctx, `UPDATE orders SET status = 'disputed', buyer_satisfaction = 'disputed', updated_at = get_tx_timestamp() WHERE id = $1`, orderID)
			} else if !ignorable(insErr) {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("disputer insert: %w", insErr)
			}
		}
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(50+rand.Intn(80)) * time.Millisecond)
	}
}

// Resolver closes open disputes, refunding the buyer or releasing the escrow
// to sellers that have a payout destination.
func Resolver(ctx context.Context, pool *pgxpool.Pool, adminID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var disputeID, orderID string
		err = tx.QueryRow(ctx, `
			SELECT id::text, order_id::text FROM disputes
			WHERE status = 'open'
			LIMIT 1 FOR UPDATE SKIP LOCKED
		`).Scan(&disputeID, &orderID)
		if err == nil {
			var released bool
			if rand.Intn(2) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE orders SET status = 'refunded', updated_at = get_tx_timestamp() WHERE id = $1 AND status = 'disputed' AND escrow_release = FALSE`, orderID)
			} else {
				tag, relErr := tx.Exec(ctx, `
					UPDATE orders o
					SET escrow_release = TRUE, status = 'completed', updated_at = get_tx_timestamp()
					FROM users u
					WHERE o.id = $1 AND o.status = 'disputed' AND o.escrow_release = FALSE
					  AND u.id = o.seller_id AND u.payout_destination IS NOT NULL
				`, orderID)
				released = relErr == nil && tag.RowsAffected() == 1
				if !released {
					// no payout destination; fall back to refund so the dispute can close
					_, _ = tx.Exec(ctx, `UPDATE orders SET status = 'refunded', updated_at = get_tx_timestamp() WHERE id = $1 AND status = 'disputed' AND escrow_release = FALSE`, orderID)
				}
			}
			outcome := "refund_buyer"
			if released {
				outcome = "release_to_seller"
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('payout.requested', jsonb_build_object('order_id', $1::text))`, orderID)
			}
			_, _ = tx.Exec(ctx, `
				UPDATE disputes SET status = 'resolved', outcome = $2, resolution = 'stress resolution',
				       resolved_by = $3, resolved_at = get_tx_timestamp()
				WHERE id = $1 AND status = 'open'
			`, disputeID, outcome, adminID)
			_, _ = tx.Exec(ctx, `
				INSERT INTO audit_log (action, amount, actor_id, counterparty_id)
				SELECT 'Dispute Resolved', amount, $2::uuid, buyer_id FROM orders WHERE id = $1
			`, orderID, adminID)
		}
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(60+rand.Intn(90)) * time.Millisecond)
	}
}

// Releaser plays the admin releasing escrow on undisputed funded orders.
func Releaser(ctx context.Context, pool *pgxpool.Pool, adminID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var orderID string
		err = tx.QueryRow(ctx, `
			SELECT o.id::text FROM orders o
			JOIN users u ON u.id = o.seller_id
			WHERE o.status IN ('escrow','held','shipped') AND o.escrow_release = FALSE
			  AND u.payout_destination IS NOT NULL
			LIMIT 1 FOR UPDATE OF o SKIP LOCKED
		`).Scan(&orderID)
		if err == nil {
			tag, relErr := tx.Exec(ctx, `
				UPDATE orders SET escrow_release = TRUE, status = 'completed', updated_at = get_tx_timestamp()
				WHERE id = $1 AND escrow_release = FALSE
			`, orderID)
			if relErr == nil && tag.RowsAffected() == 1 {
				_, _ = tx.Exec(ctx, `
					INSERT INTO audit_log (action, amount, actor_id, counterparty_id)
					SELECT 'Escrow Released', amount, $2::uuid, seller_id FROM orders WHERE id = $1
				`, orderID, adminID)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('payout.requested', jsonb_build_object('order_id', $1::text))`, orderID)
			}
		}
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED, simulating
// the relay with occasional delivery failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// ignorable reports whether the error is expected contention noise: unique
// violations, serialization failures, or admin-killed backends.
func ignorable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01", "57P01":
			return true
		}
	}
	return false
}
