package order

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"relicflow/payment"
)

// TestConfirmPayment_Integration connects to a real PostgreSQL via DATABASE_URL
// and verifies the repository + service behavior including webhook idempotency.
func TestConfirmPayment_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "orders") || !tableExists(ctx, t, pool, "audit_log") || !tableExists(ctx, t, pool, "outbox") || !tableExists(ctx, t, pool, "idempotency") {
		t.Skip("database schema missing; apply migrations/001_init.sql first")
	}

	var buyerID, sellerID, productID string
	if err := pool.QueryRow(ctx, `INSERT INTO users (role, display_name) VALUES ('buyer', 'Integration Buyer') RETURNING id`).Scan(&buyerID); err != nil {
		t.Fatalf("seed buyer: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (role, display_name, payout_destination) VALUES ('seller', 'Integration Seller', 'acct_itest') RETURNING id`).Scan(&sellerID); err != nil {
		t.Fatalf("seed seller: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO products (seller_id, title, price) VALUES ($1, 'Integration Relic', 150.00) RETURNING id
	`, sellerID).Scan(&productID); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	repo := NewRepository(pool)
	svc := NewService(pool, repo, nil, nil, nil)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin seed tx: %v", err)
	}
	seeded, err := repo.Insert(ctx, tx, Order{
		ID:                uuid.NewString(),
		ProductID:         &productID,
		BuyerID:           buyerID,
		SellerID:          sellerID,
		Status:            StatusPending,
		Amount:            decimal.RequireFromString("150.00"),
		BuyerSatisfaction: SatisfactionPending,
	})
	if err != nil {
		tx.Rollback(ctx)
		t.Fatalf("seed order: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit seed tx: %v", err)
	}
	orderID := seeded.ID

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'order_id' = $1`, orderID)
		pool.Exec(ctx2, `DELETE FROM idempotency WHERE event_id LIKE 'itest-%'`)
		pool.Exec(ctx2, `DELETE FROM orders WHERE id = $1`, orderID)
		pool.Exec(ctx2, `DELETE FROM products WHERE id = $1`, productID)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, buyerID, sellerID)
	})

	event := payment.CompletedEvent{
		EventID:              "itest-evt-1",
		OrderID:              orderID,
		GatewayTransactionID: "txn-itest",
	}

	if err := svc.ConfirmPayment(ctx, event); err != nil {
		t.Fatalf("confirm payment (first): %v", err)
	}

	var status string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM orders WHERE id = $1`, orderID).Scan(&status); err != nil {
		t.Fatalf("verify order: %v", err)
	}
	if status != "escrow" {
		t.Fatalf("expected status escrow, got %q", status)
	}

	var auditCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log WHERE action = 'Payment Confirmed' AND actor_id = $1`, buyerID).Scan(&auditCount); err != nil {
		t.Fatalf("verify audit: %v", err)
	}
	if auditCount != 1 {
		t.Fatalf("expected 1 audit entry, got %d", auditCount)
	}

	var outCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = 'order.payment_confirmed' AND payload->>'order_id' = $1`, orderID).Scan(&outCount); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if outCount != 1 {
		t.Fatalf("expected 1 outbox message, got %d", outCount)
	}

	// Replay with the same event id must be a silent no-op.
	if err := svc.ConfirmPayment(ctx, event); err != nil {
		t.Fatalf("confirm payment (replay): %v", err)
	}

	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log WHERE action = 'Payment Confirmed' AND actor_id = $1`, buyerID).Scan(&auditCount); err != nil {
		t.Fatalf("re-verify audit: %v", err)
	}
	if auditCount != 1 {
		t.Fatalf("expected audit entries to remain 1 after replay, got %d", auditCount)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
