package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"relicflow/fault"
	"relicflow/order"
)

// Repository defines the data access the dispute service requires. Order
// mutations live here rather than in the order repository because a
// resolution must update the dispute and its order in one transaction.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, disputeID string, outcome Outcome, resolution, resolvedBy string) error

	GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (order.Order, error)
	SetOrderDisputed(ctx context.Context, tx pgx.Tx, orderID string) error
	SetOrderStatus(ctx context.Context, tx pgx.Tx, orderID string, status order.Status) error

	Get(ctx context.Context, disputeID string) (Dispute, error)
	List(ctx context.Context, status Status, limit int) ([]Dispute, error)
	ListByBuyer(ctx context.Context, buyerID string, status Status, limit int) ([]Dispute, error)
}

const disputeColumns = `id::text, order_id::text, buyer_id::text, seller_id::text,
	reason, evidence, status::text, outcome, resolution, resolved_by, created_at, resolved_at`

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	insertSQL := `
		INSERT INTO disputes (id, order_id, buyer_id, seller_id, reason, evidence)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + disputeColumns

	rec, err := scanDispute(tx.QueryRow(ctx, insertSQL,
		d.ID, d.OrderID, d.BuyerID, d.SellerID, d.Reason, d.Evidence))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, fault.Conflict("dispute: order %s already has an open dispute", d.OrderID)
		}
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`

	rec, err := scanDispute(tx.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, fault.NotFound("dispute %s not found", disputeID)
		}
		return Dispute{}, fmt.Errorf("dispute: lock row: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) MarkResolved(ctx context.Context, tx pgx.Tx, disputeID string, outcome Outcome, resolution, resolvedBy string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE disputes
		SET status = 'resolved', outcome = $2, resolution = $3, resolved_by = $4, resolved_at = get_tx_timestamp()
		WHERE id = $1 AND status = 'open'
	`, disputeID, string(outcome), resolution, resolvedBy)
	if err != nil {
		return fmt.Errorf("dispute: mark resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.InvalidState("dispute: %s is not open", disputeID)
	}
	return nil
}

func (r *PGRepository) GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (order.Order, error) {
	query := `
		SELECT id::text, buyer_id::text, seller_id::text, status::text, amount::text, escrow_release
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`

	var (
		ord    order.Order
		amount string
	)
	err := tx.QueryRow(ctx, query, orderID).Scan(&ord.ID, &ord.BuyerID, &ord.SellerID, &ord.Status, &amount, &ord.EscrowRelease)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.Order{}, fault.NotFound("order %s not found", orderID)
		}
		return order.Order{}, fmt.Errorf("dispute: lock order: %w", err)
	}
	ord.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return order.Order{}, fmt.Errorf("dispute: parse amount: %w", err)
	}
	return ord, nil
}

func (r *PGRepository) SetOrderDisputed(ctx context.Context, tx pgx.Tx, orderID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = 'disputed', buyer_satisfaction = 'disputed', updated_at = get_tx_timestamp()
		WHERE id = $1
	`, orderID)
	if err != nil {
		return fmt.Errorf("dispute: mark order disputed: %w", err)
	}
	return nil
}

func (r *PGRepository) SetOrderStatus(ctx context.Context, tx pgx.Tx, orderID string, status order.Status) error {
	_, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2::order_status, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, orderID, status)
	if err != nil {
		return fmt.Errorf("dispute: set order status: %w", err)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, disputeID string) (Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`

	rec, err := scanDispute(r.pool.QueryRow(ctx, query, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, fault.NotFound("dispute %s not found", disputeID)
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) List(ctx context.Context, status Status, limit int) ([]Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1::text`
		args = append(args, string(status))
	}
	return r.list(ctx, query, args, limit)
}

func (r *PGRepository) ListByBuyer(ctx context.Context, buyerID string, status Status, limit int) ([]Dispute, error) {
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE buyer_id = $1`
	args := []any{buyerID}
	if status != "" {
		query += ` AND status = $2::text`
		args = append(args, string(status))
	}
	return r.list(ctx, query, args, limit)
}

func (r *PGRepository) list(ctx context.Context, query string, args []any, limit int) ([]Dispute, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	disputes := make([]Dispute, 0, limit)
	for rows.Next() {
		rec, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		disputes = append(disputes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return disputes, nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var (
		d       Dispute
		outcome *string
	)
	err := row.Scan(&d.ID, &d.OrderID, &d.BuyerID, &d.SellerID, &d.Reason, &d.Evidence,
		&d.Status, &outcome, &d.Resolution, &d.ResolvedBy, &d.CreatedAt, &d.ResolvedAt)
	if err != nil {
		return Dispute{}, err
	}
	if outcome != nil {
		o := Outcome(*outcome)
		d.Outcome = &o
	}
	return d, nil
}
