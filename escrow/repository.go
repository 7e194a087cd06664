package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"relicflow/fault"
	"relicflow/order"
)

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (order.Order, error) {
	query := `
		SELECT id::text, seller_id::text, status::text, amount::text, escrow_release
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`

	var (
		ord    order.Order
		amount string
	)
	err := tx.QueryRow(ctx, query, orderID).Scan(&ord.ID, &ord.SellerID, &ord.Status, &amount, &ord.EscrowRelease)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order.Order{}, fault.NotFound("order %s not found", orderID)
		}
		return order.Order{}, fmt.Errorf("escrow: lock order: %w", err)
	}
	ord.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return order.Order{}, fmt.Errorf("escrow: parse amount: %w", err)
	}
	return ord, nil
}

func (r *PGRepository) PayoutDestination(ctx context.Context, tx pgx.Tx, sellerID string) (string, error) {
	var dest *string
	err := tx.QueryRow(ctx, `SELECT payout_destination FROM users WHERE id = $1`, sellerID).Scan(&dest)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fault.NotFound("seller %s not found", sellerID)
		}
		return "", fmt.Errorf("escrow: load payout destination: %w", err)
	}
	if dest == nil {
		return "", nil
	}
	return *dest, nil
}

func (r *PGRepository) MarkReleased(ctx context.Context, tx pgx.Tx, orderID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET escrow_release = TRUE, status = 'completed', updated_at = get_tx_timestamp()
		WHERE id = $1 AND escrow_release = FALSE
	`, orderID)
	if err != nil {
		return fmt.Errorf("escrow: mark released: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyReleased
	}
	return nil
}
