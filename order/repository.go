package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"relicflow/catalog"
	"relicflow/fault"
)

// ErrDuplicateEvent signals the webhook event id was already processed.
var ErrDuplicateEvent = errors.New("order: duplicate payment event")

// Repository defines the data access the order service requires. Mutations
// run inside the caller's transaction so the state change, its audit entry,
// and any outbox message commit together.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, o Order) (Order, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (Order, error)
	SetTransactionID(ctx context.Context, tx pgx.Tx, orderID, transactionID string) error
	UpdateStatus(ctx context.Context, tx pgx.Tx, orderID string, status Status) error
	Delete(ctx context.Context, tx pgx.Tx, orderID string) error
	SetDeliveryOptions(ctx context.Context, tx pgx.Tx, orderID string, options []string) error
	SetShipping(ctx context.Context, tx pgx.Tx, orderID, provider, tracking string) error
	SetSatisfaction(ctx context.Context, tx pgx.Tx, orderID string, value Satisfaction) error
	ReserveEvent(ctx context.Context, tx pgx.Tx, eventID string) error
	ProductForPurchase(ctx context.Context, tx pgx.Tx, productID string) (catalog.Product, error)
	AmountStats(ctx context.Context, tx pgx.Tx) (Stats, error)

	Get(ctx context.Context, orderID string) (Order, error)
	ListByBuyer(ctx context.Context, buyerID string) ([]Order, error)
	ListBySeller(ctx context.Context, sellerID string) ([]Order, error)
	ListAll(ctx context.Context, limit int) ([]Order, error)
}

const orderColumns = `id::text, product_id::text, buyer_id::text, seller_id::text,
	status::text, amount::text, escrow_release, buyer_satisfaction::text,
	transaction_id, delivery_options, shipping_provider, tracking_number,
	created_at, updated_at`

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, o Order) (Order, error) {
	insertSQL := `
		INSERT INTO orders (id, product_id, buyer_id, seller_id, status, amount, buyer_satisfaction)
		VALUES ($1, $2, $3, $4, $5::order_status, $6::numeric, $7::satisfaction)
		RETURNING ` + orderColumns

	rec, err := scanOrder(tx.QueryRow(ctx, insertSQL,
		o.ID, o.ProductID, o.BuyerID, o.SellerID, o.Status, o.Amount.String(), o.BuyerSatisfaction))
	if err != nil {
		return Order{}, fmt.Errorf("order: insert: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

	rec, err := scanOrder(tx.QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, fault.NotFound("order %s not found", orderID)
		}
		return Order{}, fmt.Errorf("order: lock row: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) SetTransactionID(ctx context.Context, tx pgx.Tx, orderID, transactionID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET transaction_id = $2, updated_at = get_tx_timestamp()
		WHERE id = $1 AND transaction_id IS NULL
	`, orderID, transactionID)
	if err != nil {
		return fmt.Errorf("order: set transaction id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.InvalidState("order %s already carries a transaction id", orderID)
	}
	return nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, orderID string, status Status) error {
	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2::order_status, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, orderID, status)
	if err != nil {
		return fmt.Errorf("order: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFound("order %s not found", orderID)
	}
	return nil
}

func (r *PGRepository) Delete(ctx context.Context, tx pgx.Tx, orderID string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("order: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.NotFound("order %s not found", orderID)
	}
	return nil
}

func (r *PGRepository) SetDeliveryOptions(ctx context.Context, tx pgx.Tx, orderID string, options []string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE orders
		SET delivery_options = $2, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, orderID, options); err != nil {
		return fmt.Errorf("order: set delivery options: %w", err)
	}
	return nil
}

func (r *PGRepository) SetShipping(ctx context.Context, tx pgx.Tx, orderID, provider, tracking string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE orders
		SET shipping_provider = $2,
		    tracking_number = $3,
		    status = 'shipped',
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`, orderID, provider, tracking); err != nil {
		return fmt.Errorf("order: set shipping: %w", err)
	}
	return nil
}

func (r *PGRepository) SetSatisfaction(ctx context.Context, tx pgx.Tx, orderID string, value Satisfaction) error {
	if _, err := tx.Exec(ctx, `
		UPDATE orders
		SET buyer_satisfaction = $2::satisfaction, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, orderID, value); err != nil {
		return fmt.Errorf("order: set satisfaction: %w", err)
	}
	return nil
}

// ReserveEvent claims the webhook event id inside the active transaction.
func (r *PGRepository) ReserveEvent(ctx context.Context, tx pgx.Tx, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("order: empty event id")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency (event_id) VALUES ($1)`, eventID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("order: reserve event: %w", err)
	}
	return nil
}

// ProductForPurchase reads the product under lock so the price snapshot and
// the order insert see the same row.
func (r *PGRepository) ProductForPurchase(ctx context.Context, tx pgx.Tx, productID string) (catalog.Product, error) {
	const query = `
		SELECT id::text, seller_id::text, title, description, price::text
		FROM products
		WHERE id = $1
		FOR SHARE
	`

	var (
		product catalog.Product
		price   string
	)
	err := tx.QueryRow(ctx, query, productID).Scan(
		&product.ID, &product.SellerID, &product.Title, &product.Description, &price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Product{}, fault.NotFound("product %s not found", productID)
		}
		return catalog.Product{}, fmt.Errorf("order: load product: %w", err)
	}

	product.Price, err = decimal.NewFromString(price)
	if err != nil {
		return catalog.Product{}, fmt.Errorf("order: parse product price: %w", err)
	}
	return product, nil
}

func (r *PGRepository) AmountStats(ctx context.Context, tx pgx.Tx) (Stats, error) {
	const query = `
		SELECT COUNT(*),
		       COALESCE(SUM(amount), 0)::text,
		       COALESCE(AVG(amount), 0)::text,
		       COALESCE(MIN(amount), 0)::text,
		       COALESCE(MAX(amount), 0)::text
		FROM orders
	`

	var stats Stats
	var total, avg, low, high string
	if err := tx.QueryRow(ctx, query).Scan(&stats.Count, &total, &avg, &low, &high); err != nil {
		return Stats{}, fmt.Errorf("order: amount stats: %w", err)
	}

	var err error
	if stats.Total, err = decimal.NewFromString(total); err != nil {
		return Stats{}, fmt.Errorf("order: parse stats total: %w", err)
	}
	if stats.Average, err = decimal.NewFromString(avg); err != nil {
		return Stats{}, fmt.Errorf("order: parse stats average: %w", err)
	}
	if stats.Min, err = decimal.NewFromString(low); err != nil {
		return Stats{}, fmt.Errorf("order: parse stats min: %w", err)
	}
	if stats.Max, err = decimal.NewFromString(high); err != nil {
		return Stats{}, fmt.Errorf("order: parse stats max: %w", err)
	}
	return stats, nil
}

func (r *PGRepository) Get(ctx context.Context, orderID string) (Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	rec, err := scanOrder(r.pool.QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, fault.NotFound("order %s not found", orderID)
		}
		return Order{}, fmt.Errorf("order: get: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) ListByBuyer(ctx context.Context, buyerID string) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE buyer_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, buyerID)
}

func (r *PGRepository) ListBySeller(ctx context.Context, sellerID string) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE seller_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, sellerID)
}

func (r *PGRepository) ListAll(ctx context.Context, limit int) ([]Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC LIMIT $1`
	return r.list(ctx, query, limit)
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("order: list: %w", err)
	}
	defer rows.Close()

	out := make([]Order, 0, 16)
	for rows.Next() {
		rec, err := scanOrderRows(rows)
		if err != nil {
			return nil, fmt.Errorf("order: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: iterate: %w", err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	return scanInto(row.Scan)
}

func scanOrderRows(rows pgx.Rows) (Order, error) {
	return scanInto(rows.Scan)
}

func scanInto(scan func(...any) error) (Order, error) {
	var (
		o      Order
		amount string
	)
	err := scan(
		&o.ID,
		&o.ProductID,
		&o.BuyerID,
		&o.SellerID,
		&o.Status,
		&amount,
		&o.EscrowRelease,
		&o.BuyerSatisfaction,
		&o.TransactionID,
		&o.DeliveryOptions,
		&o.ShippingProvider,
		&o.TrackingNumber,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return Order{}, err
	}

	o.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return Order{}, fmt.Errorf("parse amount: %w", err)
	}
	return o, nil
}
