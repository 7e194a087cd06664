package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"relicflow/fault"
)

// Repository provides read access to products.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a product by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Product, error) {
	const query = `
		SELECT id, seller_id::text, title, description, price::text, created_at, updated_at
		FROM products
		WHERE id = $1
	`

	var (
		product Product
		price   string
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&product.ID,
		&product.SellerID,
		&product.Title,
		&product.Description,
		&price,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, fault.NotFound("product %s not found", id)
		}
		return Product{}, fmt.Errorf("catalog: query by id: %w", err)
	}

	product.Price, err = decimal.NewFromString(price)
	if err != nil {
		return Product{}, fmt.Errorf("catalog: parse price: %w", err)
	}
	return product, nil
}
