package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"relicflow/audit"
	"relicflow/fault"
	"relicflow/identity"
)

// Service exposes the catalog operations the lifecycle engine owns: the
// purchase-time product read and the admin force-removal.
type Service struct {
	pool   *pgxpool.Pool
	repo   *Repository
	ledger *audit.Ledger
}

func NewService(pool *pgxpool.Pool, repo *Repository, ledger *audit.Ledger) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	if ledger == nil {
		ledger = audit.NewLedger()
	}
	return &Service{pool: pool, repo: repo, ledger: ledger}
}

// Get returns the product for the given identifier.
func (s *Service) Get(ctx context.Context, id string) (Product, error) {
	return s.repo.GetByID(ctx, id)
}

// Remove force-deletes a product. Deletion is blocked while any order on the
// product still holds funds or is under dispute; terminal and pending orders
// don't block.
func (s *Service) Remove(ctx context.Context, actor identity.Actor, productID string) error {
	if err := actor.RequireRole(identity.RoleAdmin); err != nil {
		return err
	}
	if productID == "" {
		return fault.InvalidRequest("catalog: product id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("catalog: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var sellerID string
	err = tx.QueryRow(ctx, `SELECT seller_id::text FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&sellerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fault.NotFound("product %s not found", productID)
		}
		return fmt.Errorf("catalog: lock product: %w", err)
	}

	var active bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE product_id = $1
			  AND status IN ('escrow','held','shipped','disputed')
		)
	`, productID).Scan(&active)
	if err != nil {
		return fmt.Errorf("catalog: check active orders: %w", err)
	}
	if active {
		return fault.InvalidState("product %s has financially active orders", productID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM products WHERE id = $1`, productID); err != nil {
		return fmt.Errorf("catalog: delete product: %w", err)
	}

	entry := audit.Entry{
		Action:         audit.ActionProductRemoved,
		Amount:         decimal.Zero,
		ActorID:        actor.ID,
		CounterpartyID: &sellerID,
	}
	if err := s.ledger.Append(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("catalog: commit removal: %w", err)
	}
	return nil
}
