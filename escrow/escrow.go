// Package escrow controls the release of captured funds to sellers. Release
// is monotonic: once an order's escrow is released it can never be pulled
// back, so every path here checks the flag before moving money.
package escrow

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"relicflow/audit"
	"relicflow/fault"
	"relicflow/identity"
	"relicflow/order"
	"relicflow/outbox"
)

// ErrAlreadyReleased signals a second release attempt on the same order.
var ErrAlreadyReleased = fault.InvalidState("escrow: already released")

// PayoutInstruction tells the caller where the released funds are headed.
// The same payload goes onto the outbox for the operator payout channel.
type PayoutInstruction struct {
	OrderID     string
	SellerID    string
	Destination string
	Amount      decimal.Decimal
}

// Repository defines the data access the controller requires.
type Repository interface {
	GetOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID string) (order.Order, error)
	// PayoutDestination returns the seller's payout destination, or the
	// empty string when none is configured.
	PayoutDestination(ctx context.Context, tx pgx.Tx, sellerID string) (string, error)
	// MarkReleased flips escrow_release and moves the order to completed.
	MarkReleased(ctx context.Context, tx pgx.Tx, orderID string) error
}

// AuditAppender records one ledger entry inside the active transaction.
type AuditAppender interface {
	Append(ctx context.Context, tx pgx.Tx, entry audit.Entry) error
}

// OutboxWriter enqueues a message inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Controller performs escrow releases.
type Controller struct {
	pool   TxBeginner
	repo   Repository
	ledger AuditAppender
	outbox OutboxWriter
}

func NewController(pool TxBeginner, repo Repository, ledger AuditAppender, ob OutboxWriter) *Controller {
	if ledger == nil {
		ledger = audit.NewLedger()
	}
	if ob == nil {
		ob = outbox.Writer{}
	}
	return &Controller{pool: pool, repo: repo, ledger: ledger, outbox: ob}
}

// Release pays out an order's escrow to the seller and returns the payout
// instruction. Admin only. The order must be in escrow, held, or shipped;
// disputed orders are released through dispute resolution instead.
func (c *Controller) Release(ctx context.Context, actor identity.Actor, orderID string) (PayoutInstruction, error) {
	if err := actor.RequireRole(identity.RoleAdmin); err != nil {
		return PayoutInstruction{}, err
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return PayoutInstruction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := c.repo.GetOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return PayoutInstruction{}, err
	}

	switch ord.Status {
	case order.StatusEscrow, order.StatusHeld, order.StatusShipped:
	case order.StatusDisputed:
		return PayoutInstruction{}, fault.InvalidState("escrow: order %s is disputed; resolve the dispute instead", orderID)
	default:
		return PayoutInstruction{}, fault.InvalidState("escrow: order %s has no funds to release, status is %s", orderID, ord.Status)
	}

	instr, err := c.ReleaseWithinTx(ctx, tx, ord)
	if err != nil {
		return PayoutInstruction{}, err
	}

	entry := audit.Entry{
		Action:         audit.ActionEscrowReleased,
		Amount:         ord.Amount,
		ActorID:        actor.ID,
		CounterpartyID: &ord.SellerID,
	}
	if err := c.ledger.Append(ctx, tx, entry); err != nil {
		return PayoutInstruction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PayoutInstruction{}, fmt.Errorf("escrow: commit release: %w", err)
	}
	return instr, nil
}

// ReleaseWithinTx performs the release inside the caller's transaction and
// returns the resulting payout instruction. The caller must already hold the
// order's row lock and is responsible for its own audit entry. Requires a
// configured payout destination so funds never leave escrow with nowhere to
// land.
func (c *Controller) ReleaseWithinTx(ctx context.Context, tx pgx.Tx, ord order.Order) (PayoutInstruction, error) {
	if ord.EscrowRelease {
		return PayoutInstruction{}, ErrAlreadyReleased
	}

	dest, err := c.repo.PayoutDestination(ctx, tx, ord.SellerID)
	if err != nil {
		return PayoutInstruction{}, err
	}
	if dest == "" {
		return PayoutInstruction{}, fault.PreconditionFailed("escrow: seller %s has no payout destination configured", ord.SellerID)
	}

	if err := c.repo.MarkReleased(ctx, tx, ord.ID); err != nil {
		return PayoutInstruction{}, err
	}

	instr := PayoutInstruction{
		OrderID:     ord.ID,
		SellerID:    ord.SellerID,
		Destination: dest,
		Amount:      ord.Amount,
	}
	if err := c.outbox.Enqueue(ctx, tx, outbox.TopicPayoutRequested, map[string]any{
		"order_id":  instr.OrderID,
		"seller_id": instr.SellerID,
		"dest":      instr.Destination,
		"amount":    instr.Amount.String(),
	}); err != nil {
		return PayoutInstruction{}, err
	}
	return instr, nil
}
