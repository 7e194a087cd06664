package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"relicflow/audit"
	"relicflow/fault"
	"relicflow/identity"
	"relicflow/outbox"
	"relicflow/payment"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AuditAppender records one ledger entry inside the active transaction.
type AuditAppender interface {
	Append(ctx context.Context, tx pgx.Tx, entry audit.Entry) error
}

// OutboxWriter enqueues a message inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns the order lifecycle. Every mutation locks the order row, so
// concurrent operations against the same order serialize instead of merging.
type Service struct {
	pool        TxBeginner
	repo        Repository
	ledger      AuditAppender
	outbox      OutboxWriter
	gateway     payment.Gateway
	idGenerator func() string
}

func NewService(pool TxBeginner, repo Repository, ledger AuditAppender, ob OutboxWriter, gateway payment.Gateway) *Service {
	if ledger == nil {
		ledger = audit.NewLedger()
	}
	if ob == nil {
		ob = outbox.Writer{}
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		ledger:      ledger,
		outbox:      ob,
		gateway:     gateway,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// CreateResult bundles the new order with the checkout redirect target.
type CreateResult struct {
	Order       Order
	RedirectURL string
}

// Create places a pending order for the product, snapshotting its price. The
// creation ledger entry commits with the insert; the checkout intent is
// requested afterwards. If the gateway call fails the pending order is
// deleted again so nothing ever references a non-existent intent.
func (s *Service) Create(ctx context.Context, actor identity.Actor, productID string) (CreateResult, error) {
	if err := actor.RequireRole(identity.RoleBuyer); err != nil {
		return CreateResult{}, err
	}
	if productID == "" {
		return CreateResult{}, fault.InvalidRequest("order: product id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	product, err := s.repo.ProductForPurchase(ctx, tx, productID)
	if err != nil {
		return CreateResult{}, err
	}
	if product.SellerID == actor.ID {
		return CreateResult{}, fault.Forbidden("order: buyer cannot purchase their own product")
	}
	if !product.Price.IsPositive() {
		return CreateResult{}, fault.InvalidRequest("order: product price must be positive")
	}

	pid := product.ID
	created, err := s.repo.Insert(ctx, tx, Order{
		ID:                s.idGenerator(),
		ProductID:         &pid,
		BuyerID:           actor.ID,
		SellerID:          product.SellerID,
		Status:            StatusPending,
		Amount:            product.Price,
		BuyerSatisfaction: SatisfactionPending,
	})
	if err != nil {
		return CreateResult{}, err
	}

	entry := audit.Entry{
		Action:         audit.ActionOrderCreated,
		Amount:         created.Amount,
		ActorID:        created.BuyerID,
		CounterpartyID: &created.SellerID,
	}
	if err := s.ledger.Append(ctx, tx, entry); err != nil {
		return CreateResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CreateResult{}, fmt.Errorf("order: commit create: %w", err)
	}

	intent, err := s.gateway.CreateCheckoutIntent(ctx, payment.CheckoutParams{
		BuyerID:         actor.ID,
		OrderID:         created.ID,
		Amount:          created.Amount,
		ItemDescription: product.Title,
	})
	if err != nil {
		if dropErr := s.dropPendingOrder(ctx, created.ID); dropErr != nil {
			return CreateResult{}, errors.Join(err, dropErr)
		}
		return CreateResult{}, err
	}

	finalized, err := s.finalizeCreate(ctx, created, intent)
	if err != nil {
		return CreateResult{}, err
	}

	return CreateResult{Order: finalized, RedirectURL: intent.RedirectURL}, nil
}

// dropPendingOrder compensates a failed checkout-intent call.
func (s *Service) dropPendingOrder(ctx context.Context, orderID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("order: begin compensation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Delete(ctx, tx, orderID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Service) finalizeCreate(ctx context.Context, created Order, intent payment.CheckoutIntent) (Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin finalize tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.SetTransactionID(ctx, tx, created.ID, intent.IntentID); err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit finalize: %w", err)
	}

	txnID := intent.IntentID
	created.TransactionID = &txnID
	return created, nil
}

// ConfirmPayment applies a verified payment-completed webhook. Duplicate
// deliveries and already-confirmed orders are no-ops, not errors.
func (s *Service) ConfirmPayment(ctx context.Context, event payment.CompletedEvent) error {
	if event.EventID == "" || event.OrderID == "" {
		return fault.InvalidRequest("order: payment event missing ids")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.ReserveEvent(ctx, tx, event.EventID); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return nil
		}
		return err
	}

	ord, err := s.repo.GetForUpdate(ctx, tx, event.OrderID)
	if err != nil {
		return err
	}
	if ord.Status != StatusPending {
		// Already processed through another delivery of the same payment.
		return nil
	}
	if !CanTransition(ord.Status, StatusEscrow) {
		return TransitionError(ord.Status, StatusEscrow)
	}

	if err := s.repo.UpdateStatus(ctx, tx, ord.ID, StatusEscrow); err != nil {
		return err
	}

	entry := audit.Entry{
		Action:         audit.ActionPaymentConfirmed,
		Amount:         ord.Amount,
		ActorID:        ord.BuyerID,
		CounterpartyID: &ord.SellerID,
	}
	if err := s.ledger.Append(ctx, tx, entry); err != nil {
		return err
	}

	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicPaymentConfirmed, map[string]any{
		"order_id":               ord.ID,
		"gateway_transaction_id": event.GatewayTransactionID,
		"amount":                 ord.Amount.String(),
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("order: commit payment confirmation: %w", err)
	}
	return nil
}

// Cancel deletes a pending order. Only the owning buyer may cancel, and only
// before money has moved into escrow.
func (s *Service) Cancel(ctx context.Context, actor identity.Actor, orderID string) error {
	if err := actor.RequireRole(identity.RoleBuyer); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := s.repo.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if ord.BuyerID != actor.ID {
		return fault.Forbidden("order: %s does not belong to buyer", orderID)
	}
	if ord.Status != StatusPending {
		return fault.InvalidState("order: only pending orders can be cancelled, status is %s", ord.Status)
	}

	if err := s.repo.Delete(ctx, tx, ord.ID); err != nil {
		return err
	}

	entry := audit.Entry{
		Action:         audit.ActionOrderCancelled,
		Amount:         ord.Amount,
		ActorID:        actor.ID,
		CounterpartyID: &ord.SellerID,
	}
	if err := s.ledger.Append(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("order: commit cancel: %w", err)
	}
	return nil
}

// SelectDeliveryOptions records the carriers the buyer approves for
// shipment. The set is chosen once and must come from the known carrier set.
func (s *Service) SelectDeliveryOptions(ctx context.Context, actor identity.Actor, orderID string, options []string) error {
	if err := actor.RequireRole(identity.RoleBuyer); err != nil {
		return err
	}
	if len(options) == 0 {
		return fault.InvalidRequest("order: at least one delivery option required")
	}
	seen := make(map[string]bool, len(options))
	cleaned := make([]string, 0, len(options))
	for _, opt := range options {
		if !ValidCarrier(opt) {
			return fault.InvalidRequest("order: unknown carrier %q", opt)
		}
		if !seen[opt] {
			seen[opt] = true
			cleaned = append(cleaned, opt)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := s.repo.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if ord.BuyerID != actor.ID {
		return fault.Forbidden("order: %s does not belong to buyer", orderID)
	}
	if len(ord.DeliveryOptions) > 0 {
		return fault.InvalidState("order: delivery options already selected")
	}
	switch ord.Status {
	case StatusPending, StatusEscrow, StatusHeld:
	default:
		return fault.InvalidState("order: delivery options cannot change after shipment, status is %s", ord.Status)
	}

	if err := s.repo.SetDeliveryOptions(ctx, tx, ord.ID, cleaned); err != nil {
		return err
	}

	entry := audit.Entry{
		Action:         audit.ActionDeliverySelected,
		Amount:         decimal.Zero,
		ActorID:        actor.ID,
		CounterpartyID: &ord.SellerID,
	}
	if err := s.ledger.Append(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("order: commit delivery options: %w", err)
	}
	return nil
}

// ConfirmShipping moves an escrowed order to shipped. The provider must be
// one the buyer approved.
func (s *Service) ConfirmShipping(ctx context.Context, actor identity.Actor, orderID, provider, tracking string) error {
	if err := actor.RequireRole(identity.RoleSeller); err != nil {
		return err
	}
	if provider == "" || tracking == "" {
		return fault.InvalidRequest("order: shipping provider and tracking number required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := s.repo.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if ord.SellerID != actor.ID {
		return fault.Forbidden("order: %s does not belong to seller", orderID)
	}
	if ord.Status != StatusEscrow && ord.Status != StatusHeld {
		return TransitionError(ord.Status, StatusShipped)
	}
	if len(ord.DeliveryOptions) == 0 {
		return fault.PreconditionFailed("order: buyer has not approved delivery options yet")
	}
	if !ord.ApprovedCarrier(provider) {
		return fault.InvalidRequest("order: provider %q is not in the buyer-approved set", provider)
	}

	if err := s.repo.SetShipping(ctx, tx, ord.ID, provider, tracking); err != nil {
		return err
	}

	entry := audit.Entry{
		Action:         audit.ActionShippingConfirmed,
		Amount:         decimal.Zero,
		ActorID:        actor.ID,
		CounterpartyID: &ord.SellerID,
	}
	if err := s.ledger.Append(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("order: commit shipping: %w", err)
	}
	return nil
}

// MarkSatisfaction records the buyer's one-shot verdict. Informational only;
// it never drives a status transition.
func (s *Service) MarkSatisfaction(ctx context.Context, actor identity.Actor, orderID string, value Satisfaction) error {
	if err := actor.RequireRole(identity.RoleBuyer); err != nil {
		return err
	}
	if value != SatisfactionSatisfied && value != SatisfactionFine {
		return fault.InvalidRequest("order: satisfaction must be satisfied or fine, got %q", value)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := s.repo.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if ord.BuyerID != actor.ID {
		return fault.Forbidden("order: %s does not belong to buyer", orderID)
	}
	if ord.BuyerSatisfaction != SatisfactionPending {
		return fault.InvalidState("order: satisfaction already recorded as %s", ord.BuyerSatisfaction)
	}
	switch ord.Status {
	case StatusEscrow, StatusHeld, StatusShipped:
	default:
		return fault.InvalidState("order: satisfaction cannot be marked while status is %s", ord.Status)
	}

	if err := s.repo.SetSatisfaction(ctx, tx, ord.ID, value); err != nil {
		return err
	}

	entry := audit.Entry{
		Action:         audit.ActionSatisfactionMarked,
		Amount:         decimal.Zero,
		ActorID:        actor.ID,
		CounterpartyID: &ord.SellerID,
	}
	if err := s.ledger.Append(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("order: commit satisfaction: %w", err)
	}
	return nil
}

// ForceCancel lets an admin cancel a pending or shipped order.
func (s *Service) ForceCancel(ctx context.Context, actor identity.Actor, orderID string) error {
	if err := actor.RequireRole(identity.RoleAdmin); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := s.repo.GetForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if ord.Status != StatusPending && ord.Status != StatusShipped {
		return TransitionError(ord.Status, StatusCancelled)
	}

	if err := s.repo.UpdateStatus(ctx, tx, ord.ID, StatusCancelled); err != nil {
		return err
	}

	entry := audit.Entry{
		Action:         audit.ActionOrderCancelled,
		Amount:         ord.Amount,
		ActorID:        actor.ID,
		CounterpartyID: &ord.SellerID,
	}
	if err := s.ledger.Append(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("order: commit force cancel: %w", err)
	}
	return nil
}

// Get returns an order visible to its buyer, its seller, or an admin.
func (s *Service) Get(ctx context.Context, actor identity.Actor, orderID string) (Order, error) {
	ord, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if actor.Role != identity.RoleAdmin && ord.BuyerID != actor.ID && ord.SellerID != actor.ID {
		return Order{}, fault.Forbidden("order: %s is not visible to this actor", orderID)
	}
	return ord, nil
}

// ListForBuyer returns the actor's purchases, newest first.
func (s *Service) ListForBuyer(ctx context.Context, actor identity.Actor) ([]Order, error) {
	if err := actor.RequireRole(identity.RoleBuyer); err != nil {
		return nil, err
	}
	return s.repo.ListByBuyer(ctx, actor.ID)
}

// ListForSeller returns the actor's sales, newest first.
func (s *Service) ListForSeller(ctx context.Context, actor identity.Actor) ([]Order, error) {
	if err := actor.RequireRole(identity.RoleSeller); err != nil {
		return nil, err
	}
	return s.repo.ListBySeller(ctx, actor.ID)
}

// ListAll returns recent orders for the admin panel.
func (s *Service) ListAll(ctx context.Context, actor identity.Actor, limit int) ([]Order, error) {
	if err := actor.RequireRole(identity.RoleAdmin); err != nil {
		return nil, err
	}
	return s.repo.ListAll(ctx, limit)
}

// AmountStats aggregates order amounts for the admin panel. The retrieval is
// itself audited.
func (s *Service) AmountStats(ctx context.Context, actor identity.Actor) (Stats, error) {
	if err := actor.RequireRole(identity.RoleAdmin); err != nil {
		return Stats{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stats, err := s.repo.AmountStats(ctx, tx)
	if err != nil {
		return Stats{}, err
	}

	entry := audit.Entry{
		Action:  audit.ActionStatsRetrieved,
		Amount:  stats.Total,
		ActorID: actor.ID,
	}
	if err := s.ledger.Append(ctx, tx, entry); err != nil {
		return Stats{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Stats{}, fmt.Errorf("order: commit stats: %w", err)
	}
	return stats, nil
}
