package dispute

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"relicflow/audit"
	"relicflow/escrow"
	"relicflow/fault"
	"relicflow/identity"
	"relicflow/order"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AuditAppender records one ledger entry inside the active transaction.
type AuditAppender interface {
	Append(ctx context.Context, tx pgx.Tx, entry audit.Entry) error
}

// EscrowReleaser releases an order's escrow inside the caller's transaction.
// The order row must already be locked.
type EscrowReleaser interface {
	ReleaseWithinTx(ctx context.Context, tx pgx.Tx, ord order.Order) (escrow.PayoutInstruction, error)
}

// Service owns the dispute lifecycle: buyers raise, admins resolve.
type Service struct {
	pool        TxBeginner
	repo        Repository
	ledger      AuditAppender
	releaser    EscrowReleaser
	idGenerator func() string
}

func NewService(pool TxBeginner, repo Repository, ledger AuditAppender, releaser EscrowReleaser) *Service {
	if ledger == nil {
		ledger = audit.NewLedger()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		ledger:      ledger,
		releaser:    releaser,
		idGenerator: func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Raise opens a dispute on an order the buyer owns. The order moves to
// disputed and its satisfaction flag is overwritten in the same transaction.
func (s *Service) Raise(ctx context.Context, actor identity.Actor, orderID, reason string, evidence []string) (Dispute, error) {
	if err := actor.RequireRole(identity.RoleBuyer); err != nil {
		return Dispute{}, err
	}
	if reason == "" {
		return Dispute{}, fault.InvalidRequest("dispute: reason required")
	}
	if len(evidence) < MinEvidence || len(evidence) > MaxEvidence {
		return Dispute{}, fault.InvalidRequest("dispute: evidence count must be between %d and %d, got %d", MinEvidence, MaxEvidence, len(evidence))
	}
	for _, e := range evidence {
		if e == "" {
			return Dispute{}, fault.InvalidRequest("dispute: empty evidence reference")
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ord, err := s.repo.GetOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return Dispute{}, err
	}
	if ord.BuyerID != actor.ID {
		return Dispute{}, fault.Forbidden("dispute: order %s does not belong to buyer", orderID)
	}
	if !order.CanTransition(ord.Status, order.StatusDisputed) {
		return Dispute{}, order.TransitionError(ord.Status, order.StatusDisputed)
	}

	rec, err := s.repo.Insert(ctx, tx, Dispute{
		ID:       s.idGenerator(),
		OrderID:  ord.ID,
		BuyerID:  ord.BuyerID,
		SellerID: ord.SellerID,
		Reason:   reason,
		Evidence: evidence,
	})
	if err != nil {
		return Dispute{}, err
	}

	if err := s.repo.SetOrderDisputed(ctx, tx, ord.ID); err != nil {
		return Dispute{}, err
	}

	entry := audit.Entry{
		Action:         audit.ActionDisputeRaised,
		Amount:         ord.Amount,
		ActorID:        actor.ID,
		CounterpartyID: &ord.SellerID,
	}
	if err := s.ledger.Append(ctx, tx, entry); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit raise: %w", err)
	}
	return rec, nil
}

// Resolve closes an open dispute with a ruling. Refunding the buyer moves the
// order to refunded; ruling for the seller releases the escrow, which also
// completes the order. Either way exactly one audit entry is written.
func (s *Service) Resolve(ctx context.Context, actor identity.Actor, disputeID string, outcome Outcome, resolution string) (Dispute, error) {
	if err := actor.RequireRole(identity.RoleAdmin); err != nil {
		return Dispute{}, err
	}
	if !ValidOutcome(outcome) {
		return Dispute{}, fault.InvalidRequest("dispute: unknown outcome %q", outcome)
	}
	if resolution == "" {
		return Dispute{}, fault.InvalidRequest("dispute: resolution note required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if rec.Status != StatusOpen {
		return Dispute{}, fault.InvalidState("dispute: %s already resolved", disputeID)
	}

	ord, err := s.repo.GetOrderForUpdate(ctx, tx, rec.OrderID)
	if err != nil {
		return Dispute{}, err
	}
	if ord.Status != order.StatusDisputed {
		return Dispute{}, fault.InvalidState("dispute: order %s is not disputed, status is %s", ord.ID, ord.Status)
	}

	switch outcome {
	case OutcomeRefundBuyer:
		if err := s.repo.SetOrderStatus(ctx, tx, ord.ID, order.StatusRefunded); err != nil {
			return Dispute{}, err
		}
	case OutcomeReleaseToSeller:
		// The payout instruction rides the outbox; the ruling only needs
		// the release to succeed.
		if _, err := s.releaser.ReleaseWithinTx(ctx, tx, ord); err != nil {
			return Dispute{}, err
		}
	}

	if err := s.repo.MarkResolved(ctx, tx, disputeID, outcome, resolution, actor.ID); err != nil {
		return Dispute{}, err
	}

	entry := audit.Entry{
		Action:         audit.ActionDisputeResolved,
		Amount:         ord.Amount,
		ActorID:        actor.ID,
		CounterpartyID: &ord.BuyerID,
	}
	if err := s.ledger.Append(ctx, tx, entry); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}

	return s.repo.Get(ctx, disputeID)
}

// Get returns a dispute visible to its buyer, its seller, or an admin.
func (s *Service) Get(ctx context.Context, actor identity.Actor, disputeID string) (Dispute, error) {
	rec, err := s.repo.Get(ctx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if actor.Role != identity.RoleAdmin && rec.BuyerID != actor.ID && rec.SellerID != actor.ID {
		return Dispute{}, fault.Forbidden("dispute: %s is not visible to this actor", disputeID)
	}
	return rec, nil
}

// List returns disputes, optionally filtered by status. Admins see every
// dispute; buyers see only the ones they raised.
func (s *Service) List(ctx context.Context, actor identity.Actor, status Status, limit int) ([]Dispute, error) {
	if status != "" && status != StatusOpen && status != StatusResolved {
		return nil, fault.InvalidRequest("dispute: unknown status filter %q", status)
	}

	switch actor.Role {
	case identity.RoleAdmin:
		return s.repo.List(ctx, status, limit)
	case identity.RoleBuyer:
		return s.repo.ListByBuyer(ctx, actor.ID, status, limit)
	default:
		return nil, fault.Forbidden("dispute: role %s cannot list disputes", actor.Role)
	}
}
