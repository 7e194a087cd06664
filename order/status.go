package order

import "relicflow/fault"

// Status is the order's position in the lifecycle state machine.
type Status string

const (
	// StatusPending awaits payment; the only deletable state.
	StatusPending Status = "pending"
	// StatusEscrow holds captured funds not yet released to the seller.
	StatusEscrow Status = "escrow"
	// StatusHeld is escrow with the release administratively held back.
	StatusHeld Status = "held"
	// StatusShipped means the seller confirmed a buyer-approved carrier.
	StatusShipped Status = "shipped"
	// StatusCompleted is terminal: escrow released to the seller.
	StatusCompleted Status = "completed"
	// StatusDisputed means an open dispute owns the order's fate.
	StatusDisputed Status = "disputed"
	// StatusRefunded is terminal: dispute resolved in the buyer's favor.
	StatusRefunded Status = "refunded"
	// StatusCancelled is terminal: admin force-cancel.
	StatusCancelled Status = "cancelled"
)

// transitions is the authoritative edge table. Anything absent here is
// rejected; the engine never silently no-ops a disallowed transition.
// Buyer cancellation of a pending order deletes the row instead of
// transitioning, so it does not appear as an edge.
var transitions = map[Status][]Status{
	StatusPending:  {StatusEscrow, StatusCancelled},
	StatusEscrow:   {StatusHeld, StatusShipped, StatusDisputed, StatusCompleted},
	StatusHeld:     {StatusShipped, StatusDisputed, StatusCompleted},
	StatusShipped:  {StatusCompleted, StatusDisputed, StatusCancelled},
	StatusDisputed: {StatusCompleted, StatusRefunded},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError names the rejected edge.
func TransitionError(from, to Status) error {
	return fault.InvalidState("order: invalid transition %s -> %s", from, to)
}

// Terminal reports whether no edge leaves the status.
func Terminal(s Status) bool {
	return len(transitions[s]) == 0
}

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusEscrow, StatusHeld, StatusShipped,
		StatusCompleted, StatusDisputed, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}
