package audit

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one append-only record of a financially or access-relevant action.
// Amount is the monetary magnitude of the action and may be zero.
type Entry struct {
	ID             int64
	Action         string
	Amount         decimal.Decimal
	ActorID        string
	CounterpartyID *string
	CreatedAt      time.Time
}

// Action labels written by the lifecycle services.
const (
	ActionOrderCreated       = "Order Created"
	ActionOrderCancelled     = "Order Cancelled"
	ActionPaymentConfirmed   = "Payment Confirmed"
	ActionDeliverySelected   = "Delivery Options Selected"
	ActionShippingConfirmed  = "Shipping Confirmed"
	ActionSatisfactionMarked = "Satisfaction Marked"
	ActionDisputeRaised      = "Dispute Raised"
	ActionDisputeResolved    = "Dispute Resolved"
	ActionEscrowReleased     = "Escrow Released"
	ActionProductRemoved     = "Product Removed"
	ActionStatsRetrieved     = "Amount Stats Retrieved"
)
