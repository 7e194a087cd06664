package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Satisfaction is the buyer's informational verdict on an order. It never
// gates a status transition and flips exactly once away from pending.
type Satisfaction string

const (
	SatisfactionPending   Satisfaction = "pending"
	SatisfactionSatisfied Satisfaction = "satisfied"
	SatisfactionFine      Satisfaction = "fine"
	SatisfactionDisputed  Satisfaction = "disputed"
)

// Carriers is the fixed set of shipping providers a buyer may approve.
var Carriers = []string{"DHL", "FedEx", "UPS", "TCS", "Leopards"}

// ValidCarrier reports whether name is one of the approved-set candidates.
func ValidCarrier(name string) bool {
	for _, c := range Carriers {
		if c == name {
			return true
		}
	}
	return false
}

// Order is one purchase of one product by one buyer from one seller.
// ProductID is nullable because a product may be force-removed after the
// order reaches a terminal state; Amount was snapshotted at purchase and is
// immutable, so the record stays self-contained.
type Order struct {
	ID                string
	ProductID         *string
	BuyerID           string
	SellerID          string
	Status            Status
	Amount            decimal.Decimal
	EscrowRelease     bool
	BuyerSatisfaction Satisfaction
	TransactionID     *string
	DeliveryOptions   []string
	ShippingProvider  *string
	TrackingNumber    *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ApprovedCarrier reports whether the buyer pre-approved the given provider.
func (o Order) ApprovedCarrier(provider string) bool {
	for _, c := range o.DeliveryOptions {
		if c == provider {
			return true
		}
	}
	return false
}

// Stats aggregates order amounts for the admin dashboard.
type Stats struct {
	Count   int64
	Total   decimal.Decimal
	Average decimal.Decimal
	Min     decimal.Decimal
	Max     decimal.Decimal
}
