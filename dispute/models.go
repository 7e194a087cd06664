package dispute

import "time"

// Status tracks whether a dispute still owns its order's fate.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Outcome is the admin's ruling on a resolved dispute.
type Outcome string

const (
	OutcomeRefundBuyer     Outcome = "refund_buyer"
	OutcomeReleaseToSeller Outcome = "release_to_seller"
)

// ValidOutcome reports whether o is a known ruling.
func ValidOutcome(o Outcome) bool {
	return o == OutcomeRefundBuyer || o == OutcomeReleaseToSeller
}

// Evidence bounds. A dispute without evidence is not actionable, and the
// original intake caps attachments at ten.
const (
	MinEvidence = 1
	MaxEvidence = 10
)

// Dispute is a buyer's formal challenge of one order. At most one open
// dispute may exist per order; the table enforces this with a partial unique
// index.
type Dispute struct {
	ID         string
	OrderID    string
	BuyerID    string
	SellerID   string
	Reason     string
	Evidence   []string
	Status     Status
	Outcome    *Outcome
	Resolution *string
	ResolvedBy *string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}
