package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog record consumed at purchase time. Price and seller
// are snapshotted onto the order; the order never live-links the product.
type Product struct {
	ID          string
	SellerID    string
	Title       string
	Description string
	Price       decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
