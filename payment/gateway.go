// Package payment holds the boundary with the external checkout gateway: the
// outbound checkout-intent call and the inbound signed completion webhook.
// The gateway moves the money; this engine only records the resulting state.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"relicflow/fault"
)

// CheckoutParams describe the purchase an intent is created for.
type CheckoutParams struct {
	BuyerID         string
	OrderID         string
	Amount          decimal.Decimal
	ItemDescription string
}

// CheckoutIntent is the gateway's handle for a pending payment.
type CheckoutIntent struct {
	IntentID    string
	RedirectURL string
}

// Gateway creates checkout intents with the external payment provider.
type Gateway interface {
	CreateCheckoutIntent(ctx context.Context, params CheckoutParams) (CheckoutIntent, error)
}

// HTTPGateway calls the provider over HTTP with a bounded timeout. Transport
// failures and non-2xx responses surface as GatewayUnavailable so callers can
// roll back local state and retry later.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) CreateCheckoutIntent(ctx context.Context, params CheckoutParams) (CheckoutIntent, error) {
	if params.OrderID == "" || params.BuyerID == "" {
		return CheckoutIntent{}, fault.InvalidRequest("payment: order and buyer ids required")
	}

	body, err := json.Marshal(map[string]any{
		"buyer_id":         params.BuyerID,
		"order_id":         params.OrderID,
		"amount":           params.Amount.String(),
		"item_description": params.ItemDescription,
	})
	if err != nil {
		return CheckoutIntent{}, fmt.Errorf("payment: marshal intent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/checkout/intents", bytes.NewReader(body))
	if err != nil {
		return CheckoutIntent{}, fmt.Errorf("payment: build intent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return CheckoutIntent{}, fault.GatewayUnavailable("payment: checkout intent call failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return CheckoutIntent{}, fault.GatewayUnavailable("payment: gateway returned status %d", resp.StatusCode)
	}

	var out struct {
		IntentID    string `json:"intent_id"`
		RedirectURL string `json:"redirect_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CheckoutIntent{}, fault.GatewayUnavailable("payment: decode intent response: %v", err)
	}
	if out.IntentID == "" {
		return CheckoutIntent{}, fault.GatewayUnavailable("payment: gateway returned empty intent id")
	}

	return CheckoutIntent{IntentID: out.IntentID, RedirectURL: out.RedirectURL}, nil
}
