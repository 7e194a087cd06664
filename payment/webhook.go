package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relicflow/fault"
)

// CompletedEvent is the normalized payload of a payment-completed webhook.
// EventID doubles as the idempotency key under at-least-once delivery.
type CompletedEvent struct {
	EventID              string `json:"event_id"`
	OrderID              string `json:"order_id"`
	GatewayTransactionID string `json:"gateway_transaction_id"`
}

// DefaultTolerance bounds how stale a webhook timestamp may be.
const DefaultTolerance = 5 * time.Minute

// Sign produces the signature header for a payload: "t=<unix>,v1=<hex hmac>"
// over "<unix>.<payload>". Exported for the gateway simulator and tests.
func Sign(secret []byte, ts time.Time, payload []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(unix))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", unix, hex.EncodeToString(mac.Sum(nil)))
}

// VerifySignature checks the signature header against the raw payload. An
// invalid or stale signature rejects the webhook before any state is touched.
func VerifySignature(secret []byte, header string, payload []byte, now time.Time, tolerance time.Duration) error {
	if header == "" {
		return fault.Forbidden("payment: missing webhook signature")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	var tsPart, sigPart string
	for _, part := range strings.Split(header, ",") {
		switch {
		case strings.HasPrefix(part, "t="):
			tsPart = strings.TrimPrefix(part, "t=")
		case strings.HasPrefix(part, "v1="):
			sigPart = strings.TrimPrefix(part, "v1=")
		}
	}
	if tsPart == "" || sigPart == "" {
		return fault.Forbidden("payment: malformed webhook signature")
	}

	unix, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return fault.Forbidden("payment: malformed webhook timestamp")
	}
	ts := time.Unix(unix, 0)
	if ts.Before(now.Add(-tolerance)) || ts.After(now.Add(tolerance)) {
		return fault.Forbidden("payment: webhook timestamp outside tolerance")
	}

	expected := Sign(secret, ts, payload)
	want := expected[strings.Index(expected, "v1=")+3:]
	if !hmac.Equal([]byte(want), []byte(sigPart)) {
		return fault.Forbidden("payment: webhook signature mismatch")
	}
	return nil
}

// ParseCompletedEvent decodes and validates the webhook payload.
func ParseCompletedEvent(payload []byte) (CompletedEvent, error) {
	var event CompletedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return CompletedEvent{}, fault.InvalidRequest("payment: decode webhook payload: %v", err)
	}
	if event.EventID == "" {
		return CompletedEvent{}, fault.InvalidRequest("payment: webhook missing event_id")
	}
	if event.OrderID == "" {
		return CompletedEvent{}, fault.InvalidRequest("payment: webhook missing order_id")
	}
	return event, nil
}
