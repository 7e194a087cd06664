// Package outbox implements the transactional outbox used to hand payout
// instructions and payment confirmations to external consumers. Messages are
// enqueued in the same transaction as the state change they announce.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Topics published by the lifecycle services.
const (
	TopicPaymentConfirmed = "order.payment_confirmed"
	TopicPayoutRequested  = "payout.requested"
)

const maxAttempts = 5

// Enqueue writes a message inside the active transaction.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Writer is the enqueue side of the outbox, shaped for injection into the
// lifecycle services.
type Writer struct{}

func (Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return Enqueue(ctx, tx, topic, payload)
}

// Message is a pending outbox row claimed by the relay.
type Message struct {
	ID       string
	Topic    string
	Payload  []byte
	Attempts int
}

// Publisher delivers a claimed message to its external consumer.
type Publisher func(ctx context.Context, msg Message) error

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Relay drains pending messages until the context is cancelled.
type Relay struct {
	pool    TxBeginner
	publish Publisher
	logger  *zap.Logger
	every   time.Duration
}

func NewRelay(pool TxBeginner, publish Publisher, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{pool: pool, publish: publish, logger: logger, every: time.Second}
}

// Run polls the outbox, claiming batches with SKIP LOCKED so multiple relays
// never double-deliver. Delivery failures increment attempts; a message that
// exhausts its attempts is parked as dead. A failed drain is logged and
// retried on the next tick; only context cancellation stops the relay.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drainOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Warn("outbox drain failed", zap.Error(err))
			}
		}
	}
}

func (r *Relay) drainOnce(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 10
	`)
	if err != nil {
		return fmt.Errorf("outbox: claim: %w", err)
	}

	msgs := make([]Message, 0, 10)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Attempts); err != nil {
			rows.Close()
			return fmt.Errorf("outbox: scan: %w", err)
		}
		msgs = append(msgs, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("outbox: iterate: %w", err)
	}

	for _, msg := range msgs {
		if err := r.publish(ctx, msg); err != nil {
			next := "pending"
			if msg.Attempts+1 >= maxAttempts {
				next = "dead"
			}
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, status = $2, last_attempt = NOW() WHERE id = $1`, msg.ID, next); err != nil {
				return fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = NOW() WHERE id = $1`, msg.ID); err != nil {
			return fmt.Errorf("outbox: mark processed: %w", err)
		}
	}

	return tx.Commit(ctx)
}
