// Package audit provides the append-only ledger every state-changing
// operation writes through. Appends happen inside the caller's transaction so
// the audit entry and the state mutation commit together or not at all.
package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Ledger appends and lists audit entries. Entries are never updated or
// deleted; the table enforces this with a trigger.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Append records an entry inside the active transaction. A failure here must
// abort the surrounding operation; callers never treat it as best-effort.
func (l *Ledger) Append(ctx context.Context, tx pgx.Tx, entry Entry) error {
	if entry.Action == "" {
		return fmt.Errorf("audit: missing action")
	}
	if entry.ActorID == "" {
		return fmt.Errorf("audit: missing actor id")
	}
	if entry.Amount.IsNegative() {
		return fmt.Errorf("audit: negative amount %s", entry.Amount)
	}

	const insertSQL = `
		INSERT INTO audit_log (action, amount, actor_id, counterparty_id)
		VALUES ($1, $2::numeric, $3, $4)
	`
	if _, err := tx.Exec(ctx, insertSQL, entry.Action, entry.Amount.String(), entry.ActorID, entry.CounterpartyID); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// List returns the most recent entries, newest first.
func (l *Ledger) List(ctx context.Context, pool *pgxpool.Pool, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	const query = `
		SELECT id, action, amount::text, actor_id::text, counterparty_id::text, created_at
		FROM audit_log
		ORDER BY id DESC
		LIMIT $1
	`
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			entry  Entry
			amount string
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &amount, &entry.ActorID, &entry.CounterpartyID, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		entry.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("audit: parse amount: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate entries: %w", err)
	}
	return entries, nil
}
