package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PageRecipients returns up to pageSize pending recipients with id greater
// than afterID (keyset pagination), so the orchestrator never loads an
// entire batch's recipients into memory (spec §4.7 step 5).
func (db *DB) PageRecipients(ctx context.Context, batchID uuid.UUID, afterID uuid.UUID, pageSize int) ([]*Recipient, error) {
	const query = `SELECT id, batch_id, identifier, name, variables, status, provider_message_id,
		sent_at, delivered_at, bounced_at, error_message
		FROM recipients WHERE batch_id = $1 AND status = $2 AND id > $3
		ORDER BY id LIMIT $4`

	rows, err := db.QueryContext(ctx, query, batchID, RecipientPending, afterID, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to page recipients: %w", err)
	}
	defer rows.Close()

	var out []*Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecipient(rs rowScanner) (*Recipient, error) {
	var r Recipient
	var varsRaw []byte
	err := rs.Scan(&r.ID, &r.BatchID, &r.Identifier, &r.Name, &varsRaw, &r.Status,
		&r.ProviderMessageID, &r.SentAt, &r.DeliveredAt, &r.BouncedAt, &r.ErrorMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to scan recipient: %w", err)
	}
	if len(varsRaw) > 0 {
		if err := json.Unmarshal(varsRaw, &r.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode recipient variables: %w", err)
		}
	}
	return &r, nil
}

// MarkRecipientsQueued bulk-transitions a page of recipients to queued
// (spec §4.7 step 5a).
func (db *DB) MarkRecipientsQueued(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	const query = `UPDATE recipients SET status = $1 WHERE id = ANY($2)`
	_, err := db.ExecContext(ctx, query, RecipientQueued, pq.Array(uuidStrings(ids)))
	return err
}

// TerminalResult is one recipient's terminal hot-state outcome, as read back
// from C3 by the sync service (spec §4.9 step 3).
type TerminalResult struct {
	RecipientID       uuid.UUID
	Status            RecipientStatus
	ProviderMessageID string
	ErrorMessage      string
	At                time.Time
}

// BulkApplyTerminal groups results by status and issues one UPDATE per
// status group (spec §4.9 step 4), returning the ids that were applied so
// the caller can mark them synced.
func (db *DB) BulkApplyTerminal(ctx context.Context, results []TerminalResult) ([]uuid.UUID, error) {
	if len(results) == 0 {
		return nil, nil
	}

	byStatus := map[RecipientStatus][]TerminalResult{}
	for _, r := range results {
		byStatus[r.Status] = append(byStatus[r.Status], r)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin terminal-apply tx: %w", err)
	}
	defer tx.Rollback()

	var applied []uuid.UUID
	for status, group := range byStatus {
		ids, err := applyTerminalGroup(ctx, tx, status, group)
		if err != nil {
			return nil, err
		}
		applied = append(applied, ids...)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit terminal-apply tx: %w", err)
	}
	return applied, nil
}

func applyTerminalGroup(ctx context.Context, tx *sql.Tx, status RecipientStatus, group []TerminalResult) ([]uuid.UUID, error) {
	var query string
	switch status {
	case RecipientSent:
		query = `UPDATE recipients SET status = $1, sent_at = $2, provider_message_id = $3, updated_at = now()
			WHERE id = $4`
	default:
		query = `UPDATE recipients SET status = $1, error_message = $2, updated_at = now()
			WHERE id = $3`
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare terminal-apply statement: %w", err)
	}
	defer stmt.Close()

	ids := make([]uuid.UUID, 0, len(group))
	for _, r := range group {
		var err error
		if status == RecipientSent {
			_, err = stmt.ExecContext(ctx, status, r.At, nullableString(r.ProviderMessageID), r.RecipientID)
		} else {
			_, err = stmt.ExecContext(ctx, status, nullableString(r.ErrorMessage), r.RecipientID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to apply terminal result for %s: %w", r.RecipientID, err)
		}
		ids = append(ids, r.RecipientID)
	}
	return ids, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetRecipientByProviderMessageID is the durable-store fallback tier of the
// provider-message-id index lookup (spec §4.10 enrichment).
func (db *DB) GetRecipientByProviderMessageID(ctx context.Context, providerMessageID string) (*Recipient, error) {
	const query = `SELECT id, batch_id, identifier, name, variables, status, provider_message_id,
		sent_at, delivered_at, bounced_at, error_message
		FROM recipients WHERE provider_message_id = $1`

	row := db.QueryRowContext(ctx, query, providerMessageID)
	r, err := scanRecipient(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("recipient not found for provider message id %s", providerMessageID)
	}
	return r, err
}

// GetRecipientStatus is the durable-store fallback for the idempotency
// probe when the hot-state circuit is open (spec §4.3.3, §4.8 step 2).
func (db *DB) GetRecipientStatus(ctx context.Context, recipientID uuid.UUID) (RecipientStatus, error) {
	const query = `SELECT status FROM recipients WHERE id = $1`
	var status RecipientStatus
	err := db.QueryRowContext(ctx, query, recipientID).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("failed to read recipient status: %w", err)
	}
	return status, nil
}

// WebhookApply is one guarded recipient update from the webhook pipeline
// (spec §4.10 step d): only applied if the recipient is currently "sent",
// preserving monotonicity (spec invariant P4).
// WebhookEventClass is the partition spec §4.10 step c sorts decoded
// webhook events into before bulk-apply.
type WebhookEventClass string

const (
	WebhookDelivered WebhookEventClass = "delivered"
	WebhookBounced   WebhookEventClass = "bounced"
	WebhookFailed    WebhookEventClass = "failed"
	WebhookComplained WebhookEventClass = "complained"
)

type WebhookApply struct {
	RecipientID uuid.UUID
	Class       WebhookEventClass
	At          time.Time
	ErrorMsg    string
}

// ApplyWebhookResults bulk-applies one partition class of webhook-derived
// recipient transitions, guarded by "WHERE status='sent'" to preserve
// monotonicity (spec invariant P4, §4.10 step d), and bumps the
// corresponding batch counter capped at totalRecipients (step e).
// "delivered" augments a sent recipient in place (deliveredAt only, status
// unchanged); the others retire the recipient to a new terminal status.
func (db *DB) ApplyWebhookResults(ctx context.Context, batchID uuid.UUID, class WebhookEventClass, results []WebhookApply) (applied int, err error) {
	if len(results) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin webhook-apply tx: %w", err)
	}
	defer tx.Rollback()

	var updateQuery string
	switch class {
	case WebhookDelivered:
		updateQuery = `UPDATE recipients SET delivered_at = $1, updated_at = now()
			WHERE id = $2 AND status = $3`
	case WebhookBounced:
		updateQuery = `UPDATE recipients SET status = $4, bounced_at = $1, error_message = $5, updated_at = now()
			WHERE id = $2 AND status = $3`
	case WebhookFailed:
		updateQuery = `UPDATE recipients SET status = $4, error_message = $5, updated_at = now()
			WHERE id = $2 AND status = $3`
	case WebhookComplained:
		updateQuery = `UPDATE recipients SET status = $4, error_message = $5, updated_at = now()
			WHERE id = $2 AND status = $3`
	default:
		return 0, fmt.Errorf("unknown webhook event class %q", class)
	}

	stmt, err := tx.PrepareContext(ctx, updateQuery)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare webhook-apply statement: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, r := range results {
		var res interface {
			RowsAffected() (int64, error)
		}
		var execErr error
		switch class {
		case WebhookDelivered:
			res, execErr = stmt.ExecContext(ctx, r.At, r.RecipientID, RecipientSent)
		case WebhookBounced:
			res, execErr = stmt.ExecContext(ctx, r.At, r.RecipientID, RecipientSent, RecipientBounced, nullableString(r.ErrorMsg))
		case WebhookFailed:
			res, execErr = stmt.ExecContext(ctx, nil, r.RecipientID, RecipientSent, RecipientFailed, nullableString(r.ErrorMsg))
		case WebhookComplained:
			res, execErr = stmt.ExecContext(ctx, nil, r.RecipientID, RecipientSent, RecipientComplained, nullableString(r.ErrorMsg))
		}
		if execErr != nil {
			return n, fmt.Errorf("failed to apply webhook result for %s: %w", r.RecipientID, execErr)
		}
		rows, _ := res.RowsAffected()
		n += int(rows)
	}

	counterCol := ""
	switch class {
	case WebhookDelivered:
		counterCol = "delivered_count"
	case WebhookBounced:
		counterCol = "bounced_count"
	}
	if counterCol != "" && n > 0 {
		counterQuery := fmt.Sprintf(
			`UPDATE batches SET %s = LEAST(%s + $1, total_recipients) WHERE id = $2`,
			counterCol, counterCol)
		if _, err := tx.ExecContext(ctx, counterQuery, n, batchID); err != nil {
			return n, fmt.Errorf("failed to bump batch counter %s: %w", counterCol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return n, fmt.Errorf("failed to commit webhook-apply tx: %w", err)
	}
	return n, nil
}

// uuidStrings adapts a []uuid.UUID to plain strings for pq.Array bulk-
// membership queries.
func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
