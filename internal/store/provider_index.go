package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// ProviderIndexEntry maps a provider's opaque message id back to the
// (recipient, batch, user) triple, populated by C8 on successful email
// sends and consulted by C10 during webhook enrichment (spec GLOSSARY
// "Provider-message-id index").
type ProviderIndexEntry struct {
	ProviderMessageID string
	BatchID           uuid.UUID
	RecipientID       uuid.UUID
	UserID            uuid.UUID
}

func (db *DB) RecordProviderMessageID(ctx context.Context, entry ProviderIndexEntry) error {
	const query = `INSERT INTO provider_message_index (provider_message_id, batch_id, recipient_id, user_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider_message_id) DO NOTHING`
	_, err := db.ExecContext(ctx, query, entry.ProviderMessageID, entry.BatchID, entry.RecipientID, entry.UserID)
	if err != nil {
		return fmt.Errorf("failed to record provider message index entry: %w", err)
	}
	return nil
}

func (db *DB) LookupProviderMessageID(ctx context.Context, providerMessageID string) (*ProviderIndexEntry, error) {
	const query = `SELECT provider_message_id, batch_id, recipient_id, user_id
		FROM provider_message_index WHERE provider_message_id = $1`
	var e ProviderIndexEntry
	err := db.QueryRowContext(ctx, query, providerMessageID).Scan(&e.ProviderMessageID, &e.BatchID, &e.RecipientID, &e.UserID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("provider message id not indexed: %s", providerMessageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up provider message index entry: %w", err)
	}
	return &e, nil
}
