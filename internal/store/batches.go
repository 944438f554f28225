package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchWithConfig bundles a batch and its resolved send config, the shape
// C7 needs for a single lookup per spec §4.7 step 1.
type BatchWithConfig struct {
	Batch      *Batch
	SendConfig *SendConfig
}

func (db *DB) GetBatchWithConfig(ctx context.Context, batchID uuid.UUID) (*BatchWithConfig, error) {
	batch, err := db.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	var cfg *SendConfig
	if batch.SendConfigID != nil {
		cfg, err = db.GetSendConfig(ctx, *batch.SendConfigID)
		if err != nil {
			return nil, err
		}
	}

	return &BatchWithConfig{Batch: batch, SendConfig: cfg}, nil
}

func (db *DB) GetBatch(ctx context.Context, batchID uuid.UUID) (*Batch, error) {
	const query = `SELECT id, user_id, send_config_id, status, total_recipients, sent_count,
		failed_count, delivered_count, bounced_count, payload, created_at, started_at,
		completed_at, dry_run FROM batches WHERE id = $1`

	var b Batch
	var payloadRaw []byte
	err := db.QueryRowContext(ctx, query, batchID).Scan(
		&b.ID, &b.UserID, &b.SendConfigID, &b.Status, &b.TotalRecipients, &b.SentCount,
		&b.FailedCount, &b.DeliveredCount, &b.BouncedCount, &payloadRaw, &b.CreatedAt,
		&b.StartedAt, &b.CompletedAt, &b.DryRun)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("batch not found: %s", batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	if len(payloadRaw) > 0 {
		if err := json.Unmarshal(payloadRaw, &b.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode batch payload: %w", err)
		}
	}

	return &b, nil
}

// MarkProcessing transitions a batch from queued to processing (spec §4.7
// step 2), setting startedAt. Idempotent: a no-op if already processing.
func (db *DB) MarkProcessing(ctx context.Context, batchID uuid.UUID) error {
	const query = `UPDATE batches SET status = $2, started_at = COALESCE(started_at, $3)
		WHERE id = $1 AND status = $4`
	_, err := db.ExecContext(ctx, query, batchID, BatchProcessing, time.Now(), BatchQueued)
	return err
}

// CountPendingRecipients counts recipients still in the pending status
// (spec §4.7 step 3).
func (db *DB) CountPendingRecipients(ctx context.Context, batchID uuid.UUID) (int, error) {
	const query = `SELECT COUNT(*) FROM recipients WHERE batch_id = $1 AND status = $2`
	var n int
	err := db.QueryRowContext(ctx, query, batchID, RecipientPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending recipients: %w", err)
	}
	return n, nil
}

// MirrorCounters updates the durable sent/failed counters from hot state
// (spec §4.9 step 5). Last writer wins by design (commutative counter
// mirror, spec §4.9 "Concurrency").
func (db *DB) MirrorCounters(ctx context.Context, batchID uuid.UUID, sent, failed int) error {
	const query = `UPDATE batches SET sent_count = $2, failed_count = $3 WHERE id = $1`
	_, err := db.ExecContext(ctx, query, batchID, sent, failed)
	return err
}

// CompleteBatch marks a batch completed if it is not already (spec §4.9
// step 6). Returns whether this call performed the transition.
func (db *DB) CompleteBatch(ctx context.Context, batchID uuid.UUID) (bool, error) {
	const query = `UPDATE batches SET status = $2, completed_at = $3
		WHERE id = $1 AND status <> $2`
	res, err := db.ExecContext(ctx, query, batchID, BatchCompleted, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to complete batch: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// FailBatch marks a batch failed, used when enqueue failures exceed the
// tolerance threshold in spec §4.7 step 6.
func (db *DB) FailBatch(ctx context.Context, batchID uuid.UUID) error {
	const query = `UPDATE batches SET status = $2 WHERE id = $1 AND status NOT IN ($3, $4)`
	_, err := db.ExecContext(ctx, query, batchID, BatchFailed, BatchCompleted, BatchFailed)
	return err
}

func (db *DB) IsPaused(b *Batch) bool {
	return b.Status == BatchPaused
}
