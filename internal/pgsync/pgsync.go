// Package pgsync implements the Postgres sync service (spec §4.9, C9):
// periodically drains each active batch's pending-sync set from hot state
// and bulk-applies terminal outcomes to the durable store. Grounded on the
// teacher's internal/db/connection_pool.go health-monitor ticker shape and
// internal/persistence's bulk patterns, generalized to the multi-status
// bulk-apply spec §4.9 describes.
package pgsync

import (
	"context"
	"sync/atomic"
	"time"

	"batchsender/internal/hotstate"
	"batchsender/internal/observability"
	"batchsender/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Service struct {
	db       *store.DB
	hotstate *hotstate.Manager
	logger   *zap.Logger
	metrics  *observability.Metrics

	interval            time.Duration
	maxRecipientsPerSync int64

	running atomic.Bool
}

func New(db *store.DB, hs *hotstate.Manager, logger *zap.Logger, metrics *observability.Metrics, interval time.Duration, maxRecipientsPerSync int) *Service {
	return &Service{
		db:                   db,
		hotstate:             hs,
		logger:               logger,
		metrics:              metrics,
		interval:             interval,
		maxRecipientsPerSync: int64(maxRecipientsPerSync),
	}
}

// Run loops every interval until ctx is cancelled, then performs one final
// cycle before returning (spec §4.9 "Shutdown").
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync service shutting down, running final cycle")
			s.runCycle(context.Background())
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

// runCycle guards against overlapping cycles on a single replica (spec
// §4.9 "Concurrency" — isRunning guard); multiple replicas racing is
// acceptable by design.
func (s *Service) runCycle(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	batchIDs, err := s.hotstate.GetActiveBatchIds(ctx)
	if err != nil {
		s.logger.Warn("sync cycle: get active batch ids failed", zap.Error(err))
		return
	}

	for _, batchID := range batchIDs {
		if err := s.syncBatch(ctx, batchID); err != nil {
			s.logger.Warn("sync cycle: batch sync failed", zap.String("batch_id", batchID), zap.Error(err))
		}
	}
}

func (s *Service) syncBatch(ctx context.Context, batchID string) error {
	pending, err := s.hotstate.GetPendingSyncRecipients(ctx, batchID, s.maxRecipientsPerSync)
	if err != nil {
		return err
	}

	if len(pending) > 0 {
		if err := s.applyPending(ctx, batchID, pending); err != nil {
			return err
		}
	}

	return s.maybeFinalize(ctx, batchID, len(pending) == 0)
}

func (s *Service) applyPending(ctx context.Context, batchID string, pending []string) error {
	states, err := s.hotstate.GetRecipientStates(ctx, batchID, pending)
	if err != nil {
		return err
	}

	results := make([]store.TerminalResult, 0, len(states))
	for recipientID, state := range states {
		id, err := uuid.Parse(recipientID)
		if err != nil {
			continue
		}
		results = append(results, store.TerminalResult{
			RecipientID:       id,
			Status:            state.Status,
			ProviderMessageID: state.ProviderMessageID,
			ErrorMessage:      state.ErrorMessage,
			At:                timeFromUnixMs(state.SentAtUnixMs),
		})
	}

	applied, err := s.db.BulkApplyTerminal(ctx, results)
	if err != nil {
		return err
	}

	appliedStrs := make([]string, len(applied))
	for i, id := range applied {
		appliedStrs[i] = id.String()
	}
	if err := s.hotstate.MarkSynced(ctx, batchID, appliedStrs); err != nil {
		return err
	}

	batchUUID, err := uuid.Parse(batchID)
	if err != nil {
		return err
	}
	counters, err := s.hotstate.GetCounters(ctx, batchID)
	if err != nil {
		return err
	}
	if err := s.db.MirrorCounters(ctx, batchUUID, int(counters.Sent), int(counters.Failed)); err != nil {
		return err
	}

	return nil
}

func (s *Service) maybeFinalize(ctx context.Context, batchID string, pendingEmpty bool) error {
	if !pendingEmpty {
		return nil
	}
	complete, err := s.hotstate.IsBatchComplete(ctx, batchID)
	if err != nil || !complete {
		return err
	}

	batchUUID, err := uuid.Parse(batchID)
	if err != nil {
		return err
	}

	transitioned, err := s.db.CompleteBatch(ctx, batchUUID)
	if err != nil {
		return err
	}
	if transitioned {
		if err := s.hotstate.MarkBatchCompleted(ctx, batchID); err != nil {
			s.logger.Warn("mark batch completed failed after durable completion", zap.Error(err))
		}
		s.metrics.BatchesProcessedTotal.WithLabelValues(string(store.BatchCompleted)).Inc()
		s.logger.Info("batch completed via sync cycle", zap.String("batch_id", batchID))
	}
	return nil
}

func timeFromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
