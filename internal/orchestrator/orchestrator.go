// Package orchestrator implements the batch orchestrator (spec §4.7, C7):
// the consumer of sys.batch.process that pages recipients, enqueues
// per-recipient jobs, and lazily starts one per-user job consumer.
// Grounded on the teacher's cmd/worker/main.go wiring and internal/worker/
// worker.go's fixed-pool consume loop, generalized from a single SMS queue
// to the paginated multi-module batch handoff spec §4.7 describes.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"batchsender/internal/analytics"
	"batchsender/internal/errtype"
	"batchsender/internal/hotstate"
	"batchsender/internal/module"
	"batchsender/internal/observability"
	"batchsender/internal/queue"
	"batchsender/internal/store"
	"batchsender/internal/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultPageSize = 1000

// maxEnqueueFailureRatio is spec §4.7 step 6's tolerance: above 1% of a
// batch's recipients failing to enqueue, the whole batch is re-attempted.
const maxEnqueueFailureRatio = 0.01

// BatchMessage is the sys.batch.process payload (spec §6).
type BatchMessage struct {
	BatchID string `json:"batchId"`
	UserID  string `json:"userId"`
	DryRun  bool   `json:"dryRun,omitempty"`
}

// UserProcessorStarter lazily starts the per-user job consumer (C8); it is
// idempotent under concurrent calls for the same userID (spec §4.7.2).
type UserProcessorStarter interface {
	EnsureUserProcessor(ctx context.Context, userID string) error
}

type Orchestrator struct {
	db        *store.DB
	hotstate  *hotstate.Manager
	queue     queue.Queue
	analytics *analytics.BufferedEmitter
	starter   UserProcessorStarter
	logger    *zap.Logger
	metrics   *observability.Metrics
	pageSize  int
}

func New(db *store.DB, hs *hotstate.Manager, q queue.Queue, emitter *analytics.BufferedEmitter, starter UserProcessorStarter, logger *zap.Logger, metrics *observability.Metrics, recipientPageSize int) *Orchestrator {
	if recipientPageSize <= 0 {
		recipientPageSize = defaultPageSize
	}
	return &Orchestrator{
		db:        db,
		hotstate:  hs,
		queue:     q,
		analytics: emitter,
		starter:   starter,
		logger:    logger,
		metrics:   metrics,
		pageSize:  recipientPageSize,
	}
}

// HandleBatchMessage implements spec §4.7's per-message operation. The
// returned error's errtype.Kind determines NACK-with-delay vs terminal ack
// at the queue consumer call site.
func (o *Orchestrator) HandleBatchMessage(ctx context.Context, data []byte, traceID string) error {
	var msg BatchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		o.logger.Error("malformed batch message, dropping", zap.Error(err))
		return nil // ack and drop: unparseable messages can never succeed
	}

	log := o.logger.With(zap.String("batch_id", msg.BatchID), tracing.TraceField(traceID))

	batchID, err := uuid.Parse(msg.BatchID)
	if err != nil {
		log.Error("invalid batch id, dropping")
		return nil
	}

	withConfig, err := o.db.GetBatchWithConfig(ctx, batchID)
	if err != nil {
		log.Info("batch not found, dropping")
		return nil
	}

	batch := withConfig.Batch
	if o.db.IsPaused(batch) {
		log.Debug("batch paused, skipping")
		return nil
	}

	if batch.Status == store.BatchQueued {
		if err := o.db.MarkProcessing(ctx, batchID); err != nil {
			return errtype.New(errtype.KindTransientIO, fmt.Errorf("mark processing: %w", err))
		}
	}

	pending, err := o.db.CountPendingRecipients(ctx, batchID)
	if err != nil {
		return errtype.New(errtype.KindTransientIO, fmt.Errorf("count pending recipients: %w", err))
	}

	if pending == 0 {
		complete, err := o.hotstate.IsBatchComplete(ctx, msg.BatchID)
		if err == nil && complete {
			if err := o.hotstate.MarkBatchCompleted(ctx, msg.BatchID); err != nil {
				log.Warn("mark batch completed failed", zap.Error(err))
			}
			o.metrics.BatchesProcessedTotal.WithLabelValues(string(store.BatchCompleted)).Inc()
		}
		return nil
	}

	if err := o.hotstate.InitializeBatch(ctx, msg.BatchID, pending); err != nil {
		return err // propagate so the queue NACKs with backpressure/transient delay
	}

	enqueued, failed, err := o.paginateAndEnqueue(ctx, withConfig, msg, traceID, log)
	if err != nil {
		return err
	}

	total := enqueued + failed
	if total > 0 && float64(failed)/float64(total) > maxEnqueueFailureRatio {
		return errtype.New(errtype.KindTransientIO, fmt.Errorf("enqueue failure ratio %d/%d exceeds tolerance", failed, total))
	}
	if failed > 0 {
		log.Warn("some recipients failed to enqueue, continuing", zap.Int("failed", failed), zap.Int("enqueued", enqueued))
	}

	if err := o.starter.EnsureUserProcessor(ctx, msg.UserID); err != nil {
		log.Error("ensure user processor failed", zap.Error(err))
	}

	return nil
}

// paginateAndEnqueue implements spec §4.7 step 5: never loads all
// recipients into memory, pages by id, marks each page queued, and
// publishes one job per recipient.
func (o *Orchestrator) paginateAndEnqueue(ctx context.Context, wc *store.BatchWithConfig, msg BatchMessage, traceID string, log *zap.Logger) (enqueued, failed int, err error) {
	batchID := wc.Batch.ID
	afterID := uuid.Nil

	for {
		page, err := o.db.PageRecipients(ctx, batchID, afterID, o.pageSize)
		if err != nil {
			return enqueued, failed, errtype.New(errtype.KindTransientIO, fmt.Errorf("page recipients: %w", err))
		}
		if len(page) == 0 {
			break
		}

		ids := make([]uuid.UUID, len(page))
		for i, r := range page {
			ids[i] = r.ID
		}
		if err := o.db.MarkRecipientsQueued(ctx, ids); err != nil {
			return enqueued, failed, errtype.New(errtype.KindTransientIO, fmt.Errorf("mark recipients queued: %w", err))
		}

		for _, r := range page {
			job := module.JobData{
				BatchID:      batchID.String(),
				RecipientID:  r.ID.String(),
				UserID:       msg.UserID,
				Identifier:   r.Identifier,
				Variables:    r.Variables,
				Module:       jobModule(wc),
				SendConfig:   configOf(wc),
				BatchPayload: wc.Batch.Payload,
				DryRun:       msg.DryRun || wc.Batch.DryRun,
				TraceID:      traceID,
			}
			if r.Name != nil {
				job.Name = *r.Name
			}

			payload, err := json.Marshal(job)
			if err != nil {
				failed++
				continue
			}

			subject := fmt.Sprintf(queue.SubjectEmailSendFmt, msg.UserID)
			msgID := queue.EmailJobMsgID(batchID.String(), r.ID.String())
			_, err = o.queue.Publish(ctx, subject, payload, queue.PublishOptions{
				MsgID:      msgID,
				Headers:    map[string]string{tracing.HeaderName: traceID},
				StreamName: queue.StreamEmail,
			})
			if err != nil {
				o.metrics.EnqueueFailuresTotal.WithLabelValues(queue.StreamEmail).Inc()
				log.Warn("failed to enqueue recipient job", zap.String("recipient_id", r.ID.String()), zap.Error(err))
				failed++
				continue
			}
			enqueued++
			o.analytics.Buffer(analytics.Event{
				Type:        analytics.EventQueued,
				BatchID:     batchID.String(),
				RecipientID: r.ID.String(),
				UserID:      msg.UserID,
				At:          time.Now(),
			})
		}

		afterID = ids[len(ids)-1]
	}

	return enqueued, failed, nil
}

func jobModule(wc *store.BatchWithConfig) module.ModuleType {
	if wc.SendConfig != nil {
		return wc.SendConfig.Module
	}
	return module.TypeEmail
}

func configOf(wc *store.BatchWithConfig) map[string]any {
	if wc.SendConfig != nil {
		return wc.SendConfig.Config
	}
	return nil
}
