// Package webhook implements the inbound webhook pipeline (spec §4.10,
// C10): buffer -> dedup -> enrich -> partition -> bulk apply -> ack.
// Grounded on the teacher's internal/dlr/ingest.go and internal/delivery/
// ingest.go (buffered ingest with periodic flush), merged into one
// provider-agnostic pipeline and generalized from DLR-only semantics to
// the full delivered/bounced/failed/complained partition spec §4.10
// describes.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"batchsender/internal/hotstate"
	"batchsender/internal/kv"
	"batchsender/internal/observability"
	"batchsender/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is the decoded inbound callback (spec §6 webhook.<provider>.
// <eventType> payload). RecipientID/BatchID/UserID are optional hints the
// provider adapter may have parsed from the callback body; they are never
// trusted directly — enrichment re-resolves them via the provider-message-
// id index (spec Open Question resolution).
type Event struct {
	Provider          string
	EventType         string
	ExternalEventID   string
	ProviderMessageID string
	RecipientIDHint   string
	BatchIDHint       string
	ErrorMessage      string
	At                time.Time

	ack func() error
	nak func(delayMs int64) error
}

func eventClass(eventType string) (store.WebhookEventClass, bool) {
	switch eventType {
	case "delivered", "opened", "clicked":
		return store.WebhookDelivered, true
	case "bounced":
		return store.WebhookBounced, true
	case "failed", "dropped":
		return store.WebhookFailed, true
	case "complained", "spam_report":
		return store.WebhookComplained, true
	default:
		return "", false
	}
}

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

func DefaultConfig() Config {
	return Config{BatchSize: 100, FlushInterval: time.Second}
}

type Pipeline struct {
	db       *store.DB
	hotstate *hotstate.Manager
	kv       *kv.Client
	logger   *zap.Logger
	metrics  *observability.Metrics
	cfg      Config

	mu     sync.Mutex
	buffer []Event
}

func NewPipeline(db *store.DB, hs *hotstate.Manager, kvClient *kv.Client, logger *zap.Logger, metrics *observability.Metrics, cfg Config) *Pipeline {
	return &Pipeline{db: db, hotstate: hs, kv: kvClient, logger: logger, metrics: metrics, cfg: cfg}
}

func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush(context.Background())
			return
		case <-ticker.C:
			p.flush(ctx)
		}
	}
}

// Ingest decodes an incoming provider payload and buffers it, flushing
// immediately if the buffer reaches BatchSize (spec §4.10 step 1).
func (p *Pipeline) Ingest(ctx context.Context, provider string, raw []byte, msgID string, ack func() error, nak func(delayMs int64) error) {
	var decoded struct {
		EventType         string `json:"eventType"`
		ProviderMessageID string `json:"providerMessageId"`
		RecipientID       string `json:"recipientId"`
		BatchID           string `json:"batchId"`
		Error             string `json:"error"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		p.logger.Error("malformed webhook event, dropping", zap.String("provider", provider), zap.Error(err))
		ack()
		return
	}

	p.metrics.WebhooksReceivedTotal.WithLabelValues(provider, decoded.EventType).Inc()

	event := Event{
		Provider:          provider,
		EventType:         decoded.EventType,
		ExternalEventID:   msgID,
		ProviderMessageID: decoded.ProviderMessageID,
		RecipientIDHint:   decoded.RecipientID,
		BatchIDHint:       decoded.BatchID,
		ErrorMessage:      decoded.Error,
		At:                time.Now(),
		ack:               ack,
		nak:               nak,
	}

	p.mu.Lock()
	p.buffer = append(p.buffer, event)
	full := len(p.buffer) >= p.cfg.BatchSize
	depth := len(p.buffer)
	p.mu.Unlock()

	p.metrics.WebhookQueueDepth.Set(float64(depth))

	if full {
		p.flush(ctx)
	}
}

func (p *Pipeline) flush(ctx context.Context) {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	start := time.Now()
	status := "success"
	if err := p.processBatch(ctx, batch); err != nil {
		status = "error"
		p.logger.Error("webhook batch processing failed, nacking", zap.Int("count", len(batch)), zap.Error(err))
		for _, e := range batch {
			e.nak(5000)
		}
	}
	p.metrics.WebhookProcessingDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	p.metrics.WebhookBatchSize.Observe(float64(len(batch)))
}

// processBatch implements spec §4.10 step 2: dedup, enrich, partition,
// bulk apply, mark processed, ack.
func (p *Pipeline) processBatch(ctx context.Context, batch []Event) error {
	deduped, err := p.dedup(ctx, batch)
	if err != nil {
		return err
	}

	resolved := make([]resolvedEvent, 0, len(deduped))
	for _, e := range deduped {
		r, ok := p.enrich(ctx, e)
		if !ok {
			p.logger.Warn("unresolved webhook event, skipping", zap.String("provider", e.Provider), zap.String("external_event_id", e.ExternalEventID))
			e.ack()
			continue
		}
		resolved = append(resolved, r)
	}

	byClass := map[store.WebhookEventClass][]resolvedEvent{}
	for _, r := range resolved {
		byClass[r.class] = append(byClass[r.class], r)
	}

	for class, events := range byClass {
		if err := p.applyClass(ctx, class, events); err != nil {
			p.metrics.WebhooksErrorsTotal.WithLabelValues("apply_failed").Inc()
			return fmt.Errorf("apply webhook class %s: %w", class, err)
		}
		for _, e := range events {
			p.markProcessed(ctx, e.event)
			p.metrics.WebhooksProcessedTotal.WithLabelValues(e.event.Provider, e.event.EventType, "applied").Inc()
			e.event.ack()
		}
	}

	return nil
}

// dedup drops events whose (provider, providerMessageId, eventType) key
// was already marked processed within the dedup window (spec §4.10 step
// 2a); duplicates ack immediately and never reach enrichment.
func (p *Pipeline) dedup(ctx context.Context, batch []Event) ([]Event, error) {
	out := make([]Event, 0, len(batch))
	for _, e := range batch {
		key := dedupKey(e)
		exists, err := p.kv.Exists(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("dedup lookup: %w", err)
		}
		if exists > 0 {
			e.ack()
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *Pipeline) markProcessed(ctx context.Context, e Event) {
	key := dedupKey(e)
	if err := p.kv.Set(ctx, key, "1", 24*time.Hour).Err(); err != nil {
		p.logger.Warn("mark webhook event processed failed", zap.String("key", key), zap.Error(err))
	}
}

func dedupKey(e Event) string {
	return fmt.Sprintf("webhook:dedup:%s:%s:%s", e.Provider, e.ProviderMessageID, e.EventType)
}

type resolvedEvent struct {
	event       Event
	class       store.WebhookEventClass
	recipientID uuid.UUID
	batchID     uuid.UUID
}

// enrich resolves (recipientId, batchId) via the provider-message-id index,
// cache-first: Redis first, then the durable store's index table on a
// cache miss (backfilling Redis so the next event for this message avoids
// Postgres entirely), and only falls back to the provider's own hints if
// neither tier has the message indexed, per spec Open Question resolution
// (the index is the source of truth, not the provider's own hints).
func (p *Pipeline) enrich(ctx context.Context, e Event) (resolvedEvent, bool) {
	class, ok := eventClass(e.EventType)
	if !ok {
		return resolvedEvent{}, false
	}

	if cached, found, err := p.kv.LookupProviderIndexEntry(ctx, e.ProviderMessageID); err != nil {
		p.logger.Warn("provider index cache lookup failed", zap.Error(err))
	} else if found {
		return resolvedEvent{event: e, class: class, recipientID: cached.RecipientID, batchID: cached.BatchID}, true
	}

	entry, err := p.db.LookupProviderMessageID(ctx, e.ProviderMessageID)
	if err != nil {
		if e.RecipientIDHint == "" || e.BatchIDHint == "" {
			return resolvedEvent{}, false
		}
		recipientID, err1 := uuid.Parse(e.RecipientIDHint)
		batchID, err2 := uuid.Parse(e.BatchIDHint)
		if err1 != nil || err2 != nil {
			return resolvedEvent{}, false
		}
		return resolvedEvent{event: e, class: class, recipientID: recipientID, batchID: batchID}, true
	}

	if cacheErr := p.kv.CacheProviderIndexEntry(ctx, *entry); cacheErr != nil {
		p.logger.Warn("provider index cache backfill failed", zap.Error(cacheErr))
	}

	return resolvedEvent{event: e, class: class, recipientID: entry.RecipientID, batchID: entry.BatchID}, true
}

func (p *Pipeline) applyClass(ctx context.Context, class store.WebhookEventClass, events []resolvedEvent) error {
	byBatch := map[uuid.UUID][]store.WebhookApply{}
	for _, e := range events {
		byBatch[e.batchID] = append(byBatch[e.batchID], store.WebhookApply{
			RecipientID: e.recipientID,
			Class:       class,
			At:          e.event.At,
			ErrorMsg:    e.event.ErrorMessage,
		})
	}

	for batchID, applies := range byBatch {
		applied, err := p.db.ApplyWebhookResults(ctx, batchID, class, applies)
		if err != nil {
			return err
		}
		if class == store.WebhookDelivered && applied > 0 {
			p.maybeFinalizeBatch(ctx, batchID)
		}
	}
	return nil
}

// maybeFinalizeBatch implements spec §4.10 step e: for delivered events,
// check hot-state completion and finalize if newly complete.
func (p *Pipeline) maybeFinalizeBatch(ctx context.Context, batchID uuid.UUID) {
	complete, err := p.hotstate.IsBatchComplete(ctx, batchID.String())
	if err != nil || !complete {
		return
	}
	if err := p.hotstate.MarkBatchCompleted(ctx, batchID.String()); err != nil {
		p.logger.Warn("mark batch completed from webhook pipeline failed", zap.Error(err))
	}
}
