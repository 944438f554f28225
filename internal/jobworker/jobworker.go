// Package jobworker implements the user job worker (spec §4.8, C8): a
// per-user consumer of email.user.<userId>.send that runs the idempotency
// probe, dispatches to the resolved Module, and records the terminal
// outcome in hot state. It also owns ensureUserProcessor's lazy,
// once-per-user consumer lifecycle (spec §4.7.2), since C7 only requests a
// processor — C8 is what starts and deregisters one.
//
// Grounded on the teacher's internal/worker/worker.go fixed-pool consume
// loop and internal/messaging/nats/advanced_consumer.go's back-pressure
// channel, generalized to per-user NATS JetStream consumers with a
// per-recipient idempotency probe.
package jobworker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"batchsender/internal/analytics"
	"batchsender/internal/errtype"
	"batchsender/internal/hotstate"
	"batchsender/internal/kv"
	"batchsender/internal/module"
	"batchsender/internal/observability"
	"batchsender/internal/queue"
	"batchsender/internal/ratelimit"
	"batchsender/internal/store"
	"batchsender/internal/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const rateLimitMaxWait = 10 * time.Second

type Pool struct {
	db        *store.DB
	hotstate  *hotstate.Manager
	kv        *kv.Client
	queue     queue.Queue
	registry  *ratelimit.Registry
	modules   *module.Registry
	dryRun    module.Module
	analytics *analytics.BufferedEmitter
	logger    *zap.Logger
	metrics   *observability.Metrics
	maxConcurrentJobs int

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	starting map[string]*sync.WaitGroup
}

func NewPool(
	db *store.DB,
	hs *hotstate.Manager,
	kvClient *kv.Client,
	q queue.Queue,
	registry *ratelimit.Registry,
	modules *module.Registry,
	dryRun module.Module,
	emitter *analytics.BufferedEmitter,
	logger *zap.Logger,
	metrics *observability.Metrics,
	maxConcurrentJobs int,
) *Pool {
	return &Pool{
		db:                db,
		hotstate:          hs,
		kv:                kvClient,
		queue:             q,
		registry:          registry,
		modules:           modules,
		dryRun:            dryRun,
		analytics:         emitter,
		logger:            logger,
		metrics:           metrics,
		maxConcurrentJobs: maxConcurrentJobs,
		running:           make(map[string]context.CancelFunc),
		starting:          make(map[string]*sync.WaitGroup),
	}
}

// EnsureUserProcessor idempotently starts a per-user consumer, guarding
// concurrent callers with a per-user promise lock so only one goroutine
// performs the start (spec §4.7.2).
func (p *Pool) EnsureUserProcessor(ctx context.Context, userID string) error {
	p.mu.Lock()
	if _, ok := p.running[userID]; ok {
		p.mu.Unlock()
		return nil
	}
	if wg, ok := p.starting[userID]; ok {
		p.mu.Unlock()
		wg.Wait()
		return nil
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	p.starting[userID] = wg
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.starting, userID)
		p.mu.Unlock()
		wg.Done()
	}()

	procCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.running[userID] = cancel
	p.mu.Unlock()

	go p.runUserConsumer(procCtx, userID)
	return nil
}

// runUserConsumer consumes email.user.<userId>.send until the stream ends
// or the process shuts down. On unexpected exit it deregisters itself so a
// subsequent enqueue restarts it (spec §4.7.2 "on crash it is deregistered").
func (p *Pool) runUserConsumer(ctx context.Context, userID string) {
	defer func() {
		p.mu.Lock()
		delete(p.running, userID)
		p.mu.Unlock()
	}()

	subject := fmt.Sprintf(queue.SubjectEmailSendFmt, userID)
	consumerName := "user-" + userID

	err := p.queue.Consume(ctx, queue.StreamEmail, consumerName, queue.ConsumeOptions{MaxInFlight: p.maxConcurrentJobs}, func(msgCtx context.Context, msg *queue.Message) {
		p.handleMessage(msgCtx, msg)
	})
	if err != nil && ctx.Err() == nil {
		p.logger.Error("user consumer exited unexpectedly", zap.String("user_id", userID), zap.String("subject", subject), zap.Error(err))
	}
}

func (p *Pool) handleMessage(ctx context.Context, msg *queue.Message) {
	traceID := msg.Headers[tracing.HeaderName]
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	log := p.logger.With(tracing.TraceField(traceID))

	var job module.JobData
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		log.Error("malformed job message, terminating", zap.Error(err))
		msg.Term()
		return
	}
	job.TraceID = traceID

	err := p.process(ctx, job, log)
	if err == nil {
		msg.Ack()
		return
	}

	if errtype.Retryable(err) {
		if msg.RedeliveryCount >= 4 {
			p.finalizeFailed(ctx, job, err, log)
			msg.Ack()
			return
		}
		delay := queue.JobNackDelay(msg.RedeliveryCount)
		log.Warn("job failed, retrying", zap.Error(err), zap.Duration("delay", delay))
		msg.Nak(delay.Milliseconds())
		return
	}

	p.finalizeFailed(ctx, job, err, log)
	msg.Ack()
}

// process runs spec §4.8 steps 2-8 for a single job.
func (p *Pool) process(ctx context.Context, job module.JobData, log *zap.Logger) error {
	status, err := p.hotstate.CheckRecipientProcessed(ctx, job.BatchID, job.RecipientID)
	if err != nil {
		return p.fallbackIdempotencyCheck(ctx, job, err, log)
	}
	if status != nil {
		log.Debug("recipient already processed", zap.String("recipient_id", job.RecipientID))
		return nil
	}

	mod, ok := p.modules.Resolve(job.Module)
	if !ok && !job.DryRun {
		return errtype.New(errtype.KindFatalConfig, fmt.Errorf("no module registered for %q", job.Module))
	}

	payload, err := module.Build(job)
	if err != nil {
		return errtype.New(errtype.KindFatalConfig, err)
	}

	configLimit := configRateLimit(job.SendConfig)
	acquireCtx := ratelimit.AcquireContext{
		Mode:         module.ModeForConfig(sendConfigFrom(job)),
		Provider:     providerOf(job.SendConfig),
		Module:       job.Module,
		SendConfigID: sendConfigIDOf(job.SendConfig),
		UserID:       job.UserID,
	}
	rlResult, err := p.registry.Acquire(ctx, acquireCtx, configLimit, rateLimitMaxWait)
	if err != nil {
		return errtype.New(errtype.KindTransientIO, err)
	}
	if !rlResult.Allowed {
		return errtype.RateLimited(string(rlResult.LimitingFactor))
	}

	var result module.Result
	if job.DryRun {
		result = p.dryRun.Execute(ctx, payload, job.SendConfig)
	} else {
		result = mod.Execute(ctx, payload, job.SendConfig)
	}

	p.metrics.EmailSendDuration.WithLabelValues(providerOf(job.SendConfig), outcomeLabel(result)).Observe(float64(result.LatencyMs) / 1000)

	if result.Error != nil || !result.Success {
		p.metrics.EmailErrorsTotal.WithLabelValues(providerOf(job.SendConfig), "send_failed").Inc()
		return errtype.New(errtype.KindTransientIO, result.Error)
	}

	recordResult, err := p.hotstate.RecordSent(ctx, job.BatchID, job.RecipientID, result.ProviderMessageID)
	if err != nil {
		return err
	}

	p.metrics.EmailsSentTotal.WithLabelValues(providerOf(job.SendConfig), "sent").Inc()
	p.analytics.Buffer(analytics.Event{Type: analytics.EventSent, BatchID: job.BatchID, RecipientID: job.RecipientID, UserID: job.UserID, At: time.Now()})

	if job.Module == module.TypeEmail {
		p.recordProviderIndex(ctx, job, result.ProviderMessageID, log)
	}

	if recordResult.IsComplete {
		if err := p.hotstate.MarkBatchCompleted(ctx, job.BatchID); err != nil {
			log.Warn("mark batch completed failed", zap.Error(err))
		}
		p.metrics.BatchesProcessedTotal.WithLabelValues(string(store.BatchCompleted)).Inc()
		log.Info("batch completed", zap.String("batch_id", job.BatchID))
	}

	return nil
}

// fallbackIdempotencyCheck implements spec §4.3.3's fail-safe contract:
// when the hot-state circuit is open, fall back to a durable-store read;
// a terminal durable status short-circuits, otherwise the job retries.
func (p *Pool) fallbackIdempotencyCheck(ctx context.Context, job module.JobData, hotErr error, log *zap.Logger) error {
	recipientID, err := uuid.Parse(job.RecipientID)
	if err != nil {
		return errtype.New(errtype.KindFatalConfig, err)
	}

	status, err := p.db.GetRecipientStatus(ctx, recipientID)
	if err != nil {
		log.Warn("durable-store idempotency fallback failed", zap.Error(err))
		return errtype.New(errtype.KindTransientIO, hotErr)
	}
	if status.IsTerminal() {
		return nil
	}
	return errtype.New(errtype.KindTransientIO, hotErr)
}

// finalizeFailed implements spec §4.8.1: the only place a recipient reaches
// failed via the worker, after retries are exhausted or the error is
// permanent.
func (p *Pool) finalizeFailed(ctx context.Context, job module.JobData, cause error, log *zap.Logger) {
	_, err := p.hotstate.RecordFailed(ctx, job.BatchID, job.RecipientID, cause.Error())
	if err != nil {
		log.Error("record failed outcome failed", zap.Error(err))
		return
	}
	p.metrics.BatchesProcessedTotal.WithLabelValues("recipient_failed").Inc()
	p.analytics.Buffer(analytics.Event{Type: analytics.EventFailed, BatchID: job.BatchID, RecipientID: job.RecipientID, UserID: job.UserID, At: time.Now()})
	log.Warn("recipient permanently failed", zap.String("recipient_id", job.RecipientID), zap.Error(cause))
}

func (p *Pool) recordProviderIndex(ctx context.Context, job module.JobData, providerMessageID string, log *zap.Logger) {
	if providerMessageID == "" {
		return
	}
	batchID, err1 := uuid.Parse(job.BatchID)
	recipientID, err2 := uuid.Parse(job.RecipientID)
	userID, err3 := uuid.Parse(job.UserID)
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}
	entry := store.ProviderIndexEntry{ProviderMessageID: providerMessageID, BatchID: batchID, RecipientID: recipientID, UserID: userID}
	if err := p.db.RecordProviderMessageID(ctx, entry); err != nil {
		log.Warn("record provider message id index failed", zap.Error(err))
	}
	if err := p.kv.CacheProviderIndexEntry(ctx, entry); err != nil {
		log.Warn("cache provider message id index failed", zap.Error(err))
	}
}

func configRateLimit(cfg map[string]any) *int {
	raw, ok := cfg["rateLimitPerSecond"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		n := int(v)
		return &n
	case int:
		return &v
	default:
		return nil
	}
}

func providerOf(cfg map[string]any) string {
	v, _ := cfg["provider"].(string)
	return v
}

func sendConfigIDOf(cfg map[string]any) string {
	v, _ := cfg["id"].(string)
	return v
}

func sendConfigFrom(job module.JobData) *store.SendConfig {
	mode, _ := job.SendConfig["mode"].(string)
	return &store.SendConfig{Mode: store.SendConfigMode(mode)}
}

func outcomeLabel(r module.Result) string {
	if r.Success {
		return "success"
	}
	return "error"
}

// Shutdown cancels every running per-user consumer and waits briefly for
// in-flight jobs to finish acking (spec §5 "Shutdown").
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for userID, cancel := range p.running {
		cancel()
		delete(p.running, userID)
	}
}
