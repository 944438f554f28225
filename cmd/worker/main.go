package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"batchsender/internal/analytics"
	"batchsender/internal/config"
	"batchsender/internal/hotstate"
	"batchsender/internal/jobworker"
	"batchsender/internal/kv"
	"batchsender/internal/module"
	"batchsender/internal/observability"
	"batchsender/internal/orchestrator"
	"batchsender/internal/pgsync"
	"batchsender/internal/queue"
	"batchsender/internal/ratelimit"
	"batchsender/internal/store"
	"batchsender/internal/tracing"
	"batchsender/internal/webhook"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()
	logger.Info("starting batchsender worker", zap.String("worker_id", cfg.WorkerID), zap.String("log_level", cfg.LogLevel))

	metrics := observability.NewMetrics()
	ctx := context.Background()

	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to durable store", zap.Error(err))
	}
	defer db.Close()

	kvClient, err := kv.New(ctx, cfg.DragonflyURL)
	if err != nil {
		logger.Fatal("failed to connect to kv engine", zap.Error(err))
	}
	defer kvClient.Close()

	// Hot state gets its own connection to a separate, no-eviction
	// Dragonfly instance when configured (spec §6): rate-limit buckets can
	// tolerate eviction under memory pressure, but per-batch progress
	// counters cannot. Falls back to the shared connection when operators
	// haven't split the two out.
	hotstateKV := kvClient
	if cfg.DragonflyCriticalURL != "" {
		hotstateKV, err = kv.New(ctx, cfg.DragonflyCriticalURL)
		if err != nil {
			logger.Fatal("failed to connect to critical kv engine", zap.Error(err))
		}
		defer hotstateKV.Close()
	}

	q, err := queue.Connect(queue.Config{
		URL:        cfg.NATSCluster,
		TLSEnabled: cfg.NATSTLSEnabled,
		Replicas:   cfg.NATSReplicas,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to message queue", zap.Error(err))
	}
	defer q.Close()

	registry := ratelimit.NewRegistry(kvClient, logger, cfg.SystemRateLimit, map[string]int{}, cfg.DisableRateLimit)

	hs := hotstate.NewManager(hotstateKV, logger, hotstate.TTLConfig{
		Active:    cfg.ActiveBatchTTL,
		Completed: cfg.CompletedBatchTTL,
	}, metrics)

	modules := module.NewRegistry()
	modules.Register(module.TypeEmail, module.NewMockModule(logger))
	modules.Register(module.TypeSMS, module.NewMockModule(logger))
	modules.Register(module.TypePush, module.NewMockModule(logger))
	modules.Register(module.TypeWebhook, module.NewMockModule(logger))
	dryRun := module.NewDryRunModule(cfg.DryRunLatencyMinMs, cfg.DryRunLatencyMaxMs)

	analyticsSink := analytics.NewMockSink(logger)
	emitter := analytics.NewBufferedEmitter(analyticsSink, logger, metrics, 500, time.Second)
	emitter.Start(ctx)
	defer emitter.Stop()

	pool := jobworker.NewPool(db, hs, kvClient, q, registry, modules, dryRun, emitter, logger, metrics, cfg.MaxConcurrentRequests)
	defer pool.Shutdown()

	orch := orchestrator.New(db, hs, q, emitter, pool, logger, metrics, cfg.RecipientPageSize)

	webhookPipeline := webhook.NewPipeline(db, hs, kvClient, logger, metrics, webhook.Config{
		BatchSize:     cfg.WebhookBatchSize,
		FlushInterval: cfg.WebhookFlushInterval,
	})
	webhookCtx, cancelWebhook := context.WithCancel(ctx)
	go webhookPipeline.Run(webhookCtx)

	webhookConsumeCtx, cancelWebhookConsume := context.WithCancel(ctx)
	if cfg.WebhookQueueEnabled {
		go func() {
			err := q.Consume(webhookConsumeCtx, queue.StreamWebhook, "webhook-intake", queue.ConsumeOptions{MaxInFlight: 50, MaxDeliver: cfg.WebhookMaxRetries}, func(msgCtx context.Context, msg *queue.Message) {
				provider, _ := webhookSubjectParts(msg.Subject)
				msgID := msg.Headers["Nats-Msg-Id"]
				webhookPipeline.Ingest(msgCtx, provider, msg.Data, msgID, func() error { return msg.Ack() }, func(delayMs int64) error { return msg.Nak(delayMs) })
			})
			if err != nil && webhookConsumeCtx.Err() == nil {
				logger.Error("webhook consumer exited unexpectedly", zap.Error(err))
			}
		}()
	}

	syncSvc := pgsync.New(db, hs, logger, metrics, time.Duration(cfg.SyncIntervalMs)*time.Millisecond, cfg.MaxRecipientsPerSync)
	syncCtx, cancelSync := context.WithCancel(ctx)
	go syncSvc.Run(syncCtx)

	consumeCtx, cancelConsume := context.WithCancel(ctx)
	go func() {
		err := q.Consume(consumeCtx, queue.StreamBatch, "batch-orchestrator", queue.ConsumeOptions{MaxInFlight: cfg.ConcurrentBatches}, func(msgCtx context.Context, msg *queue.Message) {
			traceID := msg.Headers[tracing.HeaderName]
			if traceID == "" {
				traceID = tracing.NewTraceID()
			}
			if err := orch.HandleBatchMessage(msgCtx, msg.Data, traceID); err != nil {
				logger.Error("batch message handling failed, nacking", zap.Error(err))
				msg.Nak(queue.BatchNackDelay(msg.RedeliveryCount).Milliseconds())
				return
			}
			msg.Ack()
		})
		if err != nil && consumeCtx.Err() == nil {
			logger.Error("batch consumer exited unexpectedly", zap.Error(err))
		}
	}()

	logger.Info("worker ready, consuming batches and jobs")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down worker")
	cancelConsume()
	cancelWebhook()
	pool.Shutdown()
	time.Sleep(2 * time.Second)
	cancelSync()
	cancelWebhookConsume()
	logger.Info("worker shutdown complete")
}

// webhookSubjectParts splits "webhook.<provider>.<eventType>" (spec §4.6
// SubjectWebhookFmt) into its two dynamic segments.
func webhookSubjectParts(subject string) (provider, eventType string) {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) != 3 {
		return "", ""
	}
	return parts[1], parts[2]
}
