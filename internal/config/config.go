package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every environment-derived setting for the BatchSender worker.
// A missing required field is a FatalConfig error: the process must not
// start with an incomplete configuration.
type Config struct {
	// Durable store
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Webhook intake
	WebhookSecret string `envconfig:"WEBHOOK_SECRET" required:"true"`

	// Message queue
	NATSCluster    string `envconfig:"NATS_CLUSTER" default:"nats://localhost:4222"`
	NATSTLSEnabled bool   `envconfig:"NATS_TLS_ENABLED" default:"false"`
	NATSReplicas   int    `envconfig:"NATS_REPLICAS" default:"3"`

	// Worker identity & concurrency
	WorkerID              string `envconfig:"WORKER_ID" default:"worker-1"`
	ConcurrentBatches     int    `envconfig:"CONCURRENT_BATCHES" default:"10"`
	MaxConcurrentRequests int    `envconfig:"MAX_CONCURRENT_REQUESTS" default:"1000"`

	// Rate limiting
	SystemRateLimit  int  `envconfig:"SYSTEM_RATE_LIMIT" default:"10000"`
	RateLimitPerSec  int  `envconfig:"RATE_LIMIT_PER_SECOND" default:"1000"`
	DisableRateLimit bool `envconfig:"DISABLE_RATE_LIMIT" default:"false"`

	// Webhook pipeline
	WebhookQueueEnabled  bool          `envconfig:"WEBHOOK_QUEUE_ENABLED" default:"true"`
	WebhookMaxRetries    int           `envconfig:"WEBHOOK_MAX_RETRIES" default:"3"`
	WebhookBatchSize     int           `envconfig:"WEBHOOK_BATCH_SIZE" default:"100"`
	WebhookFlushInterval time.Duration `envconfig:"WEBHOOK_FLUSH_INTERVAL" default:"1s"`

	// Hot state KV engine (Dragonfly/Redis compatible)
	DragonflyURL         string `envconfig:"DRAGONFLY_URL" required:"true"`
	DragonflyCriticalURL string `envconfig:"DRAGONFLY_CRITICAL_URL"`

	// Dry-run / test mode
	DryRunLatencyMinMs     int  `envconfig:"DRY_RUN_LATENCY_MIN_MS" default:"50"`
	DryRunLatencyMaxMs     int  `envconfig:"DRY_RUN_LATENCY_MAX_MS" default:"250"`
	HighThroughputTestMode bool `envconfig:"HIGH_THROUGHPUT_TEST_MODE" default:"false"`

	// Observability
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Postgres sync
	SyncIntervalMs       int `envconfig:"SYNC_INTERVAL_MS" default:"2000"`
	MaxRecipientsPerSync int `envconfig:"MAX_RECIPIENTS_PER_SYNC" default:"500"`

	// Hot state TTLs
	ActiveBatchTTL    time.Duration `envconfig:"ACTIVE_BATCH_TTL" default:"24h"`
	CompletedBatchTTL time.Duration `envconfig:"COMPLETED_BATCH_TTL" default:"1h"`

	// Paging
	RecipientPageSize int `envconfig:"RECIPIENT_PAGE_SIZE" default:"1000"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
