// Package analytics defines the buffered analytics sink port (a supplement
// to spec.md: it specifies "emit analytics queued/sent/failed events" in
// prose but leaves the sink abstract). Grounded on the teacher's metrics
// counters (internal/observability/metrics.go) for the shape of labeled
// events, generalized into a flush-batched port so C7/C8/C10 don't block
// their hot path on the sink's own I/O.
package analytics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"batchsender/internal/observability"
)

type EventType string

const (
	EventQueued EventType = "queued"
	EventSent   EventType = "sent"
	EventFailed EventType = "failed"
)

type Event struct {
	Type        EventType
	BatchID     string
	RecipientID string
	UserID      string
	At          time.Time
	Metadata    map[string]string
}

// Sink is the outbound seam for analytics events. A real implementation
// might ship to Clickhouse/Kafka; Mock buffers in memory for tests and as
// a safe default when no sink is configured.
type Sink interface {
	Emit(ctx context.Context, events []Event) error
}

// BufferedEmitter batches events and flushes on size or interval, mirroring
// the webhook pipeline's own buffer/flush shape (spec §4.10) so both
// subsystems read the same way.
type BufferedEmitter struct {
	sink          Sink
	logger        *zap.Logger
	metrics       *observability.Metrics
	batchSize     int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []Event

	flushCh chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

func NewBufferedEmitter(sink Sink, logger *zap.Logger, metrics *observability.Metrics, batchSize int, flushInterval time.Duration) *BufferedEmitter {
	return &BufferedEmitter{
		sink:          sink,
		logger:        logger,
		metrics:       metrics,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start runs the flush loop until the caller calls Stop, independent of
// ctx's own lifetime (ctx is only used for the sink's Emit calls).
func (e *BufferedEmitter) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.loop(loopCtx)
}

func (e *BufferedEmitter) loop(ctx context.Context) {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			e.flush(context.Background())
			return
		case <-ticker.C:
			e.flush(ctx)
		case <-e.flushCh:
			e.flush(ctx)
		}
	}
}

// Buffer queues an event for the next flush; a full buffer triggers an
// immediate flush signal rather than blocking the caller.
func (e *BufferedEmitter) Buffer(event Event) {
	e.mu.Lock()
	e.buffer = append(e.buffer, event)
	full := len(e.buffer) >= e.batchSize
	e.mu.Unlock()

	e.metrics.ClickhouseEventsTotal.WithLabelValues(string(event.Type)).Inc()

	if full {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

func (e *BufferedEmitter) flush(ctx context.Context) {
	e.mu.Lock()
	if len(e.buffer) == 0 {
		e.mu.Unlock()
		return
	}
	batch := e.buffer
	e.buffer = nil
	e.mu.Unlock()

	if err := e.sink.Emit(ctx, batch); err != nil {
		e.logger.Warn("analytics sink emit failed", zap.Int("count", len(batch)), zap.Error(err))
	}
}

// Stop signals the flush loop to exit (flushing any remaining events first)
// and waits for it to finish.
func (e *BufferedEmitter) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	<-e.done
}

// MockSink is the default sink: a simple in-memory log via zap, matching
// the teacher's practice of defaulting to a mock provider (internal/
// providers/mock) before a real integration is wired.
type MockSink struct {
	logger *zap.Logger
}

func NewMockSink(logger *zap.Logger) *MockSink {
	return &MockSink{logger: logger}
}

func (s *MockSink) Emit(ctx context.Context, events []Event) error {
	s.logger.Debug("analytics events flushed", zap.Int("count", len(events)))
	return nil
}
