package analytics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"batchsender/internal/observability"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(ctx context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

var testMetrics = observability.NewMetrics()

func TestBufferedEmitter_FlushesOnSize(t *testing.T) {
	sink := &recordingSink{}
	emitter := NewBufferedEmitter(sink, zap.NewNop(), testMetrics, 3, time.Hour)
	emitter.Start(context.Background())
	defer emitter.Stop()

	emitter.Buffer(Event{Type: EventQueued, RecipientID: "1"})
	emitter.Buffer(Event{Type: EventQueued, RecipientID: "2"})
	assert.Equal(t, 0, sink.count())

	emitter.Buffer(Event{Type: EventQueued, RecipientID: "3"})

	assert.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 5*time.Millisecond)
}

func TestBufferedEmitter_FlushesOnStop(t *testing.T) {
	sink := &recordingSink{}
	emitter := NewBufferedEmitter(sink, zap.NewNop(), testMetrics, 100, time.Hour)
	emitter.Start(context.Background())

	emitter.Buffer(Event{Type: EventSent, RecipientID: "1"})
	emitter.Stop()

	assert.Equal(t, 1, sink.count())
}

func TestMockSink_NeverErrors(t *testing.T) {
	sink := NewMockSink(zap.NewNop())
	err := sink.Emit(context.Background(), []Event{{Type: EventFailed}})
	assert.NoError(t, err)
}
