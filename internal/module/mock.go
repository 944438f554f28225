package module

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// MockModule is a deterministic stand-in provider used until real
// email/sms/push/webhook providers are wired, grounded on the teacher's
// internal/providers/mock.Provider (deterministic outcome-by-hash, latency
// simulation) and generalized across all four module kinds.
type MockModule struct {
	logger       *zap.Logger
	successRate  float64
	tempFailRate float64
	latencyMs    int
}

func NewMockModule(logger *zap.Logger) *MockModule {
	return &MockModule{logger: logger, successRate: 0.95, tempFailRate: 0.03, latencyMs: 80}
}

func (m *MockModule) Execute(ctx context.Context, payload Payload, config map[string]any) Result {
	start := time.Now()

	select {
	case <-time.After(time.Duration(m.latencyMs) * time.Millisecond):
	case <-ctx.Done():
		return Result{Error: ctx.Err(), LatencyMs: time.Since(start).Milliseconds()}
	}

	seed := identifierOf(payload)
	hash := md5.Sum([]byte(seed))
	outcomeValue := float64(hash[0]) / 255.0
	providerMessageID := "mock_" + hex.EncodeToString(hash[:])[:16]

	latency := time.Since(start).Milliseconds()

	if outcomeValue < m.successRate {
		return Result{Success: true, ProviderMessageID: providerMessageID, LatencyMs: latency}
	}
	if outcomeValue < m.successRate+m.tempFailRate {
		return Result{Error: fmt.Errorf("temporary provider error"), LatencyMs: latency}
	}
	return Result{Error: fmt.Errorf("permanent provider rejection"), LatencyMs: latency}
}

func identifierOf(p Payload) string {
	switch p.Type {
	case TypeEmail:
		return p.Email.To
	case TypeSMS:
		return p.SMS.To
	case TypePush:
		return p.Push.To
	case TypeWebhook:
		return p.Webhook.URL
	default:
		return ""
	}
}

// DryRunModule never calls a real network seam; it sleeps for a randomized
// interval within [minMs, maxMs] and synthesizes a providerMessageId (spec
// §4.8 step 6), used whenever the batch's dryRun flag is set regardless of
// the resolved module.
type DryRunModule struct {
	minMs, maxMs int
	rng          *rand.Rand
}

func NewDryRunModule(minMs, maxMs int) *DryRunModule {
	return &DryRunModule{minMs: minMs, maxMs: maxMs, rng: rand.New(rand.NewSource(1))}
}

func (d *DryRunModule) Execute(ctx context.Context, payload Payload, config map[string]any) Result {
	start := time.Now()
	delay := DryRunLatency(d.minMs, d.maxMs, d.rng.Intn)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return Result{Error: ctx.Err(), LatencyMs: time.Since(start).Milliseconds()}
	}

	return Result{
		Success:           true,
		ProviderMessageID: fmt.Sprintf("dryrun_%d", time.Now().UnixNano()),
		LatencyMs:         time.Since(start).Milliseconds(),
	}
}
