// Package hotstate implements the authoritative in-flight batch progress
// view (spec §4.3, C3): per-recipient terminal writes and counters all land
// here first, atomically, before durable-store sync (see internal/pgsync).
// Grounded on the teacher's internal/persistence/redis.go (connection
// shape) and internal/idempotency/store.go (cache-first lookup idiom),
// generalized from independent get/set round trips to single atomic EVAL
// scripts per spec invariant I5.
package hotstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"batchsender/internal/breaker"
	"batchsender/internal/errtype"
	"batchsender/internal/kv"
	"batchsender/internal/monitoring"
	"batchsender/internal/observability"
	"batchsender/internal/store"

	"go.uber.org/zap"
)

// backpressureRatio is the memory-headroom threshold from spec §4.3.4: a
// batch is refused once projected usage would cross 85% of the cap.
const backpressureRatio = 0.85

const (
	keyPrefix       = "hotstate:batch:"
	activeBatchesKey = "hotstate:active_batches"
)

func countersKey(batchID string) string { return keyPrefix + batchID + ":counters" }
func recipientKey(batchID string) string { return keyPrefix + batchID + ":recipients" }
func pendingSyncKey(batchID string) string { return keyPrefix + batchID + ":pending_sync" }

type Counters struct {
	Sent   int64
	Failed int64
	Total  int64
}

func (c Counters) IsComplete() bool {
	return c.Total > 0 && c.Sent+c.Failed >= c.Total
}

type TTLConfig struct {
	Active    time.Duration
	Completed time.Duration
}

type Manager struct {
	kv        *kv.Client
	logger    *zap.Logger
	ttl       TTLConfig
	metrics   *observability.Metrics
	hostGuard *monitoring.HostMemoryGuard

	mu            sync.Mutex
	breakerState  breaker.State
	breakerConfig breaker.Config
}

func NewManager(kvClient *kv.Client, logger *zap.Logger, ttl TTLConfig, metrics *observability.Metrics) *Manager {
	return &Manager{
		kv:        kvClient,
		logger:    logger,
		ttl:       ttl,
		metrics:   metrics,
		hostGuard: monitoring.NewHostMemoryGuard(logger),
		breakerConfig: breaker.Config{
			Threshold: 5,
			Window:    30 * time.Second,
			Reset:     15 * time.Second,
		},
	}
}

// gate checks the in-process breaker before an I/O call. Unlike C5's
// breaker (shared via KV), C3's breaker tracks the KV engine's own health,
// so it must live outside the KV engine it is protecting against.
func (m *Manager) gate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	proceed, next := breaker.Check(m.breakerState, m.breakerConfig, time.Now())
	m.breakerState = next
	m.metrics.DragonflyCircuitBreakerState.WithLabelValues(hotstateInstanceLabel).Set(m.breakerState.Status.GaugeValue())
	return proceed
}

func (m *Manager) recordOutcome(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		before := m.breakerState.Status
		m.breakerState = breaker.RecordFailure(m.breakerState, m.breakerConfig, time.Now())
		if before != breaker.Open && m.breakerState.Status == breaker.Open {
			m.logger.Warn("hot state circuit breaker tripped",
				zap.Int("recent_failures", len(m.breakerState.Failures)),
				zap.Duration("window", m.breakerConfig.Window))
		}
	} else {
		m.breakerState = breaker.RecordSuccess(m.breakerState)
	}
	m.metrics.DragonflyCircuitBreakerState.WithLabelValues(hotstateInstanceLabel).Set(m.breakerState.Status.GaugeValue())
}

func (m *Manager) BreakerStatus() breaker.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breakerState.Status
}

// estimateBytesPerRecipient is the backpressure sizing constant from spec
// §4.3.4.
const estimateBytesPerRecipient = 50

// InitializeBatch checks backpressure then seeds counters with the active
// TTL (spec §4.3 initializeBatch). Refuses with errtype.KindBackpressure
// when KV memory headroom is below the 0.85 threshold.
func (m *Manager) InitializeBatch(ctx context.Context, batchID string, total int) error {
	if !m.gate() {
		return errtype.New(errtype.KindTransientIO, fmt.Errorf("hot state circuit open"))
	}

	ok, err := m.checkBackpressure(ctx, total)
	if err != nil {
		m.logger.Warn("backpressure check failed, allowing (fail-open diagnostic)", zap.Error(err))
	} else if !ok {
		m.metrics.BatchesRejectedMemoryPressureTotal.Inc()
		return errtype.New(errtype.KindBackpressure, fmt.Errorf("memory_pressure"))
	}

	err = m.initScript(ctx, batchID, total)
	m.recordOutcome(err)
	if err != nil {
		return errtype.New(errtype.KindTransientIO, err)
	}
	return nil
}

const hotstateInstanceLabel = "hotstate"

func (m *Manager) checkBackpressure(ctx context.Context, totalRecipients int) (bool, error) {
	stats, err := m.kv.MemoryStats(ctx)
	if err != nil {
		ok, usedPercent, hostErr := m.hostGuard.Headroom(backpressureRatio)
		if hostErr != nil {
			return true, err
		}
		m.logger.Warn("KV memory stats unavailable, falling back to host memory read",
			zap.Error(err), zap.Float64("host_used_percent", usedPercent))
		m.metrics.DragonflyMemoryRatio.WithLabelValues(hotstateInstanceLabel).Set(usedPercent / 100)
		return ok, nil
	}
	if stats.MaxBytes <= 0 {
		return true, nil // no configured cap, allow (fail-open on a diagnostic)
	}
	estimated := int64(totalRecipients) * estimateBytesPerRecipient
	ratio := float64(stats.UsedBytes+estimated) / float64(stats.MaxBytes)
	m.metrics.DragonflyMemoryUsed.WithLabelValues(hotstateInstanceLabel).Set(float64(stats.UsedBytes))
	m.metrics.DragonflyMemoryRatio.WithLabelValues(hotstateInstanceLabel).Set(ratio)
	return ratio <= backpressureRatio, nil
}

const initScriptLua = `
redis.call("HSET", KEYS[1], "sent", 0, "failed", 0, "total", ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[2])
redis.call("SADD", KEYS[3], ARGV[3])
return 1
`

func (m *Manager) initScript(ctx context.Context, batchID string, total int) error {
	_, err := m.kv.Eval(ctx, initScriptLua,
		[]string{countersKey(batchID), recipientKey(batchID), activeBatchesKey},
		total, int(m.ttl.Active.Seconds()), batchID,
	).Result()
	if err != nil {
		return fmt.Errorf("initialize batch hot state: %w", err)
	}
	return nil
}

// CheckRecipientProcessed is fail-safe (spec §4.3.3): on circuit-open or KV
// error it returns an error so the caller falls back to a durable-store
// read, rather than silently allowing re-execution.
func (m *Manager) CheckRecipientProcessed(ctx context.Context, batchID, recipientID string) (*store.RecipientStatus, error) {
	if !m.gate() {
		return nil, errtype.New(errtype.KindIntegrityFault, fmt.Errorf("hot state circuit open, fail-safe"))
	}

	raw, err := m.kv.HGet(ctx, recipientKey(batchID), recipientID).Result()
	m.recordOutcome(mapRedisNilToNil(err))
	if err != nil {
		if err == kv.Nil() {
			return nil, nil
		}
		return nil, errtype.New(errtype.KindIntegrityFault, fmt.Errorf("check recipient processed: %w", err))
	}

	state, err := DecodeState(raw)
	if err != nil {
		return nil, errtype.New(errtype.KindIntegrityFault, err)
	}
	if !state.Status.IsTerminal() {
		return nil, nil
	}
	status := state.Status
	return &status, nil
}

// CheckRecipientsProcessedBatch is the bulk form of CheckRecipientProcessed,
// equally fail-safe.
func (m *Manager) CheckRecipientsProcessedBatch(ctx context.Context, batchID string, recipientIDs []string) (map[string]store.RecipientStatus, error) {
	if !m.gate() {
		return nil, errtype.New(errtype.KindIntegrityFault, fmt.Errorf("hot state circuit open, fail-safe"))
	}

	raws, err := m.kv.HMGet(ctx, recipientKey(batchID), recipientIDs...).Result()
	m.recordOutcome(err)
	if err != nil {
		return nil, errtype.New(errtype.KindIntegrityFault, fmt.Errorf("check recipients processed batch: %w", err))
	}

	result := make(map[string]store.RecipientStatus, len(recipientIDs))
	for i, raw := range raws {
		s, ok := raw.(string)
		if !ok || s == "" {
			continue
		}
		state, err := DecodeState(s)
		if err != nil {
			continue
		}
		if state.Status.IsTerminal() {
			result[recipientIDs[i]] = state.Status
		}
	}
	return result, nil
}

const recordTerminalScript = `
local counters_key = KEYS[1]
local recipients_key = KEYS[2]
local pending_sync_key = KEYS[3]
local recipient_id = ARGV[1]
local encoded_value = ARGV[2]
local counter_field = ARGV[3]
local ttl_seconds = ARGV[4]

redis.call("HSET", recipients_key, recipient_id, encoded_value)
redis.call("SADD", pending_sync_key, recipient_id)
redis.call("HINCRBY", counters_key, counter_field, 1)
redis.call("EXPIRE", counters_key, ttl_seconds)
redis.call("EXPIRE", recipients_key, ttl_seconds)
redis.call("EXPIRE", pending_sync_key, ttl_seconds)

local sent = tonumber(redis.call("HGET", counters_key, "sent") or "0")
local failed = tonumber(redis.call("HGET", counters_key, "failed") or "0")
local total = tonumber(redis.call("HGET", counters_key, "total") or "0")

return {sent, failed, total}
`

type RecordResult struct {
	Counters   Counters
	IsComplete bool
}

// RecordSent atomically increments sent, writes the compact sent-state, adds
// the recipient to the pending-sync set, and refreshes TTL — a single
// scripted operation per invariant I5.
func (m *Manager) RecordSent(ctx context.Context, batchID, recipientID, providerMessageID string) (RecordResult, error) {
	encoded := encodeSent(providerMessageID, time.Now())
	return m.recordTerminal(ctx, batchID, recipientID, encoded, "sent")
}

// RecordFailed is RecordSent's symmetric counterpart for the failed path.
func (m *Manager) RecordFailed(ctx context.Context, batchID, recipientID, errorMessage string) (RecordResult, error) {
	encoded := encodeTerminalWithError(store.RecipientFailed, errorMessage)
	return m.recordTerminal(ctx, batchID, recipientID, encoded, "failed")
}

func (m *Manager) recordTerminal(ctx context.Context, batchID, recipientID, encoded, counterField string) (RecordResult, error) {
	if !m.gate() {
		return RecordResult{}, errtype.New(errtype.KindTransientIO, fmt.Errorf("hot state circuit open"))
	}

	raw, err := m.kv.Eval(ctx, recordTerminalScript,
		[]string{countersKey(batchID), recipientKey(batchID), pendingSyncKey(batchID)},
		recipientID, encoded, counterField, int(m.ttl.Active.Seconds()),
	).Result()
	m.recordOutcome(err)
	if err != nil {
		return RecordResult{}, errtype.New(errtype.KindTransientIO, fmt.Errorf("record terminal state: %w", err))
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return RecordResult{}, errtype.New(errtype.KindIntegrityFault, fmt.Errorf("unexpected record terminal result shape"))
	}

	counters := Counters{Sent: toInt64(values[0]), Failed: toInt64(values[1]), Total: toInt64(values[2])}
	return RecordResult{Counters: counters, IsComplete: counters.IsComplete()}, nil
}

// BulkResult is one recipient outcome for RecordResultsBatch.
type BulkResult struct {
	RecipientID       string
	Status            store.RecipientStatus
	ProviderMessageID string
	ErrorMessage      string
}

// RecordResultsBatch applies a batch of terminal outcomes with the same
// atomicity contract as RecordSent/RecordFailed, moving counters by chunk
// counts (spec §4.3 recordResultsBatch).
func (m *Manager) RecordResultsBatch(ctx context.Context, batchID string, results []BulkResult) (RecordResult, error) {
	var last RecordResult
	for _, r := range results {
		var err error
		switch r.Status {
		case store.RecipientSent:
			last, err = m.RecordSent(ctx, batchID, r.RecipientID, r.ProviderMessageID)
		default:
			last, err = m.RecordFailed(ctx, batchID, r.RecipientID, r.ErrorMessage)
		}
		if err != nil {
			return last, err
		}
	}
	return last, nil
}

// MarkBatchCompleted shortens TTL on all batch keys to the completed
// retention window (spec §4.3 markBatchCompleted).
func (m *Manager) MarkBatchCompleted(ctx context.Context, batchID string) error {
	if !m.gate() {
		return errtype.New(errtype.KindTransientIO, fmt.Errorf("hot state circuit open"))
	}
	ttl := int(m.ttl.Completed.Seconds())
	pipe := m.kv.Pipeline()
	pipe.Expire(ctx, countersKey(batchID), time.Duration(ttl)*time.Second)
	pipe.Expire(ctx, recipientKey(batchID), time.Duration(ttl)*time.Second)
	pipe.Expire(ctx, pendingSyncKey(batchID), time.Duration(ttl)*time.Second)
	_, err := pipe.Exec(ctx)
	m.recordOutcome(err)
	if err != nil {
		return errtype.New(errtype.KindTransientIO, fmt.Errorf("mark batch completed: %w", err))
	}
	return nil
}

// GetPendingSyncRecipients returns up to limit recipient ids awaiting
// durable-store sync.
func (m *Manager) GetPendingSyncRecipients(ctx context.Context, batchID string, limit int64) ([]string, error) {
	if !m.gate() {
		return nil, errtype.New(errtype.KindTransientIO, fmt.Errorf("hot state circuit open"))
	}
	ids, _, err := m.kv.SScan(ctx, pendingSyncKey(batchID), 0, "", limit).Result()
	m.recordOutcome(err)
	if err != nil {
		return nil, errtype.New(errtype.KindTransientIO, fmt.Errorf("get pending sync recipients: %w", err))
	}
	return ids, nil
}

// GetRecipientStates decodes the hot-state value for each given recipient.
func (m *Manager) GetRecipientStates(ctx context.Context, batchID string, recipientIDs []string) (map[string]RecipientState, error) {
	if !m.gate() {
		return nil, errtype.New(errtype.KindTransientIO, fmt.Errorf("hot state circuit open"))
	}
	raws, err := m.kv.HMGet(ctx, recipientKey(batchID), recipientIDs...).Result()
	m.recordOutcome(err)
	if err != nil {
		return nil, errtype.New(errtype.KindTransientIO, fmt.Errorf("get recipient states: %w", err))
	}

	result := make(map[string]RecipientState, len(recipientIDs))
	for i, raw := range raws {
		s, ok := raw.(string)
		if !ok || s == "" {
			continue
		}
		state, err := DecodeState(s)
		if err != nil {
			m.logger.Warn("undecodable hot state value", zap.String("recipient_id", recipientIDs[i]), zap.Error(err))
			continue
		}
		result[recipientIDs[i]] = state
	}
	return result, nil
}

// MarkSynced removes the given recipients from the pending-sync set once
// durable-store sync has committed them.
func (m *Manager) MarkSynced(ctx context.Context, batchID string, recipientIDs []string) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	if !m.gate() {
		return errtype.New(errtype.KindTransientIO, fmt.Errorf("hot state circuit open"))
	}
	members := make([]interface{}, len(recipientIDs))
	for i, id := range recipientIDs {
		members[i] = id
	}
	err := m.kv.SRem(ctx, pendingSyncKey(batchID), members...).Err()
	m.recordOutcome(err)
	if err != nil {
		return errtype.New(errtype.KindTransientIO, fmt.Errorf("mark synced: %w", err))
	}
	return nil
}

// GetActiveBatchIds scans the set of batches with any pending sync or
// recent activity, used by C9's sync loop.
func (m *Manager) GetActiveBatchIds(ctx context.Context) ([]string, error) {
	if !m.gate() {
		return nil, errtype.New(errtype.KindTransientIO, fmt.Errorf("hot state circuit open"))
	}
	ids, err := m.kv.SMembers(ctx, activeBatchesKey).Result()
	m.recordOutcome(err)
	if err != nil {
		return nil, errtype.New(errtype.KindTransientIO, fmt.Errorf("get active batch ids: %w", err))
	}
	return ids, nil
}

// IsBatchComplete reads counters directly, used by C9 before finalizing.
func (m *Manager) IsBatchComplete(ctx context.Context, batchID string) (bool, error) {
	counters, err := m.GetCounters(ctx, batchID)
	if err != nil {
		return false, err
	}
	return counters.IsComplete(), nil
}

// GetCounters reads the current sent/failed/total counters for a batch,
// used by C9 to mirror hot-state progress into the durable store (spec
// §4.9 step 5).
func (m *Manager) GetCounters(ctx context.Context, batchID string) (Counters, error) {
	if !m.gate() {
		return Counters{}, errtype.New(errtype.KindTransientIO, fmt.Errorf("hot state circuit open"))
	}
	vals, err := m.kv.HMGet(ctx, countersKey(batchID), "sent", "failed", "total").Result()
	m.recordOutcome(err)
	if err != nil {
		return Counters{}, errtype.New(errtype.KindTransientIO, fmt.Errorf("get counters: %w", err))
	}
	return Counters{Sent: toInt64FromAny(vals[0]), Failed: toInt64FromAny(vals[1]), Total: toInt64FromAny(vals[2])}, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	default:
		return 0
	}
}

func toInt64FromAny(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}

func mapRedisNilToNil(err error) error {
	if err == kv.Nil() {
		return nil
	}
	return err
}
