// Package ratelimit implements the layered token-bucket rate limiting
// described in spec §4.1-4.2: a named distributed bucket (C1) composed by
// the registry (C2) into system/provider/config layers.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"batchsender/internal/kv"

	"go.uber.org/zap"
)

// acquireScript atomically refills and consumes tokens in one round trip
// (spec invariant I5: counter/state mutation must be atomic), generalizing
// the teacher's get-then-set token bucket (internal/rate/limiter.go) which
// raced two independent Redis calls.
const acquireScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now_micros = tonumber(ARGV[4])
local ttl_seconds = tonumber(ARGV[5])

local raw = redis.call("GET", key)
local tokens = capacity
local last_refill = now_micros

if raw then
  local sep = string.find(raw, ":")
  tokens = tonumber(string.sub(raw, 1, sep - 1))
  last_refill = tonumber(string.sub(raw, sep + 1))
end

local elapsed_seconds = (now_micros - last_refill) / 1000000
if elapsed_seconds > 0 then
  tokens = math.min(capacity, tokens + elapsed_seconds * rate)
  last_refill = now_micros
end

local allowed = 0
local wait_ms = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
else
  local deficit = cost - tokens
  wait_ms = math.ceil((deficit / rate) * 1000)
end

redis.call("SET", key, tostring(tokens) .. ":" .. tostring(last_refill), "EX", ttl_seconds)

return {allowed, wait_ms, tokens}
`

// Bucket is a single named token bucket backed by the KV engine.
type Bucket struct {
	kv     *kv.Client
	logger *zap.Logger
}

func NewBucket(kvClient *kv.Client, logger *zap.Logger) *Bucket {
	return &Bucket{kv: kvClient, logger: logger}
}

// Result of an Acquire call.
type Result struct {
	Allowed bool
	WaitMs  int64
	Tokens  float64
}

// burstCapacity clamps the burst allowance per spec §4.1:
// clamp(max(2*rate, 10), 30*rate).
func burstCapacity(rate int) int {
	capacity := max(2*rate, 10)
	ceiling := 30 * rate
	if capacity > ceiling {
		capacity = ceiling
	}
	return capacity
}

// Acquire attempts to consume cost tokens from the named bucket, polling
// at most until maxWait elapses. KV errors fail open (spec §4.1 "Failure
// policy") — returns allowed=true so an unavailable KV engine does not
// halt user traffic; the hot-state layer's fail-safe path covers the
// duplicate-send risk this would otherwise introduce.
func (b *Bucket) Acquire(ctx context.Context, key string, cost int, ratePerSecond int, maxWait time.Duration) (Result, error) {
	if ratePerSecond <= 0 {
		return Result{Allowed: true}, nil
	}

	capacity := burstCapacity(ratePerSecond)
	deadline := time.Now().Add(maxWait)

	for {
		res, err := b.tryAcquire(ctx, key, cost, capacity, ratePerSecond)
		if err != nil {
			b.logger.Warn("rate limit kv error, failing open", zap.String("key", key), zap.Error(err))
			return Result{Allowed: true}, nil
		}

		if res.Allowed || time.Now().Add(time.Duration(res.WaitMs)*time.Millisecond).After(deadline) {
			return res, nil
		}

		select {
		case <-ctx.Done():
			return Result{Allowed: false}, ctx.Err()
		case <-time.After(time.Duration(res.WaitMs) * time.Millisecond):
		}
	}
}

func (b *Bucket) tryAcquire(ctx context.Context, key string, cost, capacity, rate int) (Result, error) {
	nowMicros := time.Now().UnixMicro()
	raw, err := b.kv.Eval(ctx, acquireScript, []string{key}, capacity, rate, cost, nowMicros, 300).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script failed: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return Result{}, fmt.Errorf("unexpected rate limit script result shape")
	}

	allowed, _ := values[0].(int64)
	waitMs, _ := values[1].(int64)
	tokens := toFloat(values[2])

	return Result{Allowed: allowed == 1, WaitMs: waitMs, Tokens: tokens}, nil
}

// peekScript reports current token count without consuming or refilling,
// for the registry's status/diagnostics query (spec §4.2 "Status query").
const peekScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return tostring(tonumber(ARGV[1]))
end
local sep = string.find(raw, ":")
return string.sub(raw, 1, sep - 1)
`

func (b *Bucket) Peek(ctx context.Context, key string, capacity int) (float64, error) {
	raw, err := b.kv.Eval(ctx, peekScript, []string{key}, capacity).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limit peek failed: %w", err)
	}
	s, _ := raw.(string)
	var f float64
	fmt.Sscanf(s, "%f", &f)
	return f, nil
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	case string:
		var f float64
		fmt.Sscanf(t, "%f", &f)
		return f
	default:
		return 0
	}
}
