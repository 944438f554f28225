package ratelimit

import (
	"context"
	"fmt"
	"time"

	"batchsender/internal/kv"
	"batchsender/internal/store"

	"go.uber.org/zap"
)

// LimitingFactor names which layer denied an acquire call.
type LimitingFactor string

const (
	FactorSystem   LimitingFactor = "system"
	FactorProvider LimitingFactor = "provider"
	FactorConfig   LimitingFactor = "config"
)

// AcquireContext carries the dimensions needed to pick which buckets apply.
type AcquireContext struct {
	Mode         store.SendConfigMode
	Provider     string
	Module       store.ModuleType
	SendConfigID string
	UserID       string
}

// AcquireResult reports the outcome of a layered acquire.
type AcquireResult struct {
	Allowed        bool
	LimitingFactor LimitingFactor
	WaitTimeMs     int64
}

// LimiterSnapshot is a point-in-time view of one active bucket, returned by
// Status for operational dashboards.
type LimiterSnapshot struct {
	Key    string
	Tokens float64
	Rate   int
}

// systemRate and providerRates are the managed-mode pool sizes; they come
// from process configuration rather than per-batch input since they bound a
// shared account, not a single user's allowance.
type Registry struct {
	bucket        *Bucket
	logger        *zap.Logger
	systemRate    int
	providerRates map[string]int
	disabled      bool
}

func NewRegistry(kvClient *kv.Client, logger *zap.Logger, systemRatePerSecond int, providerRates map[string]int, disabled bool) *Registry {
	return &Registry{
		bucket:        NewBucket(kvClient, logger),
		logger:        logger,
		systemRate:    systemRatePerSecond,
		providerRates: providerRates,
		disabled:      disabled,
	}
}

// Acquire composes the system/provider/config layers per spec §4.2. Managed
// mode requires all three to succeed (system-wide pool is finite and shared
// across tenants); BYOK mode only consults the per-config limiter, and only
// if the caller configured one, since BYOK users bring their own provider
// credentials and are otherwise unbounded.
//
// DisableRateLimit is the operational killswitch (spec §6): when set, every
// layer is bypassed without touching the KV engine at all.
func (r *Registry) Acquire(ctx context.Context, actx AcquireContext, configLimitPerSecond *int, maxWait time.Duration) (AcquireResult, error) {
	if r.disabled {
		return AcquireResult{Allowed: true}, nil
	}

	if actx.Mode == store.ModeBYOK {
		if configLimitPerSecond == nil || *configLimitPerSecond <= 0 {
			return AcquireResult{Allowed: true}, nil
		}
		return r.acquireConfig(ctx, actx, *configLimitPerSecond, maxWait)
	}

	if res, err := r.acquireSystem(ctx, maxWait); err != nil || !res.Allowed {
		return res, err
	}

	if res, err := r.acquireProvider(ctx, actx, maxWait); err != nil || !res.Allowed {
		return res, err
	}

	if configLimitPerSecond != nil && *configLimitPerSecond > 0 {
		return r.acquireConfig(ctx, actx, *configLimitPerSecond, maxWait)
	}

	return AcquireResult{Allowed: true}, nil
}

func (r *Registry) acquireSystem(ctx context.Context, maxWait time.Duration) (AcquireResult, error) {
	if r.systemRate <= 0 {
		return AcquireResult{Allowed: true}, nil
	}
	res, err := r.bucket.Acquire(ctx, "ratelimit:system", 1, r.systemRate, maxWait)
	if err != nil {
		return AcquireResult{}, err
	}
	return AcquireResult{Allowed: res.Allowed, LimitingFactor: FactorSystem, WaitTimeMs: res.WaitMs}, nil
}

func (r *Registry) acquireProvider(ctx context.Context, actx AcquireContext, maxWait time.Duration) (AcquireResult, error) {
	rate, ok := r.providerRates[actx.Provider]
	if !ok || rate <= 0 {
		return AcquireResult{Allowed: true}, nil
	}
	key := fmt.Sprintf("ratelimit:provider:%s", actx.Provider)
	res, err := r.bucket.Acquire(ctx, key, 1, rate, maxWait)
	if err != nil {
		return AcquireResult{}, err
	}
	return AcquireResult{Allowed: res.Allowed, LimitingFactor: FactorProvider, WaitTimeMs: res.WaitMs}, nil
}

func (r *Registry) acquireConfig(ctx context.Context, actx AcquireContext, ratePerSecond int, maxWait time.Duration) (AcquireResult, error) {
	key := fmt.Sprintf("ratelimit:config:%s", actx.SendConfigID)
	res, err := r.bucket.Acquire(ctx, key, 1, ratePerSecond, maxWait)
	if err != nil {
		return AcquireResult{}, err
	}
	return AcquireResult{Allowed: res.Allowed, LimitingFactor: FactorConfig, WaitTimeMs: res.WaitMs}, nil
}

// Status returns a snapshot of the named limiters currently configured,
// for operational dashboards (spec §4.2 "Status query").
func (r *Registry) Status(ctx context.Context) ([]LimiterSnapshot, error) {
	var snapshots []LimiterSnapshot

	if r.systemRate > 0 {
		tokens, err := r.bucket.Peek(ctx, "ratelimit:system", burstCapacity(r.systemRate))
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, LimiterSnapshot{Key: "system", Tokens: tokens, Rate: r.systemRate})
	}

	for provider, rate := range r.providerRates {
		if rate <= 0 {
			continue
		}
		key := fmt.Sprintf("ratelimit:provider:%s", provider)
		tokens, err := r.bucket.Peek(ctx, key, burstCapacity(rate))
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, LimiterSnapshot{Key: key, Tokens: tokens, Rate: rate})
	}

	return snapshots, nil
}
