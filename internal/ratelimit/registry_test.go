package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"batchsender/internal/store"
)

func TestAcquire_BYOKWithoutConfigLimitAlwaysAllows(t *testing.T) {
	r := NewRegistry(nil, nil, 1000, map[string]int{"sendgrid": 500}, false)
	res, err := r.Acquire(context.Background(), AcquireContext{Mode: store.ModeBYOK}, nil, time.Second)
	assert.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestAcquire_ManagedModeWithNoConfiguredRatesAlwaysAllows(t *testing.T) {
	r := NewRegistry(nil, nil, 0, map[string]int{}, false)
	res, err := r.Acquire(context.Background(), AcquireContext{Mode: store.ModeManaged, Provider: "unknown"}, nil, time.Second)
	assert.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestAcquireProvider_UnconfiguredProviderAlwaysAllows(t *testing.T) {
	r := NewRegistry(nil, nil, 0, map[string]int{"sendgrid": 100}, false)
	res, err := r.acquireProvider(context.Background(), AcquireContext{Provider: "mailgun"}, time.Second)
	assert.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestAcquire_DisabledBypassesEveryLayerWithoutTouchingKV(t *testing.T) {
	r := NewRegistry(nil, nil, 1000, map[string]int{"sendgrid": 500}, true)
	limit := 10
	res, err := r.Acquire(context.Background(), AcquireContext{Mode: store.ModeManaged, Provider: "sendgrid"}, &limit, time.Second)
	assert.NoError(t, err)
	assert.True(t, res.Allowed)
}
