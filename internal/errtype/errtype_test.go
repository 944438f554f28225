package errtype

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable_ByKind(t *testing.T) {
	assert.True(t, Retryable(New(KindTransientIO, errors.New("timeout"))))
	assert.True(t, Retryable(RateLimited("system")))
	assert.True(t, Retryable(New(KindBackpressure, errors.New("memory"))))
	assert.False(t, Retryable(New(KindPermanent, errors.New("bad address"))))
	assert.False(t, Retryable(New(KindIntegrityFault, errors.New("checksum"))))
	assert.False(t, Retryable(New(KindFatalConfig, errors.New("missing provider"))))
}

func TestRetryable_UnclassifiedDefaultsTrue(t *testing.T) {
	assert.True(t, Retryable(errors.New("raw error")))
}

func TestIs_MatchesWrappedKind(t *testing.T) {
	err := fmt.Errorf("context: %w", New(KindRateLimited, nil))
	assert.True(t, Is(err, KindRateLimited))
	assert.False(t, Is(err, KindPermanent))
}

func TestError_MessageIncludesCause(t *testing.T) {
	err := New(KindTransientIO, errors.New("dial tcp: timeout"))
	assert.Equal(t, "transient_io: dial tcp: timeout", err.Error())
}

func TestError_UnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(KindPermanent, cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestRateLimited_CarriesLimitingFactor(t *testing.T) {
	err := RateLimited("provider")
	assert.Equal(t, KindRateLimited, err.Kind)
	assert.Equal(t, "provider", err.LimitingFactor)
}
