package httpclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"batchsender/internal/breaker"
)

func TestPow_ComputesIntegerExponent(t *testing.T) {
	assert.Equal(t, 1.0, pow(2.0, 0))
	assert.Equal(t, 8.0, pow(2.0, 3))
}

func TestHostOf_ExtractsHostFromURL(t *testing.T) {
	assert.Equal(t, "api.example.com", hostOf("https://api.example.com/v1/send"))
	assert.Equal(t, "not a url", hostOf("not a url")) // parse failure returns input unchanged
}

func TestEncodeDecodeBreakerState_RoundTrips(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	original := breaker.State{
		Status:   breaker.Open,
		Failures: []time.Time{now.Add(-time.Second), now},
		OpenedAt: now,
	}

	encoded := fromState(original)
	decoded := encoded.toState()

	assert.Equal(t, original.Status, decoded.Status)
	assert.True(t, original.OpenedAt.Equal(decoded.OpenedAt))
	assert.Len(t, decoded.Failures, 2)
	for i := range original.Failures {
		assert.True(t, original.Failures[i].Equal(decoded.Failures[i]))
	}
}

func TestEncodeDecodeBreakerState_ZeroOpenedAtStaysZero(t *testing.T) {
	decoded := encodedState{Status: int(breaker.Closed)}.toState()
	assert.True(t, decoded.OpenedAt.IsZero())
}
