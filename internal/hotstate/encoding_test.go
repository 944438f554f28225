package hotstate

import (
	"testing"

	"batchsender/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSent(t *testing.T) {
	raw := "s:1700000000000:prov-123"
	state, err := DecodeState(raw)
	require.NoError(t, err)
	assert.Equal(t, store.RecipientSent, state.Status)
	assert.Equal(t, int64(1700000000000), state.SentAtUnixMs)
	assert.Equal(t, "prov-123", state.ProviderMessageID)
}

func TestEncodeDecodeFailed(t *testing.T) {
	raw := encodeTerminalWithError(store.RecipientFailed, "connection refused")
	state, err := DecodeState(raw)
	require.NoError(t, err)
	assert.Equal(t, store.RecipientFailed, state.Status)
	assert.Equal(t, "connection refused", state.ErrorMessage)
}

func TestDecodeSimple(t *testing.T) {
	raw := encodeSimple(store.RecipientQueued)
	state, err := DecodeState(raw)
	require.NoError(t, err)
	assert.Equal(t, store.RecipientQueued, state.Status)
}

func TestDecodeLegacyJSON(t *testing.T) {
	raw := `{"status":"sent","sentAt":1700000000000,"providerMessageId":"legacy-1"}`
	state, err := DecodeState(raw)
	require.NoError(t, err)
	assert.Equal(t, store.RecipientSent, state.Status)
	assert.Equal(t, "legacy-1", state.ProviderMessageID)
}

func TestDecodeEmptyErrors(t *testing.T) {
	_, err := DecodeState("")
	assert.Error(t, err)
}

func TestCountersIsComplete(t *testing.T) {
	assert.True(t, Counters{Sent: 3, Failed: 2, Total: 5}.IsComplete())
	assert.False(t, Counters{Sent: 1, Failed: 1, Total: 5}.IsComplete())
	assert.False(t, Counters{Sent: 0, Failed: 0, Total: 0}.IsComplete())
}
