package module

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Resolve(TypeEmail)
	assert.False(t, ok)

	mock := NewMockModule(nil)
	r.Register(TypeEmail, mock)

	resolved, ok := r.Resolve(TypeEmail)
	assert.True(t, ok)
	assert.Same(t, mock, resolved)
}

func TestIdentifierOf_PerModuleType(t *testing.T) {
	assert.Equal(t, "a@b.com", identifierOf(Payload{Type: TypeEmail, Email: &EmailPayload{To: "a@b.com"}}))
	assert.Equal(t, "+15551234567", identifierOf(Payload{Type: TypeSMS, SMS: &SMSPayload{To: "+15551234567"}}))
	assert.Equal(t, "device-token", identifierOf(Payload{Type: TypePush, Push: &PushPayload{To: "device-token"}}))
	assert.Equal(t, "https://example.com/hook", identifierOf(Payload{Type: TypeWebhook, Webhook: &WebhookPayload{URL: "https://example.com/hook"}}))
}

func TestDryRunLatency_ClampsToRangeAndHandlesDegenerateRange(t *testing.T) {
	fixed := func(n int) int { return n - 1 }
	d := DryRunLatency(50, 250, fixed)
	assert.Equal(t, 249*time.Millisecond, d)

	d = DryRunLatency(100, 100, fixed)
	assert.Equal(t, 100*time.Millisecond, d)
}
