package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"batchsender/internal/store"
)

func TestEventClass_MapsKnownEventTypes(t *testing.T) {
	cases := map[string]store.WebhookEventClass{
		"delivered": store.WebhookDelivered,
		"opened":    store.WebhookDelivered,
		"clicked":   store.WebhookDelivered,
		"bounced":   store.WebhookBounced,
		"failed":    store.WebhookFailed,
		"dropped":   store.WebhookFailed,
		"complained":   store.WebhookComplained,
		"spam_report":  store.WebhookComplained,
	}
	for eventType, want := range cases {
		class, ok := eventClass(eventType)
		assert.True(t, ok, eventType)
		assert.Equal(t, want, class, eventType)
	}
}

func TestEventClass_UnknownEventTypeNotOK(t *testing.T) {
	_, ok := eventClass("subscribed")
	assert.False(t, ok)
}

func TestDedupKey_IncludesAllDimensions(t *testing.T) {
	e := Event{Provider: "sendgrid", ProviderMessageID: "abc123", EventType: "delivered"}
	assert.Equal(t, "webhook:dedup:sendgrid:abc123:delivered", dedupKey(e))
}
