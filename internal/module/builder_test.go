package module

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEmail_PrecedenceAndSubstitution(t *testing.T) {
	job := JobData{
		Module:     TypeEmail,
		Identifier: "alice@example.com",
		Name:       "Alice",
		Variables:  map[string]string{"coupon": "SAVE10"},
		BatchPayload: map[string]any{
			"subject":     "Hi {{name}}, use {{coupon}}",
			"htmlContent": "<p>Hello {{email}}</p>",
			"fromEmail":   "batch@sender.io",
		},
		SendConfig: map[string]any{
			"defaultSubject": "fallback subject",
			"fromEmail":      "config@sender.io",
			"fromName":       "Config Sender",
		},
	}

	payload, err := Build(job)
	require.NoError(t, err)
	require.NotNil(t, payload.Email)
	assert.Equal(t, "Hi Alice, use SAVE10", payload.Email.Subject)
	assert.Equal(t, "<p>Hello alice@example.com</p>", payload.Email.HTMLContent)
	assert.Equal(t, "batch@sender.io", payload.Email.FromEmail)
	assert.Equal(t, "Config Sender", payload.Email.FromName)
}

func TestBuildEmail_FallsBackToConfigDefaults(t *testing.T) {
	job := JobData{
		Module:     TypeEmail,
		Identifier: "bob@example.com",
		SendConfig: map[string]any{"defaultSubject": "Default subject"},
	}

	payload, err := Build(job)
	require.NoError(t, err)
	assert.Equal(t, "Default subject", payload.Email.Subject)
}

func TestBuildSMS(t *testing.T) {
	job := JobData{
		Module:     TypeSMS,
		Identifier: "+15555550100",
		Variables:  map[string]string{"code": "1234"},
		BatchPayload: map[string]any{
			"message": "Your code is {{code}}",
		},
	}

	payload, err := Build(job)
	require.NoError(t, err)
	assert.Equal(t, "Your code is 1234", payload.SMS.Message)
	assert.Equal(t, "+15555550100", payload.SMS.To)
}

func TestBuildWebhook(t *testing.T) {
	job := JobData{
		Module:       TypeWebhook,
		SendConfig:   map[string]any{"url": "https://hooks.example.com/in"},
		BatchPayload: map[string]any{"body": map[string]any{"event": "ping"}},
	}

	payload, err := Build(job)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/in", payload.Webhook.URL)
	assert.Equal(t, "ping", payload.Webhook.Body["event"])
}

func TestBuild_UnknownTokenLeftUnchanged(t *testing.T) {
	job := JobData{
		Module:       TypeSMS,
		Identifier:   "+15555550100",
		BatchPayload: map[string]any{"message": "Hi {{unknown}}"},
	}

	payload, err := Build(job)
	require.NoError(t, err)
	assert.Equal(t, "Hi {{unknown}}", payload.SMS.Message)
}

func TestBuild_UnknownModuleErrors(t *testing.T) {
	_, err := Build(JobData{Module: "carrier_pigeon"})
	assert.Error(t, err)
}
