package jobworker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"batchsender/internal/module"
	"batchsender/internal/store"
)

func TestConfigRateLimit_ReadsNumericTypes(t *testing.T) {
	n := configRateLimit(map[string]any{"rateLimitPerSecond": float64(50)})
	assert.NotNil(t, n)
	assert.Equal(t, 50, *n)

	assert.Nil(t, configRateLimit(map[string]any{}))
	assert.Nil(t, configRateLimit(nil))
}

func TestProviderOf_SendConfigIDOf(t *testing.T) {
	cfg := map[string]any{"provider": "sendgrid", "id": "cfg-1"}
	assert.Equal(t, "sendgrid", providerOf(cfg))
	assert.Equal(t, "cfg-1", sendConfigIDOf(cfg))

	assert.Equal(t, "", providerOf(nil))
	assert.Equal(t, "", sendConfigIDOf(nil))
}

func TestSendConfigFrom_ExtractsMode(t *testing.T) {
	job := module.JobData{SendConfig: map[string]any{"mode": "byok"}}
	cfg := sendConfigFrom(job)
	assert.Equal(t, store.SendConfigMode("byok"), cfg.Mode)
}

func TestOutcomeLabel_SuccessVsError(t *testing.T) {
	assert.Equal(t, "success", outcomeLabel(module.Result{Success: true}))
	assert.Equal(t, "error", outcomeLabel(module.Result{Success: false}))
}
