package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"batchsender/internal/module"
	"batchsender/internal/store"
)

func TestJobModule_DefaultsToEmailWithoutSendConfig(t *testing.T) {
	wc := &store.BatchWithConfig{}
	assert.Equal(t, module.TypeEmail, jobModule(wc))
}

func TestJobModule_UsesSendConfigModule(t *testing.T) {
	wc := &store.BatchWithConfig{SendConfig: &store.SendConfig{Module: module.TypeSMS}}
	assert.Equal(t, module.TypeSMS, jobModule(wc))
}

func TestConfigOf_NilWithoutSendConfig(t *testing.T) {
	wc := &store.BatchWithConfig{}
	assert.Nil(t, configOf(wc))
}

func TestConfigOf_ReturnsSendConfigConfig(t *testing.T) {
	wc := &store.BatchWithConfig{SendConfig: &store.SendConfig{Config: map[string]any{"provider": "sendgrid"}}}
	assert.Equal(t, "sendgrid", configOf(wc)["provider"])
}
