package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBatchNackDelay_GrowsThenCaps(t *testing.T) {
	assert.Equal(t, 5*time.Second, BatchNackDelay(0))
	assert.Equal(t, 10*time.Second, BatchNackDelay(1))
	assert.Equal(t, 20*time.Second, BatchNackDelay(2))
	assert.Equal(t, 60*time.Second, BatchNackDelay(10))
}

func TestJobNackDelay_GrowsThenCaps(t *testing.T) {
	assert.Equal(t, 1*time.Second, JobNackDelay(0))
	assert.Equal(t, 2*time.Second, JobNackDelay(1))
	assert.Equal(t, 4*time.Second, JobNackDelay(2))
	assert.Equal(t, 30*time.Second, JobNackDelay(10))
}

func TestBatchMsgID_EmailJobMsgID_Deterministic(t *testing.T) {
	assert.Equal(t, "batch-abc", BatchMsgID("abc"))
	assert.Equal(t, "email-abc-123", EmailJobMsgID("abc", "123"))
}
