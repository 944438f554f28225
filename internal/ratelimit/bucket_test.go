package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBurstCapacity_UsesFloorWhenTwiceRateIsSmall(t *testing.T) {
	assert.Equal(t, 10, burstCapacity(1)) // max(2,10)=10
	assert.Equal(t, 10, burstCapacity(4)) // max(8,10)=10
}

func TestBurstCapacity_UsesTwiceRateAboveFloor(t *testing.T) {
	assert.Equal(t, 20, burstCapacity(10))   // max(20,10)=20
	assert.Equal(t, 200, burstCapacity(100)) // max(200,10)=200
}

func TestToFloat_HandlesRedisReplyTypes(t *testing.T) {
	assert.Equal(t, 5.0, toFloat(int64(5)))
	assert.Equal(t, 2.5, toFloat(2.5))
	assert.Equal(t, 7.0, toFloat("7"))
	assert.Equal(t, 0.0, toFloat(nil))
}

func TestAcquire_ZeroRateAlwaysAllows(t *testing.T) {
	b := NewBucket(nil, nil)
	res, err := b.Acquire(context.Background(), "key", 1, 0, time.Second)
	assert.NoError(t, err)
	assert.True(t, res.Allowed)
}
