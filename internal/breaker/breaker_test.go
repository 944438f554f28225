package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{Threshold: 3, Window: time.Minute, Reset: 5 * time.Second}
}

func TestCheck_ClosedAlwaysProceeds(t *testing.T) {
	s := State{Status: Closed}
	proceed, next := Check(s, testConfig(), time.Now())
	assert.True(t, proceed)
	assert.Equal(t, Closed, next.Status)
}

func TestRecordFailure_TripsOpenAtThreshold(t *testing.T) {
	cfg := testConfig()
	now := time.Now()
	s := State{Status: Closed}

	s = RecordFailure(s, cfg, now)
	s = RecordFailure(s, cfg, now.Add(time.Second))
	require.Equal(t, Closed, s.Status)

	s = RecordFailure(s, cfg, now.Add(2*time.Second))
	assert.Equal(t, Open, s.Status)
}

func TestCheck_OpenBlocksUntilResetElapses(t *testing.T) {
	cfg := testConfig()
	now := time.Now()
	s := State{Status: Open, OpenedAt: now}

	proceed, next := Check(s, cfg, now.Add(time.Second))
	assert.False(t, proceed)
	assert.Equal(t, Open, next.Status)

	proceed, next = Check(s, cfg, now.Add(cfg.Reset+time.Millisecond))
	assert.True(t, proceed)
	assert.Equal(t, HalfOpen, next.Status)
}

func TestRecordSuccess_HalfOpenClosesAndClearsHistory(t *testing.T) {
	s := State{Status: HalfOpen, Failures: []time.Time{time.Now()}}
	s = RecordSuccess(s)
	assert.Equal(t, Closed, s.Status)
	assert.Empty(t, s.Failures)
}

func TestRecordFailure_HalfOpenReopensAndResetsClock(t *testing.T) {
	cfg := testConfig()
	now := time.Now()
	s := State{Status: HalfOpen}

	s = RecordFailure(s, cfg, now)
	assert.Equal(t, Open, s.Status)
	assert.Equal(t, now, s.OpenedAt)
}

func TestPruneFailures_DropsOutsideWindow(t *testing.T) {
	cfg := testConfig()
	now := time.Now()
	s := State{Status: Closed, Failures: []time.Time{now.Add(-2 * time.Minute)}}

	s = RecordFailure(s, cfg, now)
	require.Len(t, s.Failures, 1)
	assert.True(t, s.Failures[0].Equal(now))
}

func TestGaugeValue(t *testing.T) {
	assert.Equal(t, 0.0, Closed.GaugeValue())
	assert.Equal(t, 1.0, HalfOpen.GaugeValue())
	assert.Equal(t, 2.0, Open.GaugeValue())
}
