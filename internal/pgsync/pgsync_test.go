package pgsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeFromUnixMs_ZeroFallsBackToNow(t *testing.T) {
	before := time.Now()
	got := timeFromUnixMs(0)
	assert.WithinDuration(t, before, got, time.Second)
}

func TestTimeFromUnixMs_ConvertsMilliseconds(t *testing.T) {
	got := timeFromUnixMs(1700000000000)
	assert.Equal(t, time.UnixMilli(1700000000000), got)
}
