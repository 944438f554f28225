// Package monitoring provides the host-level diagnostic fallback used when
// the KV engine's own memory accounting is unavailable. It does not
// replace the KV engine's INFO-based memory stats (internal/kv); it is
// consulted only when those stats fail to load, so backpressure can still
// make a real decision instead of failing open blind.
package monitoring

import (
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// HostMemoryGuard reads the host's own memory usage via gopsutil. It has no
// notion of per-batch estimation; callers compare UsedPercent against
// whatever ratio they'd otherwise have applied to the KV engine's stats.
type HostMemoryGuard struct {
	logger *zap.Logger
}

func NewHostMemoryGuard(logger *zap.Logger) *HostMemoryGuard {
	return &HostMemoryGuard{logger: logger}
}

// Headroom reports whether host memory usage is at or below ratio (0..1).
// On read failure it returns ok=true so the caller still fails open, but
// the error is propagated for logging.
func (g *HostMemoryGuard) Headroom(ratio float64) (ok bool, usedPercent float64, err error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return true, 0, err
	}
	return vm.UsedPercent/100.0 <= ratio, vm.UsedPercent, nil
}
