package wsserver

import (
	"runtime"
	"runtime/debug"

	"wsserver/internal/wslog"
)

// CheckHeapGuardrail reads current heap usage and, if it exceeds
// cfg.HeapSoftLimitBytes, forces a GC pass; if it exceeds
// cfg.HeapHardLimitBytes, panics on the assumption that a leak, not
// transient load, is responsible. A zero limit disables that check.
//
// This does not run automatically: the core loop never touches the
// garbage collector on its own. An embedding program that wants the
// guardrail calls this once per iteration around Server.LoopOnce (see
// cmd/wsserver-demo).
func CheckHeapGuardrail(cfg Config) {
	if cfg.HeapSoftLimitBytes == 0 && cfg.HeapHardLimitBytes == 0 {
		return
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	if cfg.HeapSoftLimitBytes > 0 && stats.HeapAlloc > cfg.HeapSoftLimitBytes {
		runtime.GC()
		debug.FreeOSMemory()
		wslog.DropMessage("heap guardrail", "soft limit exceeded, forced GC")
	}
	if cfg.HeapHardLimitBytes > 0 && stats.HeapAlloc > cfg.HeapHardLimitBytes {
		panic("wsserver: heap usage exceeded hard cap")
	}
}
