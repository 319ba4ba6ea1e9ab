//go:build wasip1

package guest

import (
	"sync"
	"unsafe"
)

// TracingMutex is a mutex whose lock and unlock operations are bracketed by
// the tracing hooks, identifying the mutex by its address in linear memory.
// In non-tracing builds (without the wasmgrind_tracing tag) the hook calls
// compile away and only the underlying mutex remains.
type TracingMutex struct {
	mu sync.Mutex
}

func (m *TracingMutex) addr() uint32 {
	return uint32(uintptr(unsafe.Pointer(m)))
}

// Lock acquires the mutex. The request is announced before the engine-level
// lock and the acquisition after it.
func (m *TracingMutex) Lock() {
	startLock(m.addr())
	m.mu.Lock()
	finishLock(m.addr())
}

// Unlock releases the mutex. The release is announced before the
// engine-level unlock so the trace order stays consistent with
// happens-before.
func (m *TracingMutex) Unlock() {
	startUnlock(m.addr())
	m.mu.Unlock()
	finishUnlock(m.addr())
}
