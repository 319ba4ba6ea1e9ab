//go:build wasip1 && wasmgrind_tracing

package guest

//go:wasmimport wasm_threadlink start_lock
func startLock(mutex uint32)

//go:wasmimport wasm_threadlink finish_lock
func finishLock(mutex uint32)

//go:wasmimport wasm_threadlink start_unlock
func startUnlock(mutex uint32)

//go:wasmimport wasm_threadlink finish_unlock
func finishUnlock(mutex uint32)
