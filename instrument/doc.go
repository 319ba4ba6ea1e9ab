// Package instrument patches a WebAssembly module to emit trace events at
// every memory-touching instruction and at every thread-management ABI call.
//
// The pass adds the wasabi.read_hook / wasabi.write_hook imports, extends the
// wasm_threadlink import signatures with two trailing location arguments, and
// rewrites each function body: operands of loads, stores, bulk-memory
// operations and atomics are copied through fresh scratch locals, the
// original instruction executes unchanged, and a hook call reports the
// effective address, the access width in bytes and the source location
// (function index, original instruction index).
//
// Atomic waits are the exception to hook-after ordering: the hook fires
// before the wait, which may block forever. A failed cmpxchg reports only the
// read; a successful one reports read then write.
//
// Instrumentation is position-preserving: in the absence of data races the
// instrumented module computes exactly what the original does.
package instrument
