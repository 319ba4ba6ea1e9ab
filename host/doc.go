// Package host executes prepared wasmgrind modules on wazero: one guest
// instance per host thread, all sharing one linear memory exported by a
// synthesized env module.
//
// The runtime registers the wasm_threadlink ABI (panic, thread_create,
// thread_join, and in tracing mode the lock hooks) plus the wasabi memory
// hooks, coordinates fork/join through the threads.Manager and funnels every
// tracing callback into the trace.Recorder. The current thread id travels in
// the context handed to guest calls, so host functions always know their
// emitter.
//
// Traps are fatal to the whole run: shared memory may be inconsistent, so the
// first trap cancels the run context and every sibling instance dies with it.
package host
