// Package threadify rewrites a compiled WebAssembly module so that multiple
// instances sharing one linear memory each get a private TLS block and a
// private call stack, without touching guest source.
//
// The pass reserves one page above the module's declared minimum memory for a
// thread counter, a bootstrap lock and a bootstrap scratch stack, then
// synthesizes a start function implementing the per-thread protocol:
//
//   - The first thread (counter fetch-add returns 0) keeps the linker-provided
//     stack and TLS and returns immediately.
//   - Every later thread acquires the bootstrap lock, runs briefly on the
//     scratch stack to call __wasmgrind_malloc for a private stack, releases
//     the lock, then allocates and initializes a private TLS block via
//     __wasm_init_tls.
//
// A matching __wasmgrind_thread_destroy export releases both regions on the
// thread's exit path.
package threadify
