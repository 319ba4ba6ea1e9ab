// Package guest is the thin shim wasm guests link against to reach the
// wasmgrind runtime ABI. It is only meaningful when compiled for a
// WebAssembly target (GOOS=wasip1); on other platforms the package is empty.
//
// Spawn boxes a closure behind a registry handle, hands the handle to the
// host through thread_create and returns a JoinHandle; the exported
// thread_start trampoline reconstructs the closure inside the child's
// instance and stores its result into the shared slot. TracingMutex wraps a
// regular mutex with the start/finish lock hooks; the hook calls compile in
// only under the wasmgrind_tracing build tag.
//
// Host-side ABI failures are translated into panic(errno), terminating the
// whole run, which is the contract's policy for guests.
package guest
