// Package wasmgrind is an analysis runtime for multi-threaded WebAssembly
// binaries: it rewrites a compiled module for per-thread stacks and TLS over
// one shared linear memory, optionally instruments every memory access and
// thread operation, executes the result with one engine instance per host
// thread, and serializes the observed event stream for offline race
// detection.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	wasmgrind/          Root package with the preparation pipeline
//	├── wasm/           Core WASM binary manipulation primitives
//	├── threadify/      Per-thread TLS/stack transformation pass
//	├── instrument/     Memory-access and ABI-callsite instrumentation pass
//	├── trace/          Concurrent event log, RapidBin encoder, JSON sidecar
//	├── threads/        Thread-id registry (blocking and async variants)
//	├── host/           wazero-based multi-threaded execution engine
//	├── abi/            Guest-visible ABI names, signatures and error codes
//	├── guest/          Shim wasm guests link against (GOOS=wasip1)
//	├── errors/         Structured error types
//	└── cmd/wasmgrind/  CLI front-end with interactive TUI
//
// # Quick Start
//
// Prepare and run a module:
//
//	prepared, err := wasmgrind.Prepare(moduleBytes, wasmgrind.PrepareOptions{Tracing: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	rt, err := host.New(ctx, prepared, host.Config{Tracing: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	if err := rt.Run(ctx, "main"); err != nil {
//	    log.Fatal(err)
//	}
//	bin, meta, err := rt.Trace()
//
// # Thread Safety
//
// One guest instance belongs to exactly one host thread. The trace recorder
// and the thread registry are safe for concurrent use; everything else
// follows wazero's rules.
//
// # Trap Policy
//
// A trap in any guest thread is fatal to the whole run: shared memory may be
// left inconsistent, so the host cancels every sibling and reports the first
// failure. Guests that need a graceful abort call panic(errno) through the
// ABI instead of trapping.
package wasmgrind
