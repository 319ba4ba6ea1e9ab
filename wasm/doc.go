// Package wasm provides WebAssembly binary manipulation primitives.
//
// It models the feature set LLVM emits for threaded 32-bit targets: the MVP
// core instruction set, reference types, bulk memory operations (0xFC), SIMD
// (0xFD) and the threads proposal's atomics (0xFE). Modules using garbage
// collection, exception handling or 64-bit memories are rejected during
// parsing — the rewriting passes built on this package never need to
// round-trip them.
//
// The package supports full round-tripping: ParseModule decodes a binary into
// a Module, the transformer packages mutate it, and Encode produces a valid
// binary again. Function bodies stay as raw bytes until a pass asks for them
// via DecodeInstructions, so untouched code is copied through verbatim.
//
// The "name" custom section can be decoded and re-encoded through Names and
// SetNames; the transformer uses it to locate linker-emitted symbols that are
// not exported, and the trace metadata uses function names when present.
package wasm
