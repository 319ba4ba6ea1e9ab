// Package abi defines the contract between rewritten guest modules and the
// wasmgrind host: import namespaces and function names, required guest
// exports, the linker symbols the transformer resolves, and the closed
// error-code enumeration exposed to guests through panic(errno).
//
// Import signatures come in two shapes. Non-tracing hosts install the plain
// signatures; tracing hosts install the extended ones, which carry two extra
// trailing i32 arguments (function index, instruction index) appended by the
// instrumenter at every callsite:
//
//	panic(errno: i32)
//	thread_create(out_tid: i32, start: i32) -> i32            [+ fn, instr]
//	thread_join(tid: i32) -> i32                              [+ fn, instr]
//	start_lock/finish_lock/start_unlock/finish_unlock(m: i32) [+ fn, instr]
//	wasabi.read_hook(addr, n, fn, instr)
//	wasabi.write_hook(addr, n, fn, instr)
package abi
