package abi

// Runtime ABI naming. The guest imports thread management under the
// ThreadLink namespace and, in tracing builds, memory hooks under the
// Wasabi namespace.
const (
	// ThreadLink is the import namespace for the thread-management ABI.
	ThreadLink = "wasm_threadlink"

	// Wasabi is the import namespace for the memory-access hooks.
	Wasabi = "wasabi"

	// Env is the import namespace providing the shared linear memory.
	Env = "env"

	// MemoryName is the name of the shared memory import/export.
	MemoryName = "memory"
)

// ThreadLink import names.
const (
	FnPanic        = "panic"
	FnThreadCreate = "thread_create"
	FnThreadJoin   = "thread_join"
	FnStartLock    = "start_lock"
	FnFinishLock   = "finish_lock"
	FnStartUnlock  = "start_unlock"
	FnFinishUnlock = "finish_unlock"
)

// Wasabi import names.
const (
	FnReadHook  = "read_hook"
	FnWriteHook = "write_hook"
)

// Exports the guest must provide, and the ones the transformer synthesizes.
const (
	ExportThreadStart   = "thread_start"
	ExportMalloc        = "__wasmgrind_malloc"
	ExportFree          = "__wasmgrind_free"
	ExportThreadDestroy = "__wasmgrind_thread_destroy"

	// ExportSetTid is an optional guest export invoked with the host-assigned
	// thread id right after per-thread instantiation.
	ExportSetTid = "__wasmgrind_set_tid"
)

// Linker-emitted symbols the transformer locates via exports or the name section.
const (
	SymStackPointer = "__stack_pointer"
	SymTLSBase      = "__tls_base"
	SymTLSSize      = "__tls_size"
	SymTLSAlign     = "__tls_align"
	SymInitTLS      = "__wasm_init_tls"
)

// TracingFuncs lists the ThreadLink imports whose signatures the instrumenter
// extends with (func_idx, instr_idx) location arguments.
var TracingFuncs = []string{
	FnThreadCreate,
	FnThreadJoin,
	FnStartLock,
	FnFinishLock,
	FnStartUnlock,
	FnFinishUnlock,
}
