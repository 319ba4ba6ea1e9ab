package threadify

import (
	"github.com/AFKoffee/wasmgrind/wasm"
)

// i32 atomic accesses use a 4-byte natural alignment; the memarg stores log2.
const alignWord uint32 = 2

// absentSentinel marks an optional thread-destroy parameter as not supplied.
const absentSentinel int32 = -1

// appendFunc adds a function with the given type, locals and body to the
// module and returns its index in the function index space.
func appendFunc(m *wasm.Module, ft wasm.FuncType, locals []wasm.LocalEntry, body []wasm.Instruction) uint32 {
	typeIdx := m.AddType(ft)
	m.Funcs = append(m.Funcs, typeIdx)
	m.Code = append(m.Code, wasm.FuncBody{
		Locals: locals,
		Code:   wasm.EncodeInstructions(body),
	})
	return uint32(m.NumImportedFuncs() + len(m.Funcs) - 1)
}

// synthesizeStart builds the per-thread bootstrap and installs it as the
// module's start function.
//
// The first thread to run keeps the linker-provided stack and TLS. Every
// later thread borrows the bootstrap scratch stack under temp_stack_lock just
// long enough to allocate a private stack, then allocates and initializes a
// private TLS block.
func synthesizeStart(m *wasm.Module, syms symbols, aux auxRegion, stackSize uint32, prevStart *uint32) uint32 {
	var body []wasm.Instruction

	// Chain to the module's original start function first: it performs the
	// (atomically guarded) passive-segment memory initialization.
	if prevStart != nil {
		body = append(body, wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: *prevStart}})
	}

	// old := atomic fetch-add(thread_counter, 1); first thread returns here
	body = append(body,
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(aux.base)}},
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		atomicInstr(wasm.AtomicI32RmwAdd, counterOffset),
		wasm.Instruction{Opcode: wasm.OpI32Eqz},
		wasm.Instruction{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
		wasm.Instruction{Opcode: wasm.OpReturn},
		wasm.Instruction{Opcode: wasm.OpEnd},
	)

	// Spin on temp_stack_lock via compare-and-swap 0 -> 1
	body = append(body,
		wasm.Instruction{Opcode: wasm.OpBlock, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
		wasm.Instruction{Opcode: wasm.OpLoop, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(aux.lockAddr)}},
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		atomicInstr(wasm.AtomicI32RmwCmpxchg, 0),
		wasm.Instruction{Opcode: wasm.OpI32Eqz},
		wasm.Instruction{Opcode: wasm.OpBrIf, Imm: wasm.BranchImm{LabelIdx: 1}},
		wasm.Instruction{Opcode: wasm.OpBr, Imm: wasm.BranchImm{LabelIdx: 0}},
		wasm.Instruction{Opcode: wasm.OpEnd},
		wasm.Instruction{Opcode: wasm.OpEnd},
	)

	// Run on the scratch stack while allocating the private one
	const stk = 0 // the function's single i32 local
	body = append(body,
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(aux.tempStackTop)}},
		wasm.Instruction{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: syms.stackPointer}},
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(stackSize)}},
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(stackAlign)}},
		wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: syms.malloc}},
		wasm.Instruction{Opcode: wasm.OpLocalSet, Imm: wasm.LocalImm{LocalIdx: stk}},
		// release temp_stack_lock
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(aux.lockAddr)}},
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		atomicInstr(wasm.AtomicI32Store, 0),
		// stacks grow downward: point at the top of the fresh region
		wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: stk}},
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(stackSize)}},
		wasm.Instruction{Opcode: wasm.OpI32Add},
		wasm.Instruction{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: syms.stackPointer}},
	)

	// Allocate and initialize the private TLS block; __wasm_init_tls updates
	// __tls_base as a side effect.
	body = append(body,
		wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: syms.tlsSize}},
		wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: syms.tlsAlign}},
		wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: syms.malloc}},
		wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: syms.initTLS}},
		wasm.Instruction{Opcode: wasm.OpEnd},
	)

	return appendFunc(m, wasm.FuncType{},
		[]wasm.LocalEntry{{Count: 1, ValType: wasm.ValI32}}, body)
}

// synthesizeThreadDestroy builds __wasmgrind_thread_destroy(tls_ptr,
// stack_ptr, stack_size). Each parameter may be the absent sentinel, in which
// case the current globals (and the configured stack size) are used instead.
func synthesizeThreadDestroy(m *wasm.Module, syms symbols, stackSize uint32) uint32 {
	const (
		tlsPtr     = 0
		stackPtr   = 1
		stackBytes = 2
	)

	var body []wasm.Instruction

	// Free the TLS block and poison __tls_base
	body = append(body,
		paramDefault(tlsPtr,
			wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: syms.tlsBase}},
		)...,
	)
	body = append(body,
		wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: tlsPtr}},
		wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: syms.tlsSize}},
		wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: syms.tlsAlign}},
		wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: syms.free}},
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: absentSentinel}},
		wasm.Instruction{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: syms.tlsBase}},
	)

	// Default the stack size, then derive the stack base from the current
	// stack pointer: after thread_start returned, it sits at the region top.
	body = append(body,
		paramDefault(stackBytes,
			wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(stackSize)}},
		)...,
	)
	body = append(body,
		paramDefault(stackPtr,
			wasm.Instruction{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: syms.stackPointer}},
			wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: stackBytes}},
			wasm.Instruction{Opcode: wasm.OpI32Sub},
		)...,
	)
	body = append(body,
		wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: stackPtr}},
		wasm.Instruction{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: stackBytes}},
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: int32(stackAlign)}},
		wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: syms.free}},
		wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		wasm.Instruction{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: syms.stackPointer}},
		wasm.Instruction{Opcode: wasm.OpEnd},
	)

	return appendFunc(m,
		wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32, wasm.ValI32}},
		nil, body)
}

// paramDefault emits "if param == absentSentinel { param = <compute...> }".
func paramDefault(local uint32, compute ...wasm.Instruction) []wasm.Instruction {
	out := []wasm.Instruction{
		{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: local}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: absentSentinel}},
		{Opcode: wasm.OpI32Eq},
		{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
	}
	out = append(out, compute...)
	out = append(out,
		wasm.Instruction{Opcode: wasm.OpLocalSet, Imm: wasm.LocalImm{LocalIdx: local}},
		wasm.Instruction{Opcode: wasm.OpEnd},
	)
	return out
}

func atomicInstr(subOp uint32, offset uint32) wasm.Instruction {
	return wasm.Instruction{
		Opcode: wasm.OpPrefixAtomic,
		Imm: wasm.AtomicImm{
			SubOpcode: subOp,
			MemArg:    &wasm.MemoryImm{Align: alignWord, Offset: uint64(offset)},
		},
	}
}
