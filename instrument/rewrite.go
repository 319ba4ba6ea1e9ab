package instrument

import (
	"github.com/AFKoffee/wasmgrind/errors"
	"github.com/AFKoffee/wasmgrind/wasm"
)

// location identifies an instruction for trace events: the containing
// function's index in the instrumented module and the instruction's index in
// the original (pre-rewrite) body.
type location struct {
	fn    uint32
	instr uint32
}

// rewriter holds the per-module state of the instrumentation pass.
type rewriter struct {
	module    *wasm.Module
	readHook  uint32
	writeHook uint32
	abiCalls  map[uint32]bool
}

// instrumentBody rewrites one function body. Scratch locals are allocated
// contiguously after the function's own locals, in the textual order the
// instrumented instructions appear, which keeps the pass deterministic.
func (rw *rewriter) instrumentBody(funcIdx uint32, body *wasm.FuncBody) error {
	instrs, err := wasm.DecodeInstructions(body.Code)
	if err != nil {
		return errors.Wrap(errors.PhaseInstrument, errors.KindInvalidData, err, "decode function body")
	}

	ft := rw.module.GetFuncType(funcIdx)
	if ft == nil {
		return errors.InvalidData(errors.PhaseInstrument, nil, "function without type")
	}
	nextLocal := uint32(len(ft.Params))
	for _, le := range body.Locals {
		nextLocal += le.Count
	}
	alloc := func(vt wasm.ValType) uint32 {
		idx := nextLocal
		nextLocal++
		body.Locals = append(body.Locals, wasm.LocalEntry{Count: 1, ValType: vt})
		return idx
	}

	out := make([]wasm.Instruction, 0, len(instrs)*2)
	for idx, in := range instrs {
		loc := location{fn: funcIdx, instr: uint32(idx)}

		switch in.Opcode {
		case wasm.OpI32Load, wasm.OpI64Load, wasm.OpF32Load, wasm.OpF64Load,
			wasm.OpI32Load8S, wasm.OpI32Load8U, wasm.OpI32Load16S, wasm.OpI32Load16U,
			wasm.OpI64Load8S, wasm.OpI64Load8U, wasm.OpI64Load16S, wasm.OpI64Load16U,
			wasm.OpI64Load32S, wasm.OpI64Load32U:
			imm := in.Imm.(wasm.MemoryImm)
			out = rw.emitLoad(out, in, imm, loadWidth(in.Opcode), loc, alloc)

		case wasm.OpI32Store, wasm.OpI64Store, wasm.OpF32Store, wasm.OpF64Store,
			wasm.OpI32Store8, wasm.OpI32Store16,
			wasm.OpI64Store8, wasm.OpI64Store16, wasm.OpI64Store32:
			imm := in.Imm.(wasm.MemoryImm)
			width, vt := storeShape(in.Opcode)
			out = rw.emitStore(out, in, imm, width, vt, loc, alloc)

		case wasm.OpPrefixMisc:
			out = rw.rewriteMisc(out, in, loc, alloc)

		case wasm.OpPrefixAtomic:
			out = rw.rewriteAtomic(out, in, loc, alloc)

		case wasm.OpPrefixSIMD:
			out = rw.rewriteSIMD(out, in, loc, alloc)

		case wasm.OpCall:
			imm := in.Imm.(wasm.CallImm)
			if rw.abiCalls[imm.FuncIdx] {
				out = append(out, constI32(int32(loc.fn)), constI32(int32(loc.instr)))
			}
			out = append(out, in)

		default:
			out = append(out, in)
		}
	}

	body.Code = wasm.EncodeInstructions(out)
	return nil
}

// emitLoad handles plain loads, atomic loads and whole/splat SIMD loads:
// stack is [addr]; the address is teed into a scratch local and the hook
// fires after the access.
func (rw *rewriter) emitLoad(out []wasm.Instruction, in wasm.Instruction, imm wasm.MemoryImm, width uint32, loc location, alloc func(wasm.ValType) uint32) []wasm.Instruction {
	a := alloc(wasm.ValI32)
	out = append(out, localInstr(wasm.OpLocalTee, a), in)
	return append(out, rw.hookCall(rw.readHook, a, imm.Offset, width, loc)...)
}

// emitStore handles plain, atomic and v128 stores: stack is [addr, value].
func (rw *rewriter) emitStore(out []wasm.Instruction, in wasm.Instruction, imm wasm.MemoryImm, width uint32, valType wasm.ValType, loc location, alloc func(wasm.ValType) uint32) []wasm.Instruction {
	v := alloc(valType)
	a := alloc(wasm.ValI32)
	out = append(out,
		localInstr(wasm.OpLocalSet, v),
		localInstr(wasm.OpLocalTee, a),
		localInstr(wasm.OpLocalGet, v),
		in,
	)
	return append(out, rw.hookCall(rw.writeHook, a, imm.Offset, width, loc)...)
}

func (rw *rewriter) rewriteMisc(out []wasm.Instruction, in wasm.Instruction, loc location, alloc func(wasm.ValType) uint32) []wasm.Instruction {
	imm := in.Imm.(wasm.MiscImm)
	switch imm.SubOpcode {
	case wasm.MiscMemoryFill:
		// [dst, val, n] -> write_hook(dst, n)
		n := alloc(wasm.ValI32)
		v := alloc(wasm.ValI32)
		d := alloc(wasm.ValI32)
		out = append(out,
			localInstr(wasm.OpLocalSet, n),
			localInstr(wasm.OpLocalSet, v),
			localInstr(wasm.OpLocalTee, d),
			localInstr(wasm.OpLocalGet, v),
			localInstr(wasm.OpLocalGet, n),
			in,
		)
		return append(out, rw.hookCallDynamic(rw.writeHook, d, n, loc)...)

	case wasm.MiscMemoryCopy:
		// [dst, src, n] -> read_hook(src, n), write_hook(dst, n)
		n := alloc(wasm.ValI32)
		s := alloc(wasm.ValI32)
		d := alloc(wasm.ValI32)
		out = append(out,
			localInstr(wasm.OpLocalSet, n),
			localInstr(wasm.OpLocalSet, s),
			localInstr(wasm.OpLocalTee, d),
			localInstr(wasm.OpLocalGet, s),
			localInstr(wasm.OpLocalGet, n),
			in,
		)
		out = append(out, rw.hookCallDynamic(rw.readHook, s, n, loc)...)
		return append(out, rw.hookCallDynamic(rw.writeHook, d, n, loc)...)

	case wasm.MiscMemoryInit:
		// [dst, segment offset, n] -> write_hook(dst, n); the source is a
		// passive data segment, not linear memory
		n := alloc(wasm.ValI32)
		s := alloc(wasm.ValI32)
		d := alloc(wasm.ValI32)
		out = append(out,
			localInstr(wasm.OpLocalSet, n),
			localInstr(wasm.OpLocalSet, s),
			localInstr(wasm.OpLocalTee, d),
			localInstr(wasm.OpLocalGet, s),
			localInstr(wasm.OpLocalGet, n),
			in,
		)
		return append(out, rw.hookCallDynamic(rw.writeHook, d, n, loc)...)

	default:
		return append(out, in)
	}
}

func (rw *rewriter) rewriteAtomic(out []wasm.Instruction, in wasm.Instruction, loc location, alloc func(wasm.ValType) uint32) []wasm.Instruction {
	imm := in.Imm.(wasm.AtomicImm)
	sub := imm.SubOpcode

	switch {
	case sub == wasm.AtomicFence:
		return append(out, in)

	case sub == wasm.AtomicNotify:
		// [addr, count]; the notify address is logged as a 4-byte read
		c := alloc(wasm.ValI32)
		a := alloc(wasm.ValI32)
		out = append(out,
			localInstr(wasm.OpLocalSet, c),
			localInstr(wasm.OpLocalTee, a),
			localInstr(wasm.OpLocalGet, c),
			in,
		)
		return append(out, rw.hookCall(rw.readHook, a, imm.MemArg.Offset, 4, loc)...)

	case sub == wasm.AtomicWait32 || sub == wasm.AtomicWait64:
		// [addr, expected, timeout]; the hook fires before the wait, which
		// may block indefinitely
		width := uint32(4)
		expType := wasm.ValI32
		if sub == wasm.AtomicWait64 {
			width = 8
			expType = wasm.ValI64
		}
		t := alloc(wasm.ValI64)
		e := alloc(expType)
		a := alloc(wasm.ValI32)
		out = append(out,
			localInstr(wasm.OpLocalSet, t),
			localInstr(wasm.OpLocalSet, e),
			localInstr(wasm.OpLocalTee, a),
		)
		out = append(out, rw.hookCall(rw.readHook, a, imm.MemArg.Offset, width, loc)...)
		return append(out,
			localInstr(wasm.OpLocalGet, e),
			localInstr(wasm.OpLocalGet, t),
			in,
		)

	case sub >= wasm.AtomicI32Load && sub <= wasm.AtomicI64Load32U:
		return rw.emitLoad(out, in, *imm.MemArg, atomicWidth(sub), loc, alloc)

	case sub >= wasm.AtomicI32Store && sub <= wasm.AtomicI64Store32:
		width, vt := atomicStoreShape(sub)
		return rw.emitStore(out, in, *imm.MemArg, width, vt, loc, alloc)

	case sub >= wasm.AtomicI32RmwAdd && sub <= wasm.AtomicI64Rmw32XchgU:
		// [addr, operand] -> old value; both hooks fire at the access address
		width, vt := atomicRmwShape(sub)
		v := alloc(vt)
		a := alloc(wasm.ValI32)
		out = append(out,
			localInstr(wasm.OpLocalSet, v),
			localInstr(wasm.OpLocalTee, a),
			localInstr(wasm.OpLocalGet, v),
			in,
		)
		out = append(out, rw.hookCall(rw.readHook, a, imm.MemArg.Offset, width, loc)...)
		return append(out, rw.hookCall(rw.writeHook, a, imm.MemArg.Offset, width, loc)...)

	case sub >= wasm.AtomicI32RmwCmpxchg && sub <= wasm.AtomicI64Rmw32CmpxchgU:
		// [addr, expected, replacement] -> old value; the write happened iff
		// the returned value equals the expected one. The old value is parked
		// in a scratch local around the condition check and restored after
		// it, so the instrumented instruction keeps its stack effect.
		width, vt := atomicRmwShape(sub)
		eqOp := wasm.OpI32Eq
		if vt == wasm.ValI64 {
			eqOp = wasm.OpI64Eq
		}
		r := alloc(vt)
		e := alloc(vt)
		a := alloc(wasm.ValI32)
		res := alloc(vt)
		out = append(out,
			localInstr(wasm.OpLocalSet, r),
			localInstr(wasm.OpLocalSet, e),
			localInstr(wasm.OpLocalTee, a),
			localInstr(wasm.OpLocalGet, e),
			localInstr(wasm.OpLocalGet, r),
			in,
		)
		out = append(out, rw.hookCall(rw.readHook, a, imm.MemArg.Offset, width, loc)...)
		out = append(out,
			localInstr(wasm.OpLocalSet, res),
			localInstr(wasm.OpLocalGet, res),
			localInstr(wasm.OpLocalGet, e),
			wasm.Instruction{Opcode: eqOp},
			wasm.Instruction{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
		)
		out = append(out, rw.hookCall(rw.writeHook, a, imm.MemArg.Offset, width, loc)...)
		return append(out,
			wasm.Instruction{Opcode: wasm.OpEnd},
			localInstr(wasm.OpLocalGet, res),
		)

	default:
		return append(out, in)
	}
}

func (rw *rewriter) rewriteSIMD(out []wasm.Instruction, in wasm.Instruction, loc location, alloc func(wasm.ValType) uint32) []wasm.Instruction {
	imm := in.Imm.(wasm.SIMDImm)
	if imm.MemArg == nil {
		return append(out, in)
	}
	sub := imm.SubOpcode

	switch {
	case sub == wasm.SimdV128Store:
		return rw.emitStore(out, in, *imm.MemArg, 16, wasm.ValV128, loc, alloc)

	case sub >= wasm.SimdV128Store8Lane && sub <= wasm.SimdV128Store64Lane:
		// [addr, vector]; only one lane is written
		width := uint32(1) << (sub - wasm.SimdV128Store8Lane)
		return rw.emitStore(out, in, *imm.MemArg, width, wasm.ValV128, loc, alloc)

	case sub >= wasm.SimdV128Load8Lane && sub <= wasm.SimdV128Load64Lane:
		// [addr, vector] -> vector; only one lane is read
		width := uint32(1) << (sub - wasm.SimdV128Load8Lane)
		v := alloc(wasm.ValV128)
		a := alloc(wasm.ValI32)
		out = append(out,
			localInstr(wasm.OpLocalSet, v),
			localInstr(wasm.OpLocalTee, a),
			localInstr(wasm.OpLocalGet, v),
			in,
		)
		return append(out, rw.hookCall(rw.readHook, a, imm.MemArg.Offset, width, loc)...)

	default:
		// Whole-vector, widening, splat and zero-extending loads
		return rw.emitLoad(out, in, *imm.MemArg, simdLoadWidth(sub), loc, alloc)
	}
}

// hookCall emits a hook invocation for a statically sized access:
// hook(addrLocal + offset, n, fn, instr).
func (rw *rewriter) hookCall(hook, addrLocal uint32, offset uint64, n uint32, loc location) []wasm.Instruction {
	out := []wasm.Instruction{localInstr(wasm.OpLocalGet, addrLocal)}
	if offset != 0 {
		out = append(out, constI32(int32(uint32(offset))), wasm.Instruction{Opcode: wasm.OpI32Add})
	}
	return append(out,
		constI32(int32(n)),
		constI32(int32(loc.fn)),
		constI32(int32(loc.instr)),
		wasm.Instruction{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: hook}},
	)
}

// hookCallDynamic emits a hook invocation whose length operand lives in a
// local (fill/copy/init).
func (rw *rewriter) hookCallDynamic(hook, addrLocal, nLocal uint32, loc location) []wasm.Instruction {
	return []wasm.Instruction{
		localInstr(wasm.OpLocalGet, addrLocal),
		localInstr(wasm.OpLocalGet, nLocal),
		constI32(int32(loc.fn)),
		constI32(int32(loc.instr)),
		{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: hook}},
	}
}

func localInstr(op byte, idx uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: op, Imm: wasm.LocalImm{LocalIdx: idx}}
}

func constI32(v int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}}
}

// loadWidth returns the accessed byte count of a plain load opcode.
func loadWidth(op byte) uint32 {
	switch op {
	case wasm.OpI32Load, wasm.OpF32Load, wasm.OpI64Load32S, wasm.OpI64Load32U:
		return 4
	case wasm.OpI64Load, wasm.OpF64Load:
		return 8
	case wasm.OpI32Load8S, wasm.OpI32Load8U, wasm.OpI64Load8S, wasm.OpI64Load8U:
		return 1
	default: // 16-bit variants
		return 2
	}
}

// storeShape returns the accessed byte count and operand type of a plain store.
func storeShape(op byte) (uint32, wasm.ValType) {
	switch op {
	case wasm.OpI32Store:
		return 4, wasm.ValI32
	case wasm.OpI64Store:
		return 8, wasm.ValI64
	case wasm.OpF32Store:
		return 4, wasm.ValF32
	case wasm.OpF64Store:
		return 8, wasm.ValF64
	case wasm.OpI32Store8:
		return 1, wasm.ValI32
	case wasm.OpI32Store16:
		return 2, wasm.ValI32
	case wasm.OpI64Store8:
		return 1, wasm.ValI64
	case wasm.OpI64Store16:
		return 2, wasm.ValI64
	default: // OpI64Store32
		return 4, wasm.ValI64
	}
}

// atomicWidth returns the accessed byte count of an atomic load sub-opcode.
func atomicWidth(sub uint32) uint32 {
	switch sub {
	case wasm.AtomicI32Load, wasm.AtomicI64Load32U:
		return 4
	case wasm.AtomicI64Load:
		return 8
	case wasm.AtomicI32Load8U, wasm.AtomicI64Load8U:
		return 1
	default:
		return 2
	}
}

// atomicStoreShape returns width and operand type of an atomic store.
func atomicStoreShape(sub uint32) (uint32, wasm.ValType) {
	switch sub {
	case wasm.AtomicI32Store:
		return 4, wasm.ValI32
	case wasm.AtomicI64Store:
		return 8, wasm.ValI64
	case wasm.AtomicI32Store8:
		return 1, wasm.ValI32
	case wasm.AtomicI32Store16:
		return 2, wasm.ValI32
	case wasm.AtomicI64Store8:
		return 1, wasm.ValI64
	case wasm.AtomicI64Store16:
		return 2, wasm.ValI64
	default: // AtomicI64Store32
		return 4, wasm.ValI64
	}
}

// atomicRmwShape returns width and operand type for rmw and cmpxchg
// sub-opcodes. Both families repeat the same seven-entry pattern:
// i32, i64, i32_8u, i32_16u, i64_8u, i64_16u, i64_32u.
func atomicRmwShape(sub uint32) (uint32, wasm.ValType) {
	var pos uint32
	if sub >= wasm.AtomicI32RmwCmpxchg {
		pos = (sub - wasm.AtomicI32RmwCmpxchg) % 7
	} else {
		pos = (sub - wasm.AtomicI32RmwAdd) % 7
	}
	switch pos {
	case 0:
		return 4, wasm.ValI32
	case 1:
		return 8, wasm.ValI64
	case 2:
		return 1, wasm.ValI32
	case 3:
		return 2, wasm.ValI32
	case 4:
		return 1, wasm.ValI64
	case 5:
		return 2, wasm.ValI64
	default:
		return 4, wasm.ValI64
	}
}

// simdLoadWidth returns the accessed byte count of a SIMD load sub-opcode
// (lane loads are handled separately).
func simdLoadWidth(sub uint32) uint32 {
	switch {
	case sub == wasm.SimdV128Load:
		return 16
	case sub >= wasm.SimdV128Load8x8S && sub <= wasm.SimdV128Load32x2U:
		return 8
	case sub == wasm.SimdV128Load8Splat:
		return 1
	case sub == wasm.SimdV128Load16Splat:
		return 2
	case sub == wasm.SimdV128Load32Splat, sub == wasm.SimdV128Load32Zero:
		return 4
	default: // load64_splat, load64_zero
		return 8
	}
}
