package wasm_test

import (
	"strings"
	"testing"

	"github.com/AFKoffee/wasmgrind/wasm"
)

// moduleWithBody wraps a single body of the given type for validation.
func moduleWithBody(ft wasm.FuncType, locals []wasm.LocalEntry, body []wasm.Instruction) *wasm.Module {
	m := &wasm.Module{}
	typeIdx := m.AddType(ft)
	m.Funcs = []uint32{typeIdx}
	m.Code = []wasm.FuncBody{{Locals: locals, Code: wasm.EncodeInstructions(body)}}
	return m
}

func TestCodeValidateUnderflow(t *testing.T) {
	m := moduleWithBody(wasm.FuncType{}, nil, []wasm.Instruction{
		{Opcode: wasm.OpDrop},
		{Opcode: wasm.OpEnd},
	})
	if err := m.Validate(); err == nil || !strings.Contains(err.Error(), "underflow") {
		t.Errorf("expected operand stack underflow, got %v", err)
	}
}

func TestCodeValidateResidualValue(t *testing.T) {
	m := moduleWithBody(wasm.FuncType{}, nil, []wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		{Opcode: wasm.OpEnd},
	})
	if err := m.Validate(); err == nil {
		t.Error("expected error for residual operand at function end")
	}
}

func TestCodeValidateTypeMismatch(t *testing.T) {
	m := moduleWithBody(wasm.FuncType{}, nil, []wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 2}},
		{Opcode: wasm.OpI64Add},
		{Opcode: wasm.OpDrop},
		{Opcode: wasm.OpEnd},
	})
	if err := m.Validate(); err == nil {
		t.Error("expected error for i64.add on i32 operands")
	}
}

func TestCodeValidateResultType(t *testing.T) {
	good := moduleWithBody(wasm.FuncType{Results: []wasm.ValType{wasm.ValI32}}, nil, []wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 7}},
		{Opcode: wasm.OpEnd},
	})
	if err := good.Validate(); err != nil {
		t.Errorf("well-typed body rejected: %v", err)
	}

	bad := moduleWithBody(wasm.FuncType{Results: []wasm.ValType{wasm.ValI32}}, nil, []wasm.Instruction{
		{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: 7}},
		{Opcode: wasm.OpEnd},
	})
	if err := bad.Validate(); err == nil {
		t.Error("expected error for i64 result where i32 declared")
	}
}

func TestCodeValidateBlocksAndBranches(t *testing.T) {
	// The spin-lock shape: block { loop { ... br_if 1; br 0 } }
	m := moduleWithBody(wasm.FuncType{}, nil, []wasm.Instruction{
		{Opcode: wasm.OpBlock, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
		{Opcode: wasm.OpLoop, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		{Opcode: wasm.OpBrIf, Imm: wasm.BranchImm{LabelIdx: 1}},
		{Opcode: wasm.OpBr, Imm: wasm.BranchImm{LabelIdx: 0}},
		{Opcode: wasm.OpEnd},
		{Opcode: wasm.OpEnd},
		{Opcode: wasm.OpEnd},
	})
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}}
	if err := m.Validate(); err != nil {
		t.Errorf("spin-lock shape rejected: %v", err)
	}
}

func TestCodeValidateIfResult(t *testing.T) {
	m := moduleWithBody(wasm.FuncType{}, nil, []wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: wasm.BlockTypeI32}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 2}},
		{Opcode: wasm.OpElse},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 3}},
		{Opcode: wasm.OpEnd},
		{Opcode: wasm.OpDrop},
		{Opcode: wasm.OpEnd},
	})
	if err := m.Validate(); err != nil {
		t.Errorf("if/else with result rejected: %v", err)
	}

	// An if with a result but no else cannot supply the false branch's value
	bad := moduleWithBody(wasm.FuncType{}, nil, []wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: wasm.BlockTypeI32}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 2}},
		{Opcode: wasm.OpEnd},
		{Opcode: wasm.OpDrop},
		{Opcode: wasm.OpEnd},
	})
	if err := bad.Validate(); err == nil {
		t.Error("expected error for if with result and no else")
	}
}

func TestCodeValidateAtomics(t *testing.T) {
	// cmpxchg consumes [addr, expected, replacement] and leaves the old value
	m := moduleWithBody(wasm.FuncType{}, nil, []wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		{Opcode: wasm.OpPrefixAtomic, Imm: wasm.AtomicImm{
			SubOpcode: wasm.AtomicI32RmwCmpxchg,
			MemArg:    &wasm.MemoryImm{Align: 2},
		}},
		{Opcode: wasm.OpDrop},
		{Opcode: wasm.OpEnd},
	})
	m.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}}
	if err := m.Validate(); err != nil {
		t.Errorf("cmpxchg body rejected: %v", err)
	}

	// Dropping the cmpxchg result twice must underflow
	bad := moduleWithBody(wasm.FuncType{}, nil, []wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		{Opcode: wasm.OpPrefixAtomic, Imm: wasm.AtomicImm{
			SubOpcode: wasm.AtomicI32RmwCmpxchg,
			MemArg:    &wasm.MemoryImm{Align: 2},
		}},
		{Opcode: wasm.OpDrop},
		{Opcode: wasm.OpDrop},
		{Opcode: wasm.OpEnd},
	})
	bad.Memories = []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}}
	if err := bad.Validate(); err == nil {
		t.Error("expected underflow for double drop after cmpxchg")
	}
}

func TestCodeValidateUnreachablePolymorphism(t *testing.T) {
	// Code after unreachable may consume phantom operands
	m := moduleWithBody(wasm.FuncType{Results: []wasm.ValType{wasm.ValI32}}, nil, []wasm.Instruction{
		{Opcode: wasm.OpUnreachable},
		{Opcode: wasm.OpI32Add},
		{Opcode: wasm.OpEnd},
	})
	if err := m.Validate(); err != nil {
		t.Errorf("unreachable-polymorphic body rejected: %v", err)
	}
}

func TestCodeValidateLocals(t *testing.T) {
	m := moduleWithBody(
		wasm.FuncType{Params: []wasm.ValType{wasm.ValI64}},
		[]wasm.LocalEntry{{Count: 1, ValType: wasm.ValI32}},
		[]wasm.Instruction{
			{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
			{Opcode: wasm.OpLocalSet, Imm: wasm.LocalImm{LocalIdx: 1}},
			{Opcode: wasm.OpEnd},
		})
	if err := m.Validate(); err == nil {
		t.Error("expected error for storing i64 into i32 local")
	}

	outOfRange := moduleWithBody(wasm.FuncType{}, nil, []wasm.Instruction{
		{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 5}},
		{Opcode: wasm.OpDrop},
		{Opcode: wasm.OpEnd},
	})
	if err := outOfRange.Validate(); err == nil {
		t.Error("expected error for out-of-range local")
	}
}
