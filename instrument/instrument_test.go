package instrument_test

import (
	stderrors "errors"
	"testing"

	"github.com/AFKoffee/wasmgrind/abi"
	"github.com/AFKoffee/wasmgrind/errors"
	"github.com/AFKoffee/wasmgrind/instrument"
	"github.com/AFKoffee/wasmgrind/wasm"
)

// buildModule assembles a module with one thread_create import and one
// defined function running the given body.
func buildModule(body []wasm.Instruction) []byte {
	m := &wasm.Module{}
	createType := m.AddType(wasm.FuncType{
		Params:  []wasm.ValType{wasm.ValI32, wasm.ValI32},
		Results: []wasm.ValType{wasm.ValI32},
	})
	m.Imports = append(m.Imports, wasm.Import{
		Module: abi.ThreadLink,
		Name:   abi.FnThreadCreate,
		Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: createType},
	})
	m.Memories = append(m.Memories, wasm.MemoryType{Limits: wasm.Limits{Min: 1}})

	voidType := m.AddType(wasm.FuncType{})
	m.Funcs = append(m.Funcs, voidType)
	m.Code = append(m.Code, wasm.FuncBody{Code: wasm.EncodeInstructions(body)})
	m.Exports = append(m.Exports, wasm.Export{Name: "main", Kind: wasm.KindFunc, Idx: 1})
	return m.Encode()
}

// mainBody decodes the instrumented module and returns the rewritten body of
// the "main" function together with the parsed module.
func mainBody(t *testing.T, data []byte) (*wasm.Module, []wasm.Instruction) {
	t.Helper()
	m, err := wasm.ParseModuleValidate(data)
	if err != nil {
		t.Fatalf("instrumented module invalid: %v", err)
	}
	idx, ok := m.FindExport("main", wasm.KindFunc)
	if !ok {
		t.Fatal("main export lost")
	}
	local := idx - uint32(m.NumImportedFuncs())
	instrs, err := wasm.DecodeInstructions(m.Code[local].Code)
	if err != nil {
		t.Fatalf("decode instrumented body: %v", err)
	}
	return m, instrs
}

// collectCalls returns the function indices of all direct calls in order.
func collectCalls(instrs []wasm.Instruction) []uint32 {
	var calls []uint32
	for _, in := range instrs {
		if target, ok := in.GetCallTarget(); ok {
			calls = append(calls, target)
		}
	}
	return calls
}

func TestTransformAddsHookImports(t *testing.T) {
	data := buildModule([]wasm.Instruction{{Opcode: wasm.OpEnd}})
	out, err := instrument.Transform(data, instrument.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	m, _ := mainBody(t, out)

	readIdx, ok := m.FindFuncImport(abi.Wasabi, abi.FnReadHook)
	if !ok {
		t.Fatal("read_hook import missing")
	}
	writeIdx, ok := m.FindFuncImport(abi.Wasabi, abi.FnWriteHook)
	if !ok {
		t.Fatal("write_hook import missing")
	}
	// Appended after the existing thread_create import
	if readIdx != 1 || writeIdx != 2 {
		t.Errorf("unexpected hook indices: read=%d write=%d", readIdx, writeIdx)
	}

	// main shifted from 1 to 3
	if idx, _ := m.FindExport("main", wasm.KindFunc); idx != 3 {
		t.Errorf("expected main at index 3, got %d", idx)
	}

	if !instrument.IsInstrumented(out) {
		t.Error("IsInstrumented must detect the instrumented module")
	}
}

func TestTransformTwiceRejected(t *testing.T) {
	data := buildModule([]wasm.Instruction{{Opcode: wasm.OpEnd}})
	out, err := instrument.Transform(data, instrument.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	_, err = instrument.Transform(out, instrument.Config{})
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseInstrument, Kind: errors.KindAlreadyTransformed}) {
		t.Errorf("expected AlreadyTransformed, got %v", err)
	}
}

func TestTransformExtendsThreadCreateSignature(t *testing.T) {
	data := buildModule([]wasm.Instruction{{Opcode: wasm.OpEnd}})
	out, err := instrument.Transform(data, instrument.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	m, _ := mainBody(t, out)
	idx, _ := m.FindFuncImport(abi.ThreadLink, abi.FnThreadCreate)
	ft := m.GetFuncType(idx)
	if len(ft.Params) != 4 || len(ft.Results) != 1 {
		t.Errorf("expected extended signature (4 params, 1 result), got %d/%d",
			len(ft.Params), len(ft.Results))
	}
}

func TestLoadGetsReadHook(t *testing.T) {
	data := buildModule([]wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 16}},
		{Opcode: wasm.OpI32Load, Imm: wasm.MemoryImm{Align: 2, Offset: 8}},
		{Opcode: wasm.OpDrop},
		{Opcode: wasm.OpEnd},
	})
	out, err := instrument.Transform(data, instrument.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	_, instrs := mainBody(t, out)
	calls := collectCalls(instrs)
	if len(calls) != 1 || calls[0] != 1 {
		t.Fatalf("expected exactly one read_hook call, got %v", calls)
	}

	// The hook receives (addr+8, 4, fn=3, instr=1): locate the constant
	// arguments right before the call
	var callPos int
	for i, in := range instrs {
		if _, ok := in.GetCallTarget(); ok {
			callPos = i
		}
	}
	args := instrs[callPos-3 : callPos]
	if args[0].Imm.(wasm.I32Imm).Value != 4 {
		t.Errorf("expected width 4, got %v", args[0].Imm)
	}
	if args[1].Imm.(wasm.I32Imm).Value != 3 {
		t.Errorf("expected function index 3, got %v", args[1].Imm)
	}
	if args[2].Imm.(wasm.I32Imm).Value != 1 {
		t.Errorf("expected instruction index 1, got %v", args[2].Imm)
	}
}

func TestStoreGetsWriteHook(t *testing.T) {
	data := buildModule([]wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 16}},
		{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: 7}},
		{Opcode: wasm.OpI64Store, Imm: wasm.MemoryImm{Align: 3}},
		{Opcode: wasm.OpEnd},
	})
	out, err := instrument.Transform(data, instrument.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	_, instrs := mainBody(t, out)
	calls := collectCalls(instrs)
	if len(calls) != 1 || calls[0] != 2 {
		t.Fatalf("expected exactly one write_hook call, got %v", calls)
	}
}

func TestCmpxchgEmitsConditionalWrite(t *testing.T) {
	data := buildModule([]wasm.Instruction{
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
	out, err := instrument.Transform(data, instrument.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	_, instrs := mainBody(t, out)

	// read_hook must appear before the if, write_hook inside it
	var sawRead, sawIf, sawWriteInsideIf bool
	for _, in := range instrs {
		if target, ok := in.GetCallTarget(); ok {
			if target == 1 && !sawIf {
				sawRead = true
			}
			if target == 2 && sawIf {
				sawWriteInsideIf = true
			}
		}
		if in.Opcode == wasm.OpIf {
			sawIf = true
		}
	}
	if !sawRead {
		t.Error("read_hook must fire unconditionally before the condition check")
	}
	if !sawWriteInsideIf {
		t.Error("write_hook must fire inside the success branch")
	}

	// The cmpxchg result must be restored after the conditional hook: the
	// original drop still needs a value to consume. (mainBody already ran
	// full stack validation; this pins the exact restore sequence.)
	if instrs[len(instrs)-3].Opcode != wasm.OpLocalGet {
		t.Errorf("expected the old value restored before the drop, tail is %+v",
			instrs[len(instrs)-3:])
	}
}

func TestAtomicWaitHooksBeforeWait(t *testing.T) {
	data := buildModule([]wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: -1}},
		{Opcode: wasm.OpPrefixAtomic, Imm: wasm.AtomicImm{
			SubOpcode: wasm.AtomicWait32,
			MemArg:    &wasm.MemoryImm{Align: 2},
		}},
		{Opcode: wasm.OpDrop},
		{Opcode: wasm.OpEnd},
	})
	out, err := instrument.Transform(data, instrument.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	_, instrs := mainBody(t, out)
	hookPos, waitPos := -1, -1
	for i, in := range instrs {
		if target, ok := in.GetCallTarget(); ok && target == 1 {
			hookPos = i
		}
		if in.Opcode == wasm.OpPrefixAtomic {
			if imm, ok := in.Imm.(wasm.AtomicImm); ok && imm.SubOpcode == wasm.AtomicWait32 {
				waitPos = i
			}
		}
	}
	if hookPos == -1 || waitPos == -1 || hookPos > waitPos {
		t.Errorf("read_hook (%d) must precede the wait (%d)", hookPos, waitPos)
	}
}

func TestMemoryCopyEmitsBothHooks(t *testing.T) {
	data := buildModule([]wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 64}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 32}},
		{Opcode: wasm.OpPrefixMisc, Imm: wasm.MiscImm{
			SubOpcode: wasm.MiscMemoryCopy, Operands: []uint32{0, 0},
		}},
		{Opcode: wasm.OpEnd},
	})
	out, err := instrument.Transform(data, instrument.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	_, instrs := mainBody(t, out)
	calls := collectCalls(instrs)
	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Errorf("expected read_hook then write_hook, got %v", calls)
	}
}

func TestABICallGetsLocation(t *testing.T) {
	data := buildModule([]wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 0}},
		{Opcode: wasm.OpCall, Imm: wasm.CallImm{FuncIdx: 0}}, // thread_create
		{Opcode: wasm.OpDrop},
		{Opcode: wasm.OpEnd},
	})
	out, err := instrument.Transform(data, instrument.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	_, instrs := mainBody(t, out)
	for i, in := range instrs {
		if target, ok := in.GetCallTarget(); ok && target == 0 {
			fn := instrs[i-2].Imm.(wasm.I32Imm).Value
			instr := instrs[i-1].Imm.(wasm.I32Imm).Value
			if fn != 3 || instr != 2 {
				t.Errorf("expected location (3, 2), got (%d, %d)", fn, instr)
			}
			return
		}
	}
	t.Error("thread_create call lost")
}

func TestNoMemoryAccessNoHookCalls(t *testing.T) {
	data := buildModule([]wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 2}},
		{Opcode: wasm.OpI32Add},
		{Opcode: wasm.OpDrop},
		{Opcode: wasm.OpEnd},
	})
	out, err := instrument.Transform(data, instrument.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	_, instrs := mainBody(t, out)
	if calls := collectCalls(instrs); len(calls) != 0 {
		t.Errorf("expected no hook calls, got %v", calls)
	}
}

func TestTransformDeterministic(t *testing.T) {
	data := buildModule([]wasm.Instruction{
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 16}},
		{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 42}},
		{Opcode: wasm.OpI32Store, Imm: wasm.MemoryImm{Align: 2}},
		{Opcode: wasm.OpEnd},
	})
	a, err := instrument.Transform(data, instrument.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	b, err := instrument.Transform(data, instrument.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if string(a) != string(b) {
		t.Error("instrumentation is not deterministic")
	}
}
