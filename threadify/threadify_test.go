package threadify_test

import (
	stderrors "errors"
	"testing"

	"github.com/AFKoffee/wasmgrind/abi"
	"github.com/AFKoffee/wasmgrind/errors"
	"github.com/AFKoffee/wasmgrind/threadify"
	"github.com/AFKoffee/wasmgrind/wasm"
)

// guestOptions tweaks the synthetic conforming guest used by the tests.
type guestOptions struct {
	omitMalloc      bool
	noMemoryRoom    bool
	symbolsViaNames bool
	withStart       bool
}

// buildGuest assembles a minimal module satisfying the transformer's
// preconditions: shared env.memory import, allocator exports, linker globals
// and __wasm_init_tls.
func buildGuest(opt guestOptions) []byte {
	maxPages := uint64(16)
	if opt.noMemoryRoom {
		maxPages = 2
	}

	m := &wasm.Module{
		Imports: []wasm.Import{{
			Module: abi.Env,
			Name:   abi.MemoryName,
			Desc: wasm.ImportDesc{
				Kind:   wasm.KindMemory,
				Memory: &wasm.MemoryType{Limits: wasm.Limits{Min: 2, Max: &maxPages, Shared: true}},
			},
		}},
		Globals: []wasm.Global{
			{Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}, Init: []byte{wasm.OpI32Const, 0x80, 0x80, 0x04, wasm.OpEnd}}, // __stack_pointer
			{Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}, Init: []byte{wasm.OpI32Const, 0, wasm.OpEnd}},                // __tls_base
			{Type: wasm.GlobalType{ValType: wasm.ValI32}, Init: []byte{wasm.OpI32Const, 64, wasm.OpEnd}},                              // __tls_size
			{Type: wasm.GlobalType{ValType: wasm.ValI32}, Init: []byte{wasm.OpI32Const, 4, wasm.OpEnd}},                               // __tls_align
			{Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}, Init: []byte{wasm.OpI32Const, 0x80, 0x88, 0x04, wasm.OpEnd}}, // bump pointer
		},
	}

	initTLSType := m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}})
	mallocType := m.AddType(wasm.FuncType{
		Params:  []wasm.ValType{wasm.ValI32, wasm.ValI32},
		Results: []wasm.ValType{wasm.ValI32},
	})
	freeType := m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32, wasm.ValI32}})
	voidType := m.AddType(wasm.FuncType{})

	// func 0: __wasm_init_tls(block) { __tls_base = block }
	m.Funcs = append(m.Funcs, initTLSType)
	m.Code = append(m.Code, wasm.FuncBody{Code: wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
		{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: 1}},
		{Opcode: wasm.OpEnd},
	})})

	// func 1: bump-pointer __wasmgrind_malloc(size, align) -> ptr
	m.Funcs = append(m.Funcs, mallocType)
	m.Code = append(m.Code, wasm.FuncBody{
		Locals: []wasm.LocalEntry{{Count: 1, ValType: wasm.ValI32}},
		Code: wasm.EncodeInstructions([]wasm.Instruction{
			{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: 4}},
			{Opcode: wasm.OpLocalSet, Imm: wasm.LocalImm{LocalIdx: 2}},
			{Opcode: wasm.OpGlobalGet, Imm: wasm.GlobalImm{GlobalIdx: 4}},
			{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 0}},
			{Opcode: wasm.OpI32Add},
			{Opcode: wasm.OpGlobalSet, Imm: wasm.GlobalImm{GlobalIdx: 4}},
			{Opcode: wasm.OpLocalGet, Imm: wasm.LocalImm{LocalIdx: 2}},
			{Opcode: wasm.OpEnd},
		}),
	})

	// func 2: __wasmgrind_free - the bump allocator never reclaims
	m.Funcs = append(m.Funcs, freeType)
	m.Code = append(m.Code, wasm.FuncBody{Code: wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpEnd},
	})})

	// func 3: thread_start(routine)
	m.Funcs = append(m.Funcs, initTLSType)
	m.Code = append(m.Code, wasm.FuncBody{Code: wasm.EncodeInstructions([]wasm.Instruction{
		{Opcode: wasm.OpEnd},
	})})

	if opt.withStart {
		m.Funcs = append(m.Funcs, voidType)
		m.Code = append(m.Code, wasm.FuncBody{Code: wasm.EncodeInstructions([]wasm.Instruction{
			{Opcode: wasm.OpEnd},
		})})
		start := uint32(4)
		m.Start = &start
	}

	m.Exports = append(m.Exports, wasm.Export{Name: abi.ExportThreadStart, Kind: wasm.KindFunc, Idx: 3})

	if opt.symbolsViaNames {
		m.SetNames(&wasm.Names{
			Funcs: map[uint32]string{
				0: abi.SymInitTLS,
				1: abi.ExportMalloc,
				2: abi.ExportFree,
			},
			Globals: map[uint32]string{
				0: abi.SymStackPointer,
				1: abi.SymTLSBase,
				2: abi.SymTLSSize,
				3: abi.SymTLSAlign,
			},
		})
		if opt.omitMalloc {
			panic("omitMalloc requires export-based symbols")
		}
	} else {
		if !opt.omitMalloc {
			m.Exports = append(m.Exports, wasm.Export{Name: abi.ExportMalloc, Kind: wasm.KindFunc, Idx: 1})
		}
		m.Exports = append(m.Exports,
			wasm.Export{Name: abi.ExportFree, Kind: wasm.KindFunc, Idx: 2},
			wasm.Export{Name: abi.SymInitTLS, Kind: wasm.KindFunc, Idx: 0},
			wasm.Export{Name: abi.SymStackPointer, Kind: wasm.KindGlobal, Idx: 0},
			wasm.Export{Name: abi.SymTLSBase, Kind: wasm.KindGlobal, Idx: 1},
			wasm.Export{Name: abi.SymTLSSize, Kind: wasm.KindGlobal, Idx: 2},
			wasm.Export{Name: abi.SymTLSAlign, Kind: wasm.KindGlobal, Idx: 3},
		)
	}

	return m.Encode()
}

func TestTransform(t *testing.T) {
	patched, err := threadify.Transform(buildGuest(guestOptions{}), threadify.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	m, err := wasm.ParseModuleValidate(patched)
	if err != nil {
		t.Fatalf("patched module invalid: %v", err)
	}

	if _, ok := m.FindExport(abi.ExportThreadDestroy, wasm.KindFunc); !ok {
		t.Error("missing __wasmgrind_thread_destroy export")
	}
	if m.Start == nil {
		t.Fatal("missing synthesized start function")
	}

	// One page reserved above the original 2-page minimum
	lim := m.ImportedMemory().Desc.Memory.Limits
	if lim.Min != 3 {
		t.Errorf("expected memory minimum 3 pages, got %d", lim.Min)
	}
	if !threadify.IsThreadified(patched) {
		t.Error("IsThreadified must detect the transformed module")
	}
}

func TestTransformTwiceRejected(t *testing.T) {
	patched, err := threadify.Transform(buildGuest(guestOptions{}), threadify.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	_, err = threadify.Transform(patched, threadify.Config{})
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseTransform, Kind: errors.KindAlreadyTransformed}) {
		t.Errorf("expected AlreadyTransformed, got %v", err)
	}
}

func TestTransformMissingMalloc(t *testing.T) {
	_, err := threadify.Transform(buildGuest(guestOptions{omitMalloc: true}), threadify.Config{})
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseTransform, Kind: errors.KindMissingSymbol}) {
		t.Errorf("expected MissingSymbol, got %v", err)
	}
}

func TestTransformLayoutRefused(t *testing.T) {
	_, err := threadify.Transform(buildGuest(guestOptions{noMemoryRoom: true}), threadify.Config{})
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseTransform, Kind: errors.KindLayoutRefused}) {
		t.Errorf("expected LayoutRefused, got %v", err)
	}
}

func TestTransformUnalignedStackSize(t *testing.T) {
	_, err := threadify.Transform(buildGuest(guestOptions{}), threadify.Config{StackSize: 1000})
	if err == nil {
		t.Error("expected error for unaligned stack size")
	}
}

func TestTransformSymbolsViaNameSection(t *testing.T) {
	patched, err := threadify.Transform(buildGuest(guestOptions{symbolsViaNames: true}), threadify.Config{})
	if err != nil {
		t.Fatalf("Transform with name-section symbols: %v", err)
	}
	if !threadify.IsThreadified(patched) {
		t.Error("transformation did not take effect")
	}
}

func TestTransformChainsPreviousStart(t *testing.T) {
	patched, err := threadify.Transform(buildGuest(guestOptions{withStart: true}), threadify.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	m, err := wasm.ParseModule(patched)
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}
	if m.Start == nil {
		t.Fatal("start function missing")
	}

	localIdx := *m.Start - uint32(m.NumImportedFuncs())
	instrs, err := wasm.DecodeInstructions(m.Code[localIdx].Code)
	if err != nil {
		t.Fatalf("decode start body: %v", err)
	}
	if target, ok := instrs[0].GetCallTarget(); !ok || target != 4 {
		t.Errorf("synthesized start must first call the previous start (func 4), got %+v", instrs[0])
	}
}

func TestTransformDeterministic(t *testing.T) {
	input := buildGuest(guestOptions{})
	a, err := threadify.Transform(input, threadify.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	b, err := threadify.Transform(input, threadify.Config{})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if string(a) != string(b) {
		t.Error("Transform is not deterministic")
	}
}
