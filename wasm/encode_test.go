package wasm_test

import (
	"bytes"
	"testing"

	"github.com/AFKoffee/wasmgrind/wasm"
)

func TestEncodeEmptyModule(t *testing.T) {
	m := &wasm.Module{}
	data := m.Encode()

	if len(data) != 8 {
		t.Errorf("expected 8 bytes for empty module, got %d", len(data))
	}
	if !bytes.Equal(data[:4], []byte{0x00, 0x61, 0x73, 0x6D}) {
		t.Error("invalid magic number")
	}
	if !bytes.Equal(data[4:8], []byte{0x01, 0x00, 0x00, 0x00}) {
		t.Error("invalid version")
	}
}

func TestEncodeTypes(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: nil, Results: nil},
			{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
			{Params: []wasm.ValType{wasm.ValI32, wasm.ValI64}, Results: []wasm.ValType{wasm.ValF32, wasm.ValF64}},
		},
	}

	data := m.Encode()
	parsed, err := wasm.ParseModule(data)
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}

	if len(parsed.Types) != 3 {
		t.Fatalf("expected 3 types, got %d", len(parsed.Types))
	}
	if len(parsed.Types[0].Params) != 0 || len(parsed.Types[0].Results) != 0 {
		t.Error("type 0 should be () -> ()")
	}
	if len(parsed.Types[1].Params) != 1 || parsed.Types[1].Params[0] != wasm.ValI32 {
		t.Error("type 1 params mismatch")
	}
}

func TestEncodeFunctions(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: nil, Results: nil},
			{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
		},
		Funcs: []uint32{0, 1, 0},
		Code: []wasm.FuncBody{
			{Locals: nil, Code: []byte{wasm.OpEnd}},
			{Locals: []wasm.LocalEntry{{Count: 1, ValType: wasm.ValI32}}, Code: []byte{wasm.OpLocalGet, 0, wasm.OpEnd}},
			{Locals: nil, Code: []byte{wasm.OpEnd}},
		},
	}

	data := m.Encode()
	parsed, err := wasm.ParseModule(data)
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}

	if len(parsed.Funcs) != 3 {
		t.Errorf("expected 3 funcs, got %d", len(parsed.Funcs))
	}
	if len(parsed.Code) != 3 {
		t.Errorf("expected 3 code entries, got %d", len(parsed.Code))
	}
	if len(parsed.Code[1].Locals) != 1 || parsed.Code[1].Locals[0].ValType != wasm.ValI32 {
		t.Error("locals of func 1 did not round-trip")
	}
}

func TestEncodeSharedMemoryImport(t *testing.T) {
	max := uint64(32)
	m := &wasm.Module{
		Imports: []wasm.Import{
			{
				Module: "env",
				Name:   "memory",
				Desc: wasm.ImportDesc{
					Kind:   wasm.KindMemory,
					Memory: &wasm.MemoryType{Limits: wasm.Limits{Min: 16, Max: &max, Shared: true}},
				},
			},
		},
	}

	data := m.Encode()
	parsed, err := wasm.ParseModule(data)
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}

	imp := parsed.ImportedMemory()
	if imp == nil {
		t.Fatal("memory import lost in round-trip")
	}
	lim := imp.Desc.Memory.Limits
	if lim.Min != 16 || lim.Max == nil || *lim.Max != 32 || !lim.Shared {
		t.Errorf("limits mismatch: %+v", lim)
	}
}

func TestEncodeGlobalsExportsStart(t *testing.T) {
	start := uint32(0)
	m := &wasm.Module{
		Types: []wasm.FuncType{{}},
		Funcs: []uint32{0},
		Code:  []wasm.FuncBody{{Code: []byte{wasm.OpEnd}}},
		Globals: []wasm.Global{
			{
				Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true},
				Init: []byte{wasm.OpI32Const, 42, wasm.OpEnd},
			},
		},
		Exports: []wasm.Export{
			{Name: "run", Kind: wasm.KindFunc, Idx: 0},
			{Name: "__stack_pointer", Kind: wasm.KindGlobal, Idx: 0},
		},
		Start: &start,
	}

	data := m.Encode()
	parsed, err := wasm.ParseModuleValidate(data)
	if err != nil {
		t.Fatalf("ParseModuleValidate: %v", err)
	}

	if parsed.Start == nil || *parsed.Start != 0 {
		t.Error("start index did not round-trip")
	}
	if idx, ok := parsed.FindExport("__stack_pointer", wasm.KindGlobal); !ok || idx != 0 {
		t.Error("global export did not round-trip")
	}
	if !parsed.Globals[0].Type.Mutable {
		t.Error("global mutability lost")
	}
}

func TestEncodeDataSegments(t *testing.T) {
	count := uint32(2)
	m := &wasm.Module{
		Memories:  []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		DataCount: &count,
		Data: []wasm.DataSegment{
			{Flags: 0, Offset: []byte{wasm.OpI32Const, 8, wasm.OpEnd}, Init: []byte{1, 2, 3}},
			{Flags: 1, Init: []byte{4, 5}},
		},
	}

	data := m.Encode()
	parsed, err := wasm.ParseModuleValidate(data)
	if err != nil {
		t.Fatalf("ParseModuleValidate: %v", err)
	}

	if len(parsed.Data) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(parsed.Data))
	}
	if parsed.Data[1].Flags != 1 || !bytes.Equal(parsed.Data[1].Init, []byte{4, 5}) {
		t.Error("passive segment did not round-trip")
	}
}

func TestEncodeDeterministic(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FuncType{{Params: []wasm.ValType{wasm.ValI32}}},
		Funcs: []uint32{0},
		Code:  []wasm.FuncBody{{Code: []byte{wasm.OpEnd}}},
	}

	a := m.Encode()
	b := m.Encode()
	if !bytes.Equal(a, b) {
		t.Error("Encode is not deterministic")
	}
}
