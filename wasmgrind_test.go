package wasmgrind_test

import (
	"testing"

	wasmgrind "github.com/AFKoffee/wasmgrind"
	"github.com/AFKoffee/wasmgrind/abi"
	"github.com/AFKoffee/wasmgrind/instrument"
	"github.com/AFKoffee/wasmgrind/threadify"
	"github.com/AFKoffee/wasmgrind/wasm"
)

// minimalGuest builds the smallest module the pipeline accepts.
func minimalGuest() []byte {
	maxPages := uint64(8)
	m := &wasm.Module{
		Imports: []wasm.Import{{
			Module: abi.Env,
			Name:   abi.MemoryName,
			Desc: wasm.ImportDesc{
				Kind:   wasm.KindMemory,
				Memory: &wasm.MemoryType{Limits: wasm.Limits{Min: 1, Max: &maxPages, Shared: true}},
			},
		}},
		Globals: []wasm.Global{
			{Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}, Init: []byte{wasm.OpI32Const, 0, wasm.OpEnd}},
			{Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}, Init: []byte{wasm.OpI32Const, 0, wasm.OpEnd}},
			{Type: wasm.GlobalType{ValType: wasm.ValI32}, Init: []byte{wasm.OpI32Const, 16, wasm.OpEnd}},
			{Type: wasm.GlobalType{ValType: wasm.ValI32}, Init: []byte{wasm.OpI32Const, 4, wasm.OpEnd}},
		},
	}

	oneParam := m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}})
	mallocType := m.AddType(wasm.FuncType{
		Params:  []wasm.ValType{wasm.ValI32, wasm.ValI32},
		Results: []wasm.ValType{wasm.ValI32},
	})
	freeType := m.AddType(wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32, wasm.ValI32}})

	// __wasm_init_tls, __wasmgrind_malloc, __wasmgrind_free, thread_start
	bodies := []struct {
		typeIdx uint32
		code    []wasm.Instruction
	}{
		{oneParam, []wasm.Instruction{{Opcode: wasm.OpEnd}}},
		{mallocType, []wasm.Instruction{
			{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 4096}},
			{Opcode: wasm.OpEnd},
		}},
		{freeType, []wasm.Instruction{{Opcode: wasm.OpEnd}}},
		{oneParam, []wasm.Instruction{{Opcode: wasm.OpEnd}}},
	}
	for _, b := range bodies {
		m.Funcs = append(m.Funcs, b.typeIdx)
		m.Code = append(m.Code, wasm.FuncBody{Code: wasm.EncodeInstructions(b.code)})
	}

	m.Exports = []wasm.Export{
		{Name: abi.SymInitTLS, Kind: wasm.KindFunc, Idx: 0},
		{Name: abi.ExportMalloc, Kind: wasm.KindFunc, Idx: 1},
		{Name: abi.ExportFree, Kind: wasm.KindFunc, Idx: 2},
		{Name: abi.ExportThreadStart, Kind: wasm.KindFunc, Idx: 3},
		{Name: abi.SymStackPointer, Kind: wasm.KindGlobal, Idx: 0},
		{Name: abi.SymTLSBase, Kind: wasm.KindGlobal, Idx: 1},
		{Name: abi.SymTLSSize, Kind: wasm.KindGlobal, Idx: 2},
		{Name: abi.SymTLSAlign, Kind: wasm.KindGlobal, Idx: 3},
	}
	return m.Encode()
}

func TestPrepareStandalone(t *testing.T) {
	out, err := wasmgrind.Prepare(minimalGuest(), wasmgrind.PrepareOptions{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !threadify.IsThreadified(out) {
		t.Error("expected threadified output")
	}
	if instrument.IsInstrumented(out) {
		t.Error("standalone preparation must not instrument")
	}
}

func TestPrepareTracing(t *testing.T) {
	out, err := wasmgrind.Prepare(minimalGuest(), wasmgrind.PrepareOptions{Tracing: true})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if !threadify.IsThreadified(out) || !instrument.IsInstrumented(out) {
		t.Error("tracing preparation must apply both passes")
	}
	if _, err := wasm.ParseModuleValidate(out); err != nil {
		t.Errorf("prepared module invalid: %v", err)
	}
}

func TestPrepareInvalidInput(t *testing.T) {
	if _, err := wasmgrind.Prepare([]byte{0, 1, 2, 3}, wasmgrind.PrepareOptions{}); err == nil {
		t.Error("expected error for invalid module bytes")
	}
}
