package wasm_test

import (
	"testing"

	"github.com/AFKoffee/wasmgrind/wasm"
)

func TestNamesRoundTrip(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FuncType{{}},
		Funcs: []uint32{0, 0},
		Code: []wasm.FuncBody{
			{Code: []byte{wasm.OpEnd}},
			{Code: []byte{wasm.OpEnd}},
		},
		Globals: []wasm.Global{
			{Type: wasm.GlobalType{ValType: wasm.ValI32, Mutable: true}, Init: []byte{wasm.OpI32Const, 0, wasm.OpEnd}},
		},
	}
	m.SetNames(&wasm.Names{
		Module:  "guest",
		Funcs:   map[uint32]string{0: "__wasm_init_tls", 1: "main"},
		Globals: map[uint32]string{0: "__stack_pointer"},
	})

	parsed, err := wasm.ParseModule(m.Encode())
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}
	names, err := parsed.Names()
	if err != nil {
		t.Fatalf("Names: %v", err)
	}

	if names.Module != "guest" {
		t.Errorf("module name mismatch: %q", names.Module)
	}
	if names.Funcs[0] != "__wasm_init_tls" || names.Funcs[1] != "main" {
		t.Errorf("function names mismatch: %v", names.Funcs)
	}
	if names.Globals[0] != "__stack_pointer" {
		t.Errorf("global names mismatch: %v", names.Globals)
	}
}

func TestNamesAbsent(t *testing.T) {
	m := &wasm.Module{}
	names, err := m.Names()
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if names.Module != "" || len(names.Funcs) != 0 || len(names.Globals) != 0 {
		t.Error("expected empty names for module without name section")
	}
}

func TestSetNamesReplacesExisting(t *testing.T) {
	m := &wasm.Module{}
	m.SetNames(&wasm.Names{Funcs: map[uint32]string{0: "old"}})
	m.SetNames(&wasm.Names{Funcs: map[uint32]string{0: "new"}})

	sections := 0
	for _, cs := range m.CustomSections {
		if cs.Name == wasm.NameSection {
			sections++
		}
	}
	if sections != 1 {
		t.Fatalf("expected exactly one name section, got %d", sections)
	}

	names, err := m.Names()
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if names.Funcs[0] != "new" {
		t.Errorf("expected replacement, got %v", names.Funcs)
	}
}

func TestSetNamesNilRemoves(t *testing.T) {
	m := &wasm.Module{}
	m.SetNames(&wasm.Names{Module: "x"})
	m.SetNames(nil)
	if m.CustomSection(wasm.NameSection) != nil {
		t.Error("expected name section removed")
	}
}
