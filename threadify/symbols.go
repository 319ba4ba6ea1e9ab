package threadify

import (
	"github.com/AFKoffee/wasmgrind/abi"
	"github.com/AFKoffee/wasmgrind/errors"
	"github.com/AFKoffee/wasmgrind/wasm"
)

// symbols holds the resolved indices of the linker-provided items the
// transformer rewires.
type symbols struct {
	malloc  uint32 // func: __wasmgrind_malloc(size, align) -> ptr
	free    uint32 // func: __wasmgrind_free(ptr, size, align)
	initTLS uint32 // func: __wasm_init_tls(block)

	stackPointer uint32 // global: mutable i32
	tlsBase      uint32 // global: mutable i32
	tlsSize      uint32 // global: immutable i32
	tlsAlign     uint32 // global: immutable i32
}

// resolveSymbols locates the required allocator exports and linker globals.
// Exports take precedence; non-exported symbols are found through the "name"
// custom section that wasm-ld emits unless stripped.
func resolveSymbols(m *wasm.Module) (symbols, error) {
	names, err := m.Names()
	if err != nil {
		return symbols{}, errors.Wrap(errors.PhaseTransform, errors.KindInvalidData, err, "decode name section")
	}

	funcByName := invert(names.Funcs)
	globalByName := invert(names.Globals)

	lookupFunc := func(name string) (uint32, bool) {
		if idx, ok := m.FindExport(name, wasm.KindFunc); ok {
			return idx, true
		}
		idx, ok := funcByName[name]
		return idx, ok
	}
	lookupGlobal := func(name string) (uint32, bool) {
		if idx, ok := m.FindExport(name, wasm.KindGlobal); ok {
			return idx, true
		}
		idx, ok := globalByName[name]
		return idx, ok
	}

	var syms symbols
	var ok bool

	if syms.malloc, ok = lookupFunc(abi.ExportMalloc); !ok {
		return symbols{}, errors.MissingSymbol(errors.PhaseTransform, abi.ExportMalloc)
	}
	if syms.free, ok = lookupFunc(abi.ExportFree); !ok {
		return symbols{}, errors.MissingSymbol(errors.PhaseTransform, abi.ExportFree)
	}
	if syms.initTLS, ok = lookupFunc(abi.SymInitTLS); !ok {
		return symbols{}, errors.MissingSymbol(errors.PhaseTransform, abi.SymInitTLS)
	}
	if syms.stackPointer, ok = lookupGlobal(abi.SymStackPointer); !ok {
		return symbols{}, errors.MissingSymbol(errors.PhaseTransform, abi.SymStackPointer)
	}
	if syms.tlsBase, ok = lookupGlobal(abi.SymTLSBase); !ok {
		return symbols{}, errors.MissingSymbol(errors.PhaseTransform, abi.SymTLSBase)
	}
	if syms.tlsSize, ok = lookupGlobal(abi.SymTLSSize); !ok {
		return symbols{}, errors.MissingSymbol(errors.PhaseTransform, abi.SymTLSSize)
	}
	if syms.tlsAlign, ok = lookupGlobal(abi.SymTLSAlign); !ok {
		return symbols{}, errors.MissingSymbol(errors.PhaseTransform, abi.SymTLSAlign)
	}

	if err := checkSymbolTypes(m, syms); err != nil {
		return symbols{}, err
	}
	return syms, nil
}

// checkSymbolTypes verifies the resolved globals carry the shapes the
// synthesized code depends on.
func checkSymbolTypes(m *wasm.Module, syms symbols) error {
	mutable := []struct {
		name string
		idx  uint32
	}{
		{abi.SymStackPointer, syms.stackPointer},
		{abi.SymTLSBase, syms.tlsBase},
	}
	for _, g := range mutable {
		gt := m.GlobalTypeAt(g.idx)
		if gt == nil || gt.ValType != wasm.ValI32 || !gt.Mutable {
			return errors.InvalidData(errors.PhaseTransform, []string{g.name},
				"expected mutable i32 global")
		}
	}

	immutable := []struct {
		name string
		idx  uint32
	}{
		{abi.SymTLSSize, syms.tlsSize},
		{abi.SymTLSAlign, syms.tlsAlign},
	}
	for _, g := range immutable {
		gt := m.GlobalTypeAt(g.idx)
		if gt == nil || gt.ValType != wasm.ValI32 {
			return errors.InvalidData(errors.PhaseTransform, []string{g.name},
				"expected i32 global")
		}
	}

	if ft := m.GetFuncType(syms.malloc); ft == nil || len(ft.Params) != 2 || len(ft.Results) != 1 {
		return errors.InvalidData(errors.PhaseTransform, []string{abi.ExportMalloc},
			"expected signature (size, align) -> ptr")
	}
	if ft := m.GetFuncType(syms.free); ft == nil || len(ft.Params) != 3 || len(ft.Results) != 0 {
		return errors.InvalidData(errors.PhaseTransform, []string{abi.ExportFree},
			"expected signature (ptr, size, align)")
	}
	if ft := m.GetFuncType(syms.initTLS); ft == nil || len(ft.Params) != 1 || len(ft.Results) != 0 {
		return errors.InvalidData(errors.PhaseTransform, []string{abi.SymInitTLS},
			"expected signature (block)")
	}
	return nil
}

func invert(names map[uint32]string) map[string]uint32 {
	inv := make(map[string]uint32, len(names))
	for idx, name := range names {
		inv[name] = idx
	}
	return inv
}
