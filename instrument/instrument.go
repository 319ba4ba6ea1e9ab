package instrument

import (
	"bytes"

	"github.com/AFKoffee/wasmgrind/abi"
	"github.com/AFKoffee/wasmgrind/errors"
	"github.com/AFKoffee/wasmgrind/wasm"
)

// Config configures the instrumentation pass. It currently carries no
// options; the struct keeps the pass signature uniform with threadify.
type Config struct{}

// IsInstrumented checks if a WASM module already carries the tracing hooks.
func IsInstrumented(wasmBytes []byte) bool {
	return bytes.Contains(wasmBytes, []byte(abi.FnReadHook))
}

// Transform extends the module with trace-emitting callsites at every
// memory-touching instruction and at every thread-management ABI call.
//
// The pass:
//   - Adds the wasabi.read_hook and wasabi.write_hook function imports,
//     shifting every defined-function index and remapping all references.
//   - Extends the signatures of the wasm_threadlink imports with two trailing
//     i32 location arguments and patches every callsite to pass them.
//   - Injects hook calls around loads, stores, bulk-memory operations and
//     atomics, copying operands through fresh scratch locals so the original
//     instruction behaves exactly as before.
//
// The rewrite is deterministic: two runs on the same input produce
// byte-identical output.
func Transform(wasmData []byte, _ Config) ([]byte, error) {
	m, err := wasm.ParseModule(wasmData)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseParse, errors.KindInvalidData, err, "parse module")
	}

	if _, ok := m.FindFuncImport(abi.Wasabi, abi.FnReadHook); ok {
		return nil, errors.AlreadyTransformed(errors.PhaseInstrument, abi.Wasabi+"."+abi.FnReadHook)
	}

	firstDefined := uint32(m.NumImportedFuncs())

	// Hook imports land at the end of the import section, so existing import
	// indices stay put and defined functions shift by two.
	hookType := m.AddType(wasm.FuncType{
		Params: []wasm.ValType{wasm.ValI32, wasm.ValI32, wasm.ValI32, wasm.ValI32},
	})
	m.Imports = append(m.Imports,
		wasm.Import{Module: abi.Wasabi, Name: abi.FnReadHook, Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: hookType}},
		wasm.Import{Module: abi.Wasabi, Name: abi.FnWriteHook, Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: hookType}},
	)
	readHook := firstDefined
	writeHook := firstDefined + 1

	if err := shiftFuncRefs(m, firstDefined, 2); err != nil {
		return nil, err
	}

	abiCalls, err := extendABISignatures(m)
	if err != nil {
		return nil, err
	}

	rw := rewriter{
		module:    m,
		readHook:  readHook,
		writeHook: writeHook,
		abiCalls:  abiCalls,
	}
	numImported := uint32(m.NumImportedFuncs())
	for i := range m.Code {
		if err := rw.instrumentBody(numImported+uint32(i), &m.Code[i]); err != nil {
			return nil, err
		}
	}

	return m.Encode(), nil
}

// extendABISignatures rewrites the types of the thread-management imports to
// their tracing shapes (two extra trailing i32 location parameters) and
// returns the set of function indices whose callsites need the location
// arguments appended.
func extendABISignatures(m *wasm.Module) (map[uint32]bool, error) {
	extended := make(map[uint32]bool)
	for _, name := range abi.TracingFuncs {
		idx, ok := m.FindFuncImport(abi.ThreadLink, name)
		if !ok {
			continue
		}
		ft := m.GetFuncType(idx)
		if ft == nil {
			return nil, errors.InvalidData(errors.PhaseInstrument, []string{abi.ThreadLink, name},
				"import references unknown type")
		}
		params := make([]wasm.ValType, 0, len(ft.Params)+2)
		params = append(params, ft.Params...)
		params = append(params, wasm.ValI32, wasm.ValI32)
		newType := m.AddType(wasm.FuncType{Params: params, Results: ft.Results})

		// Imports are matched positionally within the function index space
		seen := uint32(0)
		for i := range m.Imports {
			if m.Imports[i].Desc.Kind != wasm.KindFunc {
				continue
			}
			if seen == idx {
				m.Imports[i].Desc.TypeIdx = newType
				break
			}
			seen++
		}
		extended[idx] = true
	}
	return extended, nil
}

// shiftFuncRefs remaps every reference to functions at or above firstShifted
// by delta: code bodies, exports, element segments, constant expressions, the
// start index and the name section.
func shiftFuncRefs(m *wasm.Module, firstShifted, delta uint32) error {
	remap := func(idx uint32) uint32 {
		if idx >= firstShifted {
			return idx + delta
		}
		return idx
	}

	for i := range m.Exports {
		if m.Exports[i].Kind == wasm.KindFunc {
			m.Exports[i].Idx = remap(m.Exports[i].Idx)
		}
	}

	if m.Start != nil {
		s := remap(*m.Start)
		m.Start = &s
	}

	for i := range m.Elements {
		for j := range m.Elements[i].FuncIdxs {
			m.Elements[i].FuncIdxs[j] = remap(m.Elements[i].FuncIdxs[j])
		}
		for j, expr := range m.Elements[i].Exprs {
			remapped, err := remapExpr(expr, remap)
			if err != nil {
				return err
			}
			m.Elements[i].Exprs[j] = remapped
		}
	}

	for i := range m.Globals {
		remapped, err := remapExpr(m.Globals[i].Init, remap)
		if err != nil {
			return err
		}
		m.Globals[i].Init = remapped
	}

	for i := range m.Code {
		remapped, err := remapExpr(m.Code[i].Code, remap)
		if err != nil {
			return err
		}
		m.Code[i].Code = remapped
	}

	names, err := m.Names()
	if err != nil {
		return errors.Wrap(errors.PhaseInstrument, errors.KindInvalidData, err, "decode name section")
	}
	if len(names.Funcs) > 0 || len(names.Globals) > 0 || names.Module != "" {
		shifted := make(map[uint32]string, len(names.Funcs))
		for idx, name := range names.Funcs {
			shifted[remap(idx)] = name
		}
		names.Funcs = shifted
		m.SetNames(names)
	}

	return nil
}

// remapExpr rewrites direct call and ref.func immediates in an instruction
// sequence.
func remapExpr(code []byte, remap func(uint32) uint32) ([]byte, error) {
	instrs, err := wasm.DecodeInstructions(code)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseInstrument, errors.KindInvalidData, err, "decode code")
	}
	for i := range instrs {
		switch instrs[i].Opcode {
		case wasm.OpCall, wasm.OpReturnCall:
			imm := instrs[i].Imm.(wasm.CallImm)
			imm.FuncIdx = remap(imm.FuncIdx)
			instrs[i].Imm = imm
		case wasm.OpRefFunc:
			imm := instrs[i].Imm.(wasm.RefFuncImm)
			imm.FuncIdx = remap(imm.FuncIdx)
			instrs[i].Imm = imm
		}
	}
	return wasm.EncodeInstructions(instrs), nil
}
