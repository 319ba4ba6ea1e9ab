package wasm

import "fmt"

// Validate checks the module for structural validity and type-checks the
// operand stack of every function body (see codevalidate.go).
func (m *Module) Validate() error {
	if err := m.validateTypeIndices(); err != nil {
		return err
	}
	if err := m.validateFunctionIndices(); err != nil {
		return err
	}
	if err := m.validateMemoryIndices(); err != nil {
		return err
	}
	if err := m.validateGlobalIndices(); err != nil {
		return err
	}
	if err := m.validateExports(); err != nil {
		return err
	}
	if err := m.validateStart(); err != nil {
		return err
	}
	if err := m.validateDataCount(); err != nil {
		return err
	}
	if err := m.validateCodeCount(); err != nil {
		return err
	}
	if err := m.validateMemoryLimits(); err != nil {
		return err
	}
	if err := m.validateCode(); err != nil {
		return err
	}
	return nil
}

// ParseModuleValidate parses a WebAssembly binary and validates it.
// This is a convenience function combining ParseModule and Validate.
func ParseModuleValidate(data []byte) (*Module, error) {
	m, err := ParseModule(data)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) validateTypeIndices() error {
	numTypes := uint32(len(m.Types))
	for i, typeIdx := range m.Funcs {
		if typeIdx >= numTypes {
			return fmt.Errorf("function %d references type %d, but only %d types defined", i, typeIdx, numTypes)
		}
	}
	for i, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc && imp.Desc.TypeIdx >= numTypes {
			return fmt.Errorf("import %d references type %d, but only %d types defined", i, imp.Desc.TypeIdx, numTypes)
		}
	}
	return nil
}

func (m *Module) validateFunctionIndices() error {
	numFuncs := uint32(m.NumFuncs())
	for i, elem := range m.Elements {
		for _, funcIdx := range elem.FuncIdxs {
			if funcIdx >= numFuncs {
				return fmt.Errorf("element %d references function %d, but only %d functions exist", i, funcIdx, numFuncs)
			}
		}
	}
	return nil
}

func (m *Module) validateMemoryIndices() error {
	numMemories := m.NumImportedMemories() + len(m.Memories)
	for i, seg := range m.Data {
		if int(seg.MemIdx) >= numMemories && (seg.Flags == 0 || seg.Flags == 2) {
			return fmt.Errorf("data segment %d references memory %d, but only %d memories exist", i, seg.MemIdx, numMemories)
		}
	}
	return nil
}

func (m *Module) validateGlobalIndices() error {
	// Global init expressions may only reference imported globals
	numImported := uint32(m.NumImportedGlobals())
	for i, g := range m.Globals {
		instrs, err := DecodeInstructions(g.Init)
		if err != nil {
			return fmt.Errorf("global %d init: %w", i, err)
		}
		for _, instr := range instrs {
			if instr.Opcode == OpGlobalGet {
				idx := instr.Imm.(GlobalImm).GlobalIdx
				if idx >= numImported {
					return fmt.Errorf("global %d init references non-imported global %d", i, idx)
				}
			}
		}
	}
	return nil
}

func (m *Module) validateExports() error {
	seen := make(map[string]bool, len(m.Exports))
	for _, exp := range m.Exports {
		if seen[exp.Name] {
			return fmt.Errorf("duplicate export name %q", exp.Name)
		}
		seen[exp.Name] = true

		switch exp.Kind {
		case KindFunc:
			if exp.Idx >= uint32(m.NumFuncs()) {
				return fmt.Errorf("export %q references function %d out of range", exp.Name, exp.Idx)
			}
		case KindGlobal:
			if exp.Idx >= uint32(m.NumGlobals()) {
				return fmt.Errorf("export %q references global %d out of range", exp.Name, exp.Idx)
			}
		case KindMemory:
			if int(exp.Idx) >= m.NumImportedMemories()+len(m.Memories) {
				return fmt.Errorf("export %q references memory %d out of range", exp.Name, exp.Idx)
			}
		case KindTable:
			if int(exp.Idx) >= m.NumImportedTables()+len(m.Tables) {
				return fmt.Errorf("export %q references table %d out of range", exp.Name, exp.Idx)
			}
		default:
			return fmt.Errorf("export %q has invalid kind %d", exp.Name, exp.Kind)
		}
	}
	return nil
}

func (m *Module) validateStart() error {
	if m.Start == nil {
		return nil
	}
	ft := m.GetFuncType(*m.Start)
	if ft == nil {
		return fmt.Errorf("start function %d out of range", *m.Start)
	}
	if len(ft.Params) != 0 || len(ft.Results) != 0 {
		return fmt.Errorf("start function %d must have type [] -> []", *m.Start)
	}
	return nil
}

func (m *Module) validateDataCount() error {
	if m.DataCount != nil && int(*m.DataCount) != len(m.Data) {
		return fmt.Errorf("data count section says %d segments, data section has %d", *m.DataCount, len(m.Data))
	}
	return nil
}

func (m *Module) validateCodeCount() error {
	if len(m.Funcs) != len(m.Code) {
		return fmt.Errorf("function section has %d entries, code section has %d", len(m.Funcs), len(m.Code))
	}
	return nil
}

func (m *Module) validateMemoryLimits() error {
	for i := range m.Memories {
		if err := validateMemoryType(&m.Memories[i], i, false); err != nil {
			return err
		}
	}
	for i := range m.Imports {
		if m.Imports[i].Desc.Kind == KindMemory {
			if err := validateMemoryType(m.Imports[i].Desc.Memory, i, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateMemoryType(mem *MemoryType, idx int, isImport bool) error {
	where := "memory"
	if isImport {
		where = "imported memory"
	}
	if mem.Limits.Min > MemoryMaxPages32 {
		return fmt.Errorf("%s %d minimum %d exceeds 4GB page limit", where, idx, mem.Limits.Min)
	}
	if mem.Limits.Max != nil {
		if *mem.Limits.Max > MemoryMaxPages32 {
			return fmt.Errorf("%s %d maximum %d exceeds 4GB page limit", where, idx, *mem.Limits.Max)
		}
		if *mem.Limits.Max < mem.Limits.Min {
			return fmt.Errorf("%s %d maximum %d below minimum %d", where, idx, *mem.Limits.Max, mem.Limits.Min)
		}
	}
	return nil
}
