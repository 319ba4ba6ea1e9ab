package wasm

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/AFKoffee/wasmgrind/wasm/internal/binary"
)

// Parsing errors returned by ParseModule.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
)

// ParseModule parses a WebAssembly binary module
func ParseModule(data []byte) (*Module, error) {
	r := binary.NewReader(bytes.NewReader(data))

	// Check magic number
	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}

	// Check version
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	m := &Module{}

	// Track section ordering using canonical order, not section IDs
	// WASM spec order: Type(1), Import(2), Function(3), Table(4), Memory(5),
	// Global(6), Export(7), Start(8), Element(9), DataCount(12), Code(10), Data(11)
	var lastSectionOrder int

	// Parse sections
	for {
		sectionID, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, r.WrapError("section header", err)
		}

		// Validate section ordering (custom sections can appear anywhere)
		if sectionID != SectionCustom {
			order := sectionOrder(sectionID)
			if order < 0 {
				return nil, fmt.Errorf("unsupported section id %d", sectionID)
			}
			if order <= lastSectionOrder {
				return nil, fmt.Errorf("section %d appears out of order", sectionID)
			}
			lastSectionOrder = order
		}

		sectionSize, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}

		sectionData, err := r.ReadBytes(int(sectionSize))
		if err != nil {
			return nil, r.WrapError("section data", err)
		}

		sr := binary.NewReader(bytes.NewReader(sectionData))

		switch sectionID {
		case SectionCustom:
			err = parseCustomSection(sr, m)
		case SectionType:
			err = parseTypeSection(sr, m)
		case SectionImport:
			err = parseImportSection(sr, m)
		case SectionFunction:
			err = parseFunctionSection(sr, m)
		case SectionTable:
			err = parseTableSection(sr, m)
		case SectionMemory:
			err = parseMemorySection(sr, m)
		case SectionGlobal:
			err = parseGlobalSection(sr, m)
		case SectionExport:
			err = parseExportSection(sr, m)
		case SectionStart:
			err = parseStartSection(sr, m)
		case SectionElement:
			err = parseElementSection(sr, m)
		case SectionCode:
			err = parseCodeSection(sr, m)
		case SectionData:
			err = parseDataSection(sr, m)
		case SectionDataCount:
			err = parseDataCountSection(sr, m)
		}
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// sectionOrder maps a section ID to its canonical position, or -1 for
// sections outside the supported feature set (tags, GC extensions).
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionGlobal:
		return 6
	case SectionExport:
		return 7
	case SectionStart:
		return 8
	case SectionElement:
		return 9
	case SectionDataCount:
		return 10
	case SectionCode:
		return 11
	case SectionData:
		return 12
	default:
		return -1
	}
}

func parseCustomSection(r *binary.Reader, m *Module) error {
	name, err := r.ReadName()
	if err != nil {
		return r.WrapError("custom section name", err)
	}
	data, err := r.ReadRemaining()
	if err != nil {
		return r.WrapError("custom section data", err)
	}
	m.CustomSections = append(m.CustomSections, CustomSection{Name: name, Data: data})
	return nil
}

func parseTypeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return r.WrapError("type count", err)
	}
	m.Types = make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return r.WrapError("type form", err)
		}
		if form != FuncTypeByte {
			return r.WrapError("type form",
				fmt.Errorf("unsupported type definition 0x%02x (only func types are supported)", form))
		}
		ft, err := readFuncType(r)
		if err != nil {
			return r.WrapError("func type", err)
		}
		m.Types = append(m.Types, ft)
	}
	return nil
}

func readFuncType(r *binary.Reader) (FuncType, error) {
	params, err := readValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	results, err := readValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	return FuncType{Params: params, Results: results}, nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	types := make([]ValType, count)
	for i := uint32(0); i < count; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if err := checkValType(b); err != nil {
			return nil, err
		}
		types[i] = ValType(b)
	}
	return types, nil
}

func checkValType(b byte) error {
	switch ValType(b) {
	case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExtern:
		return nil
	default:
		return fmt.Errorf("unsupported value type 0x%02x", b)
	}
}

func parseImportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return r.WrapError("import count", err)
	}
	m.Imports = make([]Import, 0, count)
	for i := uint32(0); i < count; i++ {
		module, err := r.ReadName()
		if err != nil {
			return r.WrapError("import module", err)
		}
		name, err := r.ReadName()
		if err != nil {
			return r.WrapError("import name", err)
		}
		kind, err := r.ReadByte()
		if err != nil {
			return r.WrapError("import kind", err)
		}

		imp := Import{Module: module, Name: name, Desc: ImportDesc{Kind: kind}}
		switch kind {
		case KindFunc:
			typeIdx, err := r.ReadU32()
			if err != nil {
				return r.WrapError("import func type", err)
			}
			imp.Desc.TypeIdx = typeIdx
		case KindTable:
			tt, err := readTableType(r)
			if err != nil {
				return r.WrapError("import table", err)
			}
			imp.Desc.Table = &tt
		case KindMemory:
			mt, err := readMemoryType(r)
			if err != nil {
				return r.WrapError("import memory", err)
			}
			imp.Desc.Memory = &mt
		case KindGlobal:
			gt, err := readGlobalType(r)
			if err != nil {
				return r.WrapError("import global", err)
			}
			imp.Desc.Global = &gt
		default:
			return r.WrapError("import kind", fmt.Errorf("unsupported import kind %d", kind))
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func parseFunctionSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return r.WrapError("function count", err)
	}
	m.Funcs = make([]uint32, count)
	for i := uint32(0); i < count; i++ {
		m.Funcs[i], err = r.ReadU32()
		if err != nil {
			return r.WrapError("function type index", err)
		}
	}
	return nil
}

func parseTableSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return r.WrapError("table count", err)
	}
	m.Tables = make([]TableType, 0, count)
	for i := uint32(0); i < count; i++ {
		tt, err := readTableType(r)
		if err != nil {
			return r.WrapError("table type", err)
		}
		m.Tables = append(m.Tables, tt)
	}
	return nil
}

func parseMemorySection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return r.WrapError("memory count", err)
	}
	m.Memories = make([]MemoryType, 0, count)
	for i := uint32(0); i < count; i++ {
		mt, err := readMemoryType(r)
		if err != nil {
			return r.WrapError("memory type", err)
		}
		m.Memories = append(m.Memories, mt)
	}
	return nil
}

func parseGlobalSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return r.WrapError("global count", err)
	}
	m.Globals = make([]Global, 0, count)
	for i := uint32(0); i < count; i++ {
		gt, err := readGlobalType(r)
		if err != nil {
			return r.WrapError("global type", err)
		}
		init, err := readInitExpr(r)
		if err != nil {
			return r.WrapError("global init", err)
		}
		m.Globals = append(m.Globals, Global{Type: gt, Init: init})
	}
	return nil
}

func parseExportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return r.WrapError("export count", err)
	}
	m.Exports = make([]Export, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.ReadName()
		if err != nil {
			return r.WrapError("export name", err)
		}
		kind, err := r.ReadByte()
		if err != nil {
			return r.WrapError("export kind", err)
		}
		idx, err := r.ReadU32()
		if err != nil {
			return r.WrapError("export index", err)
		}
		m.Exports = append(m.Exports, Export{Name: name, Kind: kind, Idx: idx})
	}
	return nil
}

func parseStartSection(r *binary.Reader, m *Module) error {
	idx, err := r.ReadU32()
	if err != nil {
		return r.WrapError("start index", err)
	}
	m.Start = &idx
	return nil
}

func parseElementSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return r.WrapError("element count", err)
	}
	m.Elements = make([]Element, 0, count)
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return r.WrapError("element flags", err)
		}
		if flags > 7 {
			return r.WrapError("element flags", fmt.Errorf("invalid element flags %d", flags))
		}
		elem := Element{Flags: flags}

		// Active with explicit table index
		if flags == 2 || flags == 6 {
			elem.TableIdx, err = r.ReadU32()
			if err != nil {
				return r.WrapError("element table index", err)
			}
		}

		// Active segments carry an offset expression
		if flags == 0 || flags == 2 || flags == 4 || flags == 6 {
			elem.Offset, err = readInitExpr(r)
			if err != nil {
				return r.WrapError("element offset", err)
			}
		}

		// Elemkind or reftype discriminator
		switch flags {
		case 1, 2, 3:
			elem.ElemKind, err = r.ReadByte()
			if err != nil {
				return r.WrapError("element kind", err)
			}
		case 5, 6, 7:
			t, err := r.ReadByte()
			if err != nil {
				return r.WrapError("element reftype", err)
			}
			elem.Type = ValType(t)
		}

		n, err := r.ReadU32()
		if err != nil {
			return r.WrapError("element vec length", err)
		}

		if flags <= 3 {
			elem.FuncIdxs = make([]uint32, n)
			for j := uint32(0); j < n; j++ {
				elem.FuncIdxs[j], err = r.ReadU32()
				if err != nil {
					return r.WrapError("element func index", err)
				}
			}
		} else {
			elem.Exprs = make([][]byte, n)
			for j := uint32(0); j < n; j++ {
				elem.Exprs[j], err = readInitExpr(r)
				if err != nil {
					return r.WrapError("element expr", err)
				}
			}
		}

		m.Elements = append(m.Elements, elem)
	}
	return nil
}

func parseCodeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return r.WrapError("code count", err)
	}
	m.Code = make([]FuncBody, 0, count)
	for i := uint32(0); i < count; i++ {
		bodySize, err := r.ReadU32()
		if err != nil {
			return r.WrapError("code body size", err)
		}
		body, err := r.ReadBytes(int(bodySize))
		if err != nil {
			return r.WrapError("code body", err)
		}

		br := binary.NewReader(bytes.NewReader(body))
		localCount, err := br.ReadU32()
		if err != nil {
			return r.WrapError("local count", err)
		}
		locals := make([]LocalEntry, 0, localCount)
		for j := uint32(0); j < localCount; j++ {
			n, err := br.ReadU32()
			if err != nil {
				return r.WrapError("local entry count", err)
			}
			t, err := br.ReadByte()
			if err != nil {
				return r.WrapError("local entry type", err)
			}
			if err := checkValType(t); err != nil {
				return r.WrapError("local entry type", err)
			}
			locals = append(locals, LocalEntry{Count: n, ValType: ValType(t)})
		}
		code, err := br.ReadRemaining()
		if err != nil {
			return r.WrapError("code bytes", err)
		}
		m.Code = append(m.Code, FuncBody{Locals: locals, Code: code})
	}
	return nil
}

func parseDataSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return r.WrapError("data count", err)
	}
	m.Data = make([]DataSegment, 0, count)
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return r.WrapError("data flags", err)
		}
		if flags > 2 {
			return r.WrapError("data flags", fmt.Errorf("invalid data flags %d", flags))
		}
		seg := DataSegment{Flags: flags}

		if flags == 2 {
			seg.MemIdx, err = r.ReadU32()
			if err != nil {
				return r.WrapError("data memory index", err)
			}
		}
		if flags == 0 || flags == 2 {
			seg.Offset, err = readInitExpr(r)
			if err != nil {
				return r.WrapError("data offset", err)
			}
		}

		size, err := r.ReadU32()
		if err != nil {
			return r.WrapError("data size", err)
		}
		seg.Init, err = r.ReadBytes(int(size))
		if err != nil {
			return r.WrapError("data bytes", err)
		}
		m.Data = append(m.Data, seg)
	}
	return nil
}

func parseDataCountSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return r.WrapError("data count", err)
	}
	m.DataCount = &count
	return nil
}

func readLimits(r *binary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flags&LimitsMemory64 != 0 {
		return Limits{}, errors.New("64-bit memories are not supported")
	}
	if flags&^(LimitsHasMax|LimitsShared) != 0 {
		return Limits{}, fmt.Errorf("invalid limits flags 0x%02x", flags)
	}

	l := Limits{Shared: flags&LimitsShared != 0}

	min, err := r.ReadU32()
	if err != nil {
		return Limits{}, err
	}
	l.Min = uint64(min)

	if flags&LimitsHasMax != 0 {
		max, err := r.ReadU32()
		if err != nil {
			return Limits{}, err
		}
		m64 := uint64(max)
		l.Max = &m64
	} else if l.Shared {
		return Limits{}, errors.New("shared limits require a maximum")
	}

	return l, nil
}

func readTableType(r *binary.Reader) (TableType, error) {
	elemType, err := r.ReadByte()
	if err != nil {
		return TableType{}, err
	}
	if ValType(elemType) != ValFuncRef && ValType(elemType) != ValExtern {
		return TableType{}, fmt.Errorf("unsupported table element type 0x%02x", elemType)
	}
	limits, err := readLimits(r)
	if err != nil {
		return TableType{}, err
	}
	return TableType{ElemType: elemType, Limits: limits}, nil
}

func readMemoryType(r *binary.Reader) (MemoryType, error) {
	limits, err := readLimits(r)
	if err != nil {
		return MemoryType{}, err
	}
	return MemoryType{Limits: limits}, nil
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	t, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if err := checkValType(t); err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid mutability flag %d", mut)
	}
	return GlobalType{ValType: ValType(t), Mutable: mut == 1}, nil
}

// readInitExpr reads a constant expression terminated by an end opcode and
// returns its raw bytes including the terminator.
func readInitExpr(r *binary.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		op, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf.WriteByte(op)
		if op == OpEnd {
			return buf.Bytes(), nil
		}
		if err := copyInitExprImmediate(r, &buf, op); err != nil {
			return nil, err
		}
	}
}

// copyInitExprImmediate copies the immediate of a constant-expression opcode
// verbatim into buf.
func copyInitExprImmediate(r *binary.Reader, buf *bytes.Buffer, opcode byte) error {
	switch opcode {
	case OpI32Const, OpI64Const, OpRefNull:
		return copyLEB128(r, buf)
	case OpF32Const:
		return copyBytes(r, buf, 4)
	case OpF64Const:
		return copyBytes(r, buf, 8)
	case OpGlobalGet, OpRefFunc:
		return copyLEB128(r, buf)
	default:
		return fmt.Errorf("unsupported opcode 0x%02x in constant expression", opcode)
	}
}

func copyLEB128(r *binary.Reader, buf *bytes.Buffer) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		buf.WriteByte(b)
		if b&0x80 == 0 {
			return nil
		}
	}
}

func copyBytes(r *binary.Reader, buf *bytes.Buffer, n int) error {
	data, err := r.ReadBytes(n)
	if err != nil {
		return err
	}
	buf.Write(data)
	return nil
}
