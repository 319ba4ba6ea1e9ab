package wasm

import (
	"bytes"
	"sort"

	"github.com/AFKoffee/wasmgrind/wasm/internal/binary"
)

// NameSection is the conventional name of the names custom section.
const NameSection = "name"

// Name subsection identifiers (extended-name-section proposal numbering).
const (
	nameSubsectionModule   byte = 0
	nameSubsectionFunction byte = 1
	nameSubsectionGlobal   byte = 7
)

// Names holds the decoded contents of a module's "name" custom section.
// Only the subsections wasmgrind consumes are modeled: the module name,
// function names and global names. Other subsections are dropped on
// re-encode.
type Names struct {
	Module  string
	Funcs   map[uint32]string
	Globals map[uint32]string
}

// Names decodes the module's "name" custom section. A module without one
// yields empty (non-nil) maps.
func (m *Module) Names() (*Names, error) {
	n := &Names{
		Funcs:   make(map[uint32]string),
		Globals: make(map[uint32]string),
	}

	cs := m.CustomSection(NameSection)
	if cs == nil {
		return n, nil
	}

	r := binary.NewReader(bytes.NewReader(cs.Data))
	for {
		id, err := r.ReadByte()
		if err != nil {
			// EOF terminates the subsection list
			return n, nil
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("name subsection size", err)
		}
		data, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, r.WrapError("name subsection data", err)
		}

		sr := binary.NewReader(bytes.NewReader(data))
		switch id {
		case nameSubsectionModule:
			n.Module, err = sr.ReadName()
			if err != nil {
				return nil, sr.WrapError("module name", err)
			}
		case nameSubsectionFunction:
			if err := readNameMap(sr, n.Funcs); err != nil {
				return nil, sr.WrapError("function names", err)
			}
		case nameSubsectionGlobal:
			if err := readNameMap(sr, n.Globals); err != nil {
				return nil, sr.WrapError("global names", err)
			}
		default:
			// Local names and other subsections are not consumed
		}
	}
}

// SetNames replaces the module's "name" custom section with the given names.
// Passing names with no entries removes the section.
func (m *Module) SetNames(n *Names) {
	// Drop any existing name section
	filtered := m.CustomSections[:0]
	for _, cs := range m.CustomSections {
		if cs.Name != NameSection {
			filtered = append(filtered, cs)
		}
	}
	m.CustomSections = filtered

	if n == nil || (n.Module == "" && len(n.Funcs) == 0 && len(n.Globals) == 0) {
		return
	}

	w := binary.NewWriter()
	if n.Module != "" {
		sub := binary.NewWriter()
		sub.WriteName(n.Module)
		writeNameSubsection(w, nameSubsectionModule, sub.Bytes())
	}
	if len(n.Funcs) > 0 {
		sub := binary.NewWriter()
		writeNameMap(sub, n.Funcs)
		writeNameSubsection(w, nameSubsectionFunction, sub.Bytes())
	}
	if len(n.Globals) > 0 {
		sub := binary.NewWriter()
		writeNameMap(sub, n.Globals)
		writeNameSubsection(w, nameSubsectionGlobal, sub.Bytes())
	}

	m.CustomSections = append(m.CustomSections, CustomSection{
		Name: NameSection,
		Data: w.Bytes(),
	})
}

func readNameMap(r *binary.Reader, into map[uint32]string) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		into[idx] = name
	}
	return nil
}

// writeNameMap writes a name map in ascending index order, the only valid
// encoding for the name section.
func writeNameMap(w *binary.Writer, names map[uint32]string) {
	idxs := make([]uint32, 0, len(names))
	for idx := range names {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	w.WriteU32(uint32(len(idxs)))
	for _, idx := range idxs {
		w.WriteU32(idx)
		w.WriteName(names[idx])
	}
}

func writeNameSubsection(w *binary.Writer, id byte, data []byte) {
	w.Byte(id)
	w.WriteU32(uint32(len(data)))
	w.WriteBytes(data)
}
