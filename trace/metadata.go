package trace

import "encoding/json"

// Metadata is the JSON sidecar enumerating the inverse interning tables.
// It is sufficient to map every RapidBin field back to its wasmgrind meaning.
type Metadata struct {
	Vars      []VarEntry      `json:"vars"`
	Locks     []LockEntry     `json:"locks"`
	Locations []LocationEntry `json:"locations"`
	Threads   []uint32        `json:"threads"`
}

// VarEntry maps a var id back to its (addr, n) access pattern. Two accesses
// with overlapping ranges but different widths keep distinct ids; analyzers
// detect the overlap from addr and n.
type VarEntry struct {
	ID   uint32 `json:"id"`
	Addr uint32 `json:"addr"`
	N    uint32 `json:"n"`
}

// LockEntry maps a lock id back to the mutex address.
type LockEntry struct {
	ID   uint32 `json:"id"`
	Addr uint32 `json:"addr"`
}

// LocationEntry maps a location id back to (function, instruction), plus the
// function's name when the instrumented module carried one.
type LocationEntry struct {
	ID    uint32 `json:"id"`
	Func  uint32 `json:"func"`
	Instr uint32 `json:"instr"`
	Name  string `json:"name,omitempty"`
}

// JSON renders the sidecar as UTF-8 JSON.
func (md *Metadata) JSON() ([]byte, error) {
	return json.MarshalIndent(md, "", "  ")
}

func buildMetadata(vars *interner[varKey], locks *interner[uint32], locations *interner[Location], threads *interner[uint32], funcNames map[uint32]string) *Metadata {
	md := &Metadata{
		Vars:      make([]VarEntry, len(vars.order)),
		Locks:     make([]LockEntry, len(locks.order)),
		Locations: make([]LocationEntry, len(locations.order)),
		Threads:   make([]uint32, len(threads.order)),
	}
	for i, k := range vars.order {
		md.Vars[i] = VarEntry{ID: uint32(i), Addr: k.addr, N: k.n}
	}
	for i, addr := range locks.order {
		md.Locks[i] = LockEntry{ID: uint32(i), Addr: addr}
	}
	for i, loc := range locations.order {
		md.Locations[i] = LocationEntry{
			ID:    uint32(i),
			Func:  loc.Func,
			Instr: loc.Instr,
			Name:  funcNames[loc.Func],
		}
	}
	copy(md.Threads, threads.order)
	return md
}
