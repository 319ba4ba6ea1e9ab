package threadify

import (
	"bytes"

	"github.com/AFKoffee/wasmgrind/abi"
	"github.com/AFKoffee/wasmgrind/errors"
	"github.com/AFKoffee/wasmgrind/wasm"
)

// DefaultStackSize is the private call-stack size allocated for every
// non-first thread. 1 MiB matches the usual guest main-stack size.
const DefaultStackSize uint32 = 1 << 20

// stackAlign is the required alignment of thread stacks, in bytes.
const stackAlign uint32 = 16

// Aux page layout: one wasm page reserved above the module's static data.
// thread_counter sits at the base, temp_stack_lock one word above, and the
// remainder of the page serves as the bootstrap scratch stack (downward
// growing from the page end).
const (
	counterOffset = 0
	lockOffset    = 4
)

// Config configures the threadify transformation.
type Config struct {
	// StackSize is the size in bytes of each non-first thread's private call
	// stack. Zero selects DefaultStackSize. Must be 16-byte aligned.
	StackSize uint32
}

// IsThreadified checks if a WASM module has been threadified.
func IsThreadified(wasmBytes []byte) bool {
	return bytes.Contains(wasmBytes, []byte(abi.ExportThreadDestroy))
}

// Transform rewrites a WASM module so that multiple instances sharing one
// linear memory each operate on a private TLS block and a private call stack.
//
// The transformation:
//   - Reserves one fresh memory page above the declared minimum for the
//     thread counter, the bootstrap lock and the bootstrap scratch stack,
//     raising the minimum by one page.
//   - Replaces the start function with a synthesized bootstrap that chains to
//     the previous one, then allocates stack and TLS for every thread but
//     the first.
//   - Synthesizes and exports __wasmgrind_thread_destroy, which releases the
//     calling thread's TLS and stack.
//
// Returns the transformed WASM binary or an error.
func Transform(wasmData []byte, cfg Config) ([]byte, error) {
	stackSize := cfg.StackSize
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	if stackSize%stackAlign != 0 {
		return nil, errors.InvalidData(errors.PhaseTransform, nil,
			"stack size must be 16-byte aligned")
	}

	m, err := wasm.ParseModule(wasmData)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseParse, errors.KindInvalidData, err, "parse module")
	}

	if _, ok := m.FindExport(abi.ExportThreadDestroy, wasm.KindFunc); ok {
		return nil, errors.AlreadyTransformed(errors.PhaseTransform, abi.ExportThreadDestroy)
	}

	syms, err := resolveSymbols(m)
	if err != nil {
		return nil, err
	}

	aux, err := reserveAuxPage(m)
	if err != nil {
		return nil, err
	}

	prevStart := m.Start
	startIdx := synthesizeStart(m, syms, aux, stackSize, prevStart)
	m.Start = &startIdx

	destroyIdx := synthesizeThreadDestroy(m, syms, stackSize)
	m.Exports = append(m.Exports, wasm.Export{
		Name: abi.ExportThreadDestroy,
		Kind: wasm.KindFunc,
		Idx:  destroyIdx,
	})

	return m.Encode(), nil
}

// auxRegion describes the reserved thread-init page.
type auxRegion struct {
	base         uint32 // page base; thread_counter lives here
	lockAddr     uint32 // temp_stack_lock address
	tempStackTop uint32 // initial stack pointer for bootstrapping threads
}

// reserveAuxPage grows the module's minimum memory by one page and returns
// the reserved region. The page is zero-initialized by construction: shared
// memories start zeroed and no data segment is injected, so per-thread
// instantiation cannot reset the counters.
func reserveAuxPage(m *wasm.Module) (auxRegion, error) {
	var limits *wasm.Limits
	if imp := m.ImportedMemory(); imp != nil {
		limits = &imp.Desc.Memory.Limits
	} else if len(m.Memories) > 0 {
		limits = &m.Memories[0].Limits
	} else {
		return auxRegion{}, errors.MissingSymbol(errors.PhaseTransform, "env.memory")
	}

	newMin := limits.Min + 1
	if newMin > wasm.MemoryMaxPages32 {
		return auxRegion{}, errors.LayoutRefused("memory minimum %d pages cannot grow past 4GB", limits.Min)
	}
	if limits.Max != nil && newMin > *limits.Max {
		return auxRegion{}, errors.LayoutRefused(
			"memory maximum %d pages leaves no room for the thread-init page", *limits.Max)
	}

	base := uint32(limits.Min) * wasm.PageSize
	limits.Min = newMin

	return auxRegion{
		base:         base,
		lockAddr:     base + lockOffset,
		tempStackTop: base + wasm.PageSize,
	}, nil
}
