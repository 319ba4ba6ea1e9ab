package host

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/AFKoffee/wasmgrind/abi"
	"github.com/AFKoffee/wasmgrind/errors"
	"github.com/AFKoffee/wasmgrind/wasm"
)

// envModule synthesizes the binary of a module exporting one shared memory
// with the given limits. Every guest instance imports this memory, which is
// what lets all threads share one address space.
func envModule(limits wasm.Limits) []byte {
	m := &wasm.Module{
		Memories: []wasm.MemoryType{{Limits: limits}},
		Exports:  []wasm.Export{{Name: abi.MemoryName, Kind: wasm.KindMemory, Idx: 0}},
	}
	return m.Encode()
}

// instantiateEnv compiles and instantiates the synthesized env module under
// the name the guest's memory import resolves against.
func instantiateEnv(ctx context.Context, rt wazero.Runtime, limits wasm.Limits) (api.Module, error) {
	if !limits.Shared {
		return nil, errors.InvalidData(errors.PhaseRuntime, []string{abi.Env, abi.MemoryName},
			"memory import must be shared")
	}

	compiled, err := rt.CompileModule(ctx, envModule(limits))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInstantiation, err, "compile env module")
	}
	mod, err := rt.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(abi.Env).WithStartFunctions())
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInstantiation, err, "instantiate env module")
	}
	return mod, nil
}
