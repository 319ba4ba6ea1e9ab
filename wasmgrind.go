package wasmgrind

import (
	"github.com/AFKoffee/wasmgrind/instrument"
	"github.com/AFKoffee/wasmgrind/threadify"
)

// PrepareOptions configures the binary-preparation pipeline.
type PrepareOptions struct {
	// StackSize is the private per-thread stack size in bytes; zero selects
	// the threadify default (1 MiB). Must be 16-byte aligned.
	StackSize uint32

	// Tracing additionally applies the instrumentation pass, producing a
	// module for the tracing host configuration.
	Tracing bool
}

// Prepare runs a compiled guest module through the rewriting pipeline:
// threadify always, instrumentation when tracing is requested. The result is
// what host.New expects.
func Prepare(moduleBytes []byte, opts PrepareOptions) ([]byte, error) {
	patched, err := threadify.Transform(moduleBytes, threadify.Config{StackSize: opts.StackSize})
	if err != nil {
		return nil, err
	}
	if !opts.Tracing {
		return patched, nil
	}
	return instrument.Transform(patched, instrument.Config{})
}
