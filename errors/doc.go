// Package errors provides structured error types for wasmgrind.
//
// Errors carry a Phase (where in the pipeline the failure occurred) and a
// Kind (what went wrong), so callers can match on either with stdlib
// errors.Is without string comparison:
//
//	_, err := threadify.Transform(data, cfg)
//	if errors.Is(err, &wgerrors.Error{Phase: wgerrors.PhaseTransform, Kind: wgerrors.KindMissingSymbol}) {
//	    // module is not a conforming LLVM threaded build
//	}
//
// Transformer and encoder errors stay on the host side; guest-observable
// failures are reported through the runtime ABI as abi.Errno codes instead.
package errors
