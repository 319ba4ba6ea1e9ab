// Package trace implements the concurrent event log and its serialization
// into the RapidBin binary format plus a JSON metadata sidecar.
//
// During execution every host-side hook appends to a single mutex-guarded
// Recorder; the serialization order of that mutex is the total order
// analyzers consume. After the run (or on operator command in interactive
// mode) GenerateBinaryTrace walks the log once, compresses wasmgrind's
// 32-bit identifiers into dense first-seen indices and emits the fixed-width
// packed stream described in rapidbin.go.
package trace
