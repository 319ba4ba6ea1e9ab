package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/AFKoffee/wasmgrind/abi"
	"github.com/AFKoffee/wasmgrind/errors"
	"github.com/AFKoffee/wasmgrind/threads"
	"github.com/AFKoffee/wasmgrind/trace"
	"github.com/AFKoffee/wasmgrind/wasm"
)

// Config configures a host runtime.
type Config struct {
	// Tracing installs the extended ABI signatures and the wasabi hooks and
	// wires every emitter into the trace recorder. The module must have gone
	// through the instrument pass.
	Tracing bool

	// Logger receives runtime diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Runtime executes a threadified (and optionally instrumented) module: one
// guest instance per host thread over a single shared linear memory.
type Runtime struct {
	logger   *zap.Logger
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	env      api.Module
	mgr      *threads.Manager
	rec      *trace.Recorder
	tracing  bool

	// funcNames feeds the trace metadata when the module carries a name section
	funcNames map[uint32]string

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	trapOnce sync.Once
	trapMu   sync.Mutex
	trapErr  error
}

// ctxKey carries the current guest thread id through host function calls.
type ctxKey struct{}

func tidFromContext(ctx context.Context) uint32 {
	if tid, ok := ctx.Value(ctxKey{}).(uint32); ok {
		return tid
	}
	return 0
}

// New compiles the prepared module against a fresh shared linear memory and
// registers the runtime ABI. The module must import env.memory as shared
// memory and carry the threadify exports.
func New(ctx context.Context, moduleBytes []byte, cfg Config) (*Runtime, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	parsed, err := wasm.ParseModule(moduleBytes)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseParse, errors.KindInvalidData, err, "parse module")
	}
	memImport := parsed.ImportedMemory()
	if memImport == nil || memImport.Module != abi.Env || memImport.Name != abi.MemoryName {
		return nil, errors.MissingSymbol(errors.PhaseRuntime, abi.Env+"."+abi.MemoryName)
	}
	if _, ok := parsed.FindExport(abi.ExportThreadDestroy, wasm.KindFunc); !ok {
		return nil, errors.MissingSymbol(errors.PhaseRuntime, abi.ExportThreadDestroy)
	}
	names, err := parsed.Names()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseParse, errors.KindInvalidData, err, "decode name section")
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	r := &Runtime{
		logger:    logger,
		rt:        rt,
		mgr:       threads.NewManager(),
		rec:       trace.NewRecorder(),
		tracing:   cfg.Tracing,
		funcNames: names.Funcs,
	}

	env, err := instantiateEnv(ctx, rt, memImport.Desc.Memory.Limits)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	r.env = env

	if err := r.registerImports(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	compiled, err := rt.CompileModule(ctx, moduleBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInvalidData, err, "compile module")
	}
	r.compiled = compiled

	return r, nil
}

// Run instantiates the primary guest instance and invokes the exported entry
// function, then waits for every spawned thread to finish. A trap anywhere
// terminates all siblings and surfaces here.
func (r *Runtime) Run(ctx context.Context, entry string) error {
	r.runCtx, r.cancel = context.WithCancel(ctx)
	defer r.cancel()

	mainTid := r.mgr.RegisterNew()
	mainCtx := context.WithValue(r.runCtx, ctxKey{}, mainTid)

	mod, err := r.instantiateThread(mainCtx, mainTid)
	if err != nil {
		return err
	}
	defer mod.Close(context.Background())

	fn := mod.ExportedFunction(entry)
	if fn == nil {
		return errors.NotFound(errors.PhaseRuntime, "exported function", entry)
	}

	_, callErr := callGuest(mainCtx, fn)
	if callErr != nil {
		r.fatal(mainTid, callErr)
	} else {
		if err := r.mgr.SignalTerminated(mainTid, threads.OutcomeOK); err != nil {
			r.logger.Warn("signal main thread", zap.Error(err))
		}
	}

	// Children may outlive the entry function when the guest never joins them
	r.wg.Wait()

	r.trapMu.Lock()
	defer r.trapMu.Unlock()
	return r.trapErr
}

// Trace encodes the recorded event stream into RapidBin plus metadata.
// Valid after Run in tracing mode, or mid-run on a consistent snapshot.
func (r *Runtime) Trace() ([]byte, *trace.Metadata, error) {
	return trace.GenerateBinaryTrace(r.rec.Snapshot(), r.funcNames)
}

// Recorder exposes the live event log (the interactive mode polls its length).
func (r *Runtime) Recorder() *trace.Recorder {
	return r.rec
}

// Memory exposes the shared linear memory through the engine's accessor API.
func (r *Runtime) Memory() api.Memory {
	return r.env.Memory()
}

// Close releases the engine and every live instance.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

// instantiateThread creates the per-thread guest instance and hands it the
// thread id through the optional setter export.
func (r *Runtime) instantiateThread(ctx context.Context, tid uint32) (api.Module, error) {
	mod, err := r.rt.InstantiateModule(ctx, r.compiled,
		wazero.NewModuleConfig().
			WithName(fmt.Sprintf("wasmgrind-thread-%d", tid)).
			WithStartFunctions()) // the wasm start section still runs
	if err != nil {
		return nil, errors.Instantiation(err)
	}

	if setTid := mod.ExportedFunction(abi.ExportSetTid); setTid != nil {
		if _, err := callGuest(ctx, setTid, uint64(tid)); err != nil {
			mod.Close(context.Background())
			return nil, errors.Wrap(errors.PhaseRuntime, errors.KindInstantiation, err, "set thread id")
		}
	}

	return mod, nil
}

// runThread is the body of every spawned host thread: instantiate, run the
// guest start routine, tear the thread's TLS and stack down, signal.
func (r *Runtime) runThread(tid uint32, startRoutine uint32) {
	defer r.wg.Done()

	ctx := context.WithValue(r.runCtx, ctxKey{}, tid)

	mod, err := r.instantiateThread(ctx, tid)
	if err != nil {
		r.fatal(tid, err)
		r.signalTrap(tid)
		return
	}
	defer mod.Close(context.Background())

	start := mod.ExportedFunction(abi.ExportThreadStart)
	if start == nil {
		r.fatal(tid, errors.MissingSymbol(errors.PhaseRuntime, abi.ExportThreadStart))
		r.signalTrap(tid)
		return
	}

	if _, err := callGuest(ctx, start, uint64(startRoutine)); err != nil {
		r.fatal(tid, err)
		r.signalTrap(tid)
		return
	}

	// Release the thread's TLS and stack; sentinel args mean "read the globals"
	const absent = uint64(0xFFFFFFFF)
	if destroy := mod.ExportedFunction(abi.ExportThreadDestroy); destroy != nil {
		if _, err := callGuest(ctx, destroy, absent, absent, absent); err != nil {
			r.fatal(tid, err)
			r.signalTrap(tid)
			return
		}
	}

	if err := r.mgr.SignalTerminated(tid, threads.OutcomeOK); err != nil {
		r.logger.Warn("signal thread termination", zap.Uint32("tid", tid), zap.Error(err))
	}
}

func (r *Runtime) signalTrap(tid uint32) {
	if err := r.mgr.SignalTerminated(tid, threads.OutcomeTrap); err != nil {
		r.logger.Warn("signal thread trap", zap.Uint32("tid", tid), zap.Error(err))
	}
}

// fatal records the first trap and cancels every sibling thread. Shared
// memory may be inconsistent after a trap, so the whole run goes down.
func (r *Runtime) fatal(tid uint32, err error) {
	r.trapOnce.Do(func() {
		r.trapMu.Lock()
		r.trapErr = errors.Wrap(errors.PhaseRuntime, errors.KindGuestAbort, err,
			fmt.Sprintf("thread %d trapped", tid))
		r.trapMu.Unlock()
		r.logger.Error("guest trap, terminating all threads",
			zap.Uint32("tid", tid), zap.Error(err))
		if r.cancel != nil {
			r.cancel()
		}
	})
}

// callGuest invokes a guest function, converting host-function panics
// (guest aborts) into errors on this thread.
func callGuest(ctx context.Context, fn api.Function, params ...uint64) (results []uint64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if abortErr, ok := rec.(*errors.Error); ok {
				err = abortErr
				return
			}
			err = fmt.Errorf("guest call panicked: %v", rec)
		}
	}()
	return fn.Call(ctx, params...)
}
