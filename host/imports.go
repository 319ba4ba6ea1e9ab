package host

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/AFKoffee/wasmgrind/abi"
	"github.com/AFKoffee/wasmgrind/errors"
	"github.com/AFKoffee/wasmgrind/threads"
	"github.com/AFKoffee/wasmgrind/trace"
)

// registerImports installs the runtime ABI. The non-tracing and tracing
// configurations differ only in which signatures are installed and whether
// the wasabi hooks exist; everything else is shared.
func (r *Runtime) registerImports(ctx context.Context) error {
	i32 := api.ValueTypeI32
	plain := []api.ValueType{i32}
	withLoc := []api.ValueType{i32, i32, i32}
	ret := []api.ValueType{i32}

	b := r.rt.NewHostModuleBuilder(abi.ThreadLink)
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(r.hostPanic), plain, nil).
		Export(abi.FnPanic)

	if r.tracing {
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(r.threadCreate), []api.ValueType{i32, i32, i32, i32}, ret).
			Export(abi.FnThreadCreate)
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(r.threadJoin), withLoc, ret).
			Export(abi.FnThreadJoin)
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(r.lockHook(trace.Request)), withLoc, nil).
			Export(abi.FnStartLock)
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(r.lockHook(trace.Acquire)), withLoc, nil).
			Export(abi.FnFinishLock)
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(r.lockHook(trace.Release)), withLoc, nil).
			Export(abi.FnStartUnlock)
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(r.lockNop), withLoc, nil).
			Export(abi.FnFinishUnlock)
	} else {
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(r.threadCreate), []api.ValueType{i32, i32}, ret).
			Export(abi.FnThreadCreate)
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(r.threadJoin), plain, ret).
			Export(abi.FnThreadJoin)
	}

	if _, err := b.Instantiate(ctx); err != nil {
		return errors.Wrap(errors.PhaseRuntime, errors.KindInstantiation, err, "register thread ABI")
	}

	if r.tracing {
		hooks := r.rt.NewHostModuleBuilder(abi.Wasabi)
		hookSig := []api.ValueType{i32, i32, i32, i32}
		hooks.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(r.memHook(trace.Read)), hookSig, nil).
			Export(abi.FnReadHook)
		hooks.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(r.memHook(trace.Write)), hookSig, nil).
			Export(abi.FnWriteHook)
		if _, err := hooks.Instantiate(ctx); err != nil {
			return errors.Wrap(errors.PhaseRuntime, errors.KindInstantiation, err, "register wasabi hooks")
		}
	}

	return nil
}

// hostPanic logs the guest-supplied abort reason and traps the thread. The
// panic unwinds through the engine to callGuest's recover.
func (r *Runtime) hostPanic(ctx context.Context, _ api.Module, stack []uint64) {
	tid := tidFromContext(ctx)
	errno := int32(stack[0])
	r.logger.Error("guest panic",
		zap.Uint32("tid", tid),
		zap.Int32("errno", errno),
		zap.String("reason", abi.Errno(errno).String()))
	panic(errors.GuestAbort(tid, errno))
}

// threadCreate assigns a thread id, writes it back through out_tid_ptr and
// spawns the host thread running the guest start routine.
func (r *Runtime) threadCreate(ctx context.Context, mod api.Module, stack []uint64) {
	outTidPtr := uint32(stack[0])
	startRoutine := uint32(stack[1])
	parent := tidFromContext(ctx)

	tid := r.mgr.RegisterNew()
	if !mod.Memory().WriteUint32Le(outTidPtr, tid) {
		r.signalTrap(tid)
		stack[0] = uint64(uint32(abi.ErrThreadCreateFailed))
		return
	}
	if err := r.mgr.SetHandle(tid, fmt.Sprintf("wasmgrind-thread-%d", tid)); err != nil {
		r.logger.Warn("set thread handle", zap.Uint32("tid", tid), zap.Error(err))
	}

	// The fork event precedes the spawn so it is ordered before every event
	// of the child.
	if r.tracing {
		loc := trace.Location{Func: uint32(stack[2]), Instr: uint32(stack[3])}
		r.rec.Append(parent, trace.Fork(tid), loc)
	}

	r.logger.Debug("thread spawned", zap.Uint32("parent", parent), zap.Uint32("tid", tid))
	r.wg.Add(1)
	go r.runThread(tid, startRoutine)

	stack[0] = uint64(uint32(abi.OK))
}

// threadJoin blocks the calling host thread until the child terminates.
func (r *Runtime) threadJoin(ctx context.Context, _ api.Module, stack []uint64) {
	tid := uint32(stack[0])
	self := tidFromContext(ctx)

	outcome, _, err := r.mgr.Join(tid)
	if err != nil {
		if stderrorsIs(err, errors.KindUnknownThread) {
			stack[0] = uint64(uint32(abi.ErrUnknownThread))
		} else {
			stack[0] = uint64(uint32(abi.ErrJoinFailed))
		}
		return
	}
	if outcome != threads.OutcomeOK {
		stack[0] = uint64(uint32(abi.ErrJoinFailed))
		return
	}

	if r.tracing {
		loc := trace.Location{Func: uint32(stack[1]), Instr: uint32(stack[2])}
		r.rec.Append(self, trace.Join(tid), loc)
	}
	stack[0] = uint64(uint32(abi.OK))
}

// lockHook translates one lock-ABI callback into its trace operation.
func (r *Runtime) lockHook(op func(uint32) trace.Operation) func(context.Context, api.Module, []uint64) {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		r.rec.Append(tidFromContext(ctx),
			op(uint32(stack[0])),
			trace.Location{Func: uint32(stack[1]), Instr: uint32(stack[2])})
	}
}

// lockNop accepts finish_unlock, which carries no event: the release was
// already logged before the engine-level unlock to keep trace order
// consistent with happens-before.
func (r *Runtime) lockNop(context.Context, api.Module, []uint64) {}

// memHook translates one wasabi callback into its trace operation.
func (r *Runtime) memHook(op func(addr, n uint32) trace.Operation) func(context.Context, api.Module, []uint64) {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		r.rec.Append(tidFromContext(ctx),
			op(uint32(stack[0]), uint32(stack[1])),
			trace.Location{Func: uint32(stack[2]), Instr: uint32(stack[3])})
	}
}

// stderrorsIs matches a wasmgrind error kind without caring about the phase.
func stderrorsIs(err error, kind errors.Kind) bool {
	e, ok := err.(*errors.Error)
	return ok && e.Kind == kind
}
