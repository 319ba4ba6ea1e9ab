package trace_test

import (
	"sync"
	"testing"

	"github.com/AFKoffee/wasmgrind/trace"
)

func TestAppendOrder(t *testing.T) {
	r := trace.NewRecorder()
	r.Append(0, trace.Fork(1), trace.Location{Func: 3, Instr: 7})
	r.Append(1, trace.Write(64, 4), trace.Location{Func: 5, Instr: 1})
	r.Append(0, trace.Join(1), trace.Location{Func: 3, Instr: 9})

	events := r.Snapshot()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Op.Kind != trace.OpFork || events[0].Op.Child != 1 {
		t.Errorf("event 0 mismatch: %+v", events[0])
	}
	if events[1].Tid != 1 || events[1].Op.Addr != 64 {
		t.Errorf("event 1 mismatch: %+v", events[1])
	}
	if events[2].Loc != (trace.Location{Func: 3, Instr: 9}) {
		t.Errorf("event 2 location mismatch: %+v", events[2].Loc)
	}
}

func TestConcurrentAppend(t *testing.T) {
	const perThread = 200
	r := trace.NewRecorder()

	var wg sync.WaitGroup
	for tid := uint32(0); tid < 8; tid++ {
		wg.Add(1)
		go func(tid uint32) {
			defer wg.Done()
			for i := 0; i < perThread; i++ {
				r.Append(tid, trace.Read(tid*16, 4), trace.Location{Func: tid})
			}
		}(tid)
	}
	wg.Wait()

	if r.Len() != 8*perThread {
		t.Errorf("expected %d events, got %d", 8*perThread, r.Len())
	}

	// Every thread's appends must all be present in the total order
	counts := make(map[uint32]int)
	for _, ev := range r.Snapshot() {
		counts[ev.Tid]++
	}
	for tid, n := range counts {
		if n != perThread {
			t.Errorf("thread %d: %d events, want %d", tid, n, perThread)
		}
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	r := trace.NewRecorder()
	r.Append(0, trace.Read(0, 1), trace.Location{})

	snap := r.Snapshot()
	r.Append(0, trace.Read(4, 1), trace.Location{})

	if len(snap) != 1 {
		t.Errorf("snapshot grew after later append: %d", len(snap))
	}
}

func TestOperationConstructors(t *testing.T) {
	if op := trace.Request(128); op.Kind != trace.OpRequest || op.Lock != 128 {
		t.Errorf("Request mismatch: %+v", op)
	}
	if op := trace.Release(128); op.Kind != trace.OpRelease || op.Lock != 128 {
		t.Errorf("Release mismatch: %+v", op)
	}
	if op := trace.Acquire(128); op.Kind != trace.OpAcquire || op.Lock != 128 {
		t.Errorf("Acquire mismatch: %+v", op)
	}
}
