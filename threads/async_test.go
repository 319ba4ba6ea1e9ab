package threads_test

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/AFKoffee/wasmgrind/errors"
	"github.com/AFKoffee/wasmgrind/threads"
)

func TestAsyncJoinBeforeTerminate(t *testing.T) {
	m := threads.NewAsyncManager()
	tid := m.RegisterNew()

	ch, err := m.Join(tid)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	select {
	case <-ch:
		t.Fatal("join resolved before termination")
	default:
	}

	if err := m.SignalTerminated(tid, threads.OutcomeOK); err != nil {
		t.Fatalf("SignalTerminated: %v", err)
	}

	select {
	case outcome := <-ch:
		if outcome != threads.OutcomeOK {
			t.Errorf("outcome = %v", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("parked joiner never woken")
	}
}

func TestAsyncTerminateBeforeJoin(t *testing.T) {
	m := threads.NewAsyncManager()
	tid := m.RegisterNew()
	if err := m.SignalTerminated(tid, threads.OutcomeTrap); err != nil {
		t.Fatalf("SignalTerminated: %v", err)
	}

	ch, err := m.Join(tid)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if outcome := <-ch; outcome != threads.OutcomeTrap {
		t.Errorf("outcome = %v, want trap", outcome)
	}

	// The record was consumed; a second join must fail
	if _, err := m.Join(tid); !stderrors.Is(err, &errors.Error{Phase: errors.PhaseManager, Kind: errors.KindUnknownThread}) {
		t.Errorf("expected UnknownThread, got %v", err)
	}
}

func TestAsyncJoinUnknown(t *testing.T) {
	m := threads.NewAsyncManager()
	if _, err := m.Join(7); !stderrors.Is(err, &errors.Error{Phase: errors.PhaseManager, Kind: errors.KindUnknownThread}) {
		t.Errorf("expected UnknownThread, got %v", err)
	}
}

func TestAsyncTerminateUnknown(t *testing.T) {
	m := threads.NewAsyncManager()
	if err := m.SignalTerminated(3, threads.OutcomeOK); err == nil {
		t.Error("terminate on unknown tid must fail")
	}

	tid := m.RegisterNew()
	if err := m.SignalTerminated(tid, threads.OutcomeOK); err != nil {
		t.Fatalf("SignalTerminated: %v", err)
	}
	if err := m.SignalTerminated(tid, threads.OutcomeOK); err == nil {
		t.Error("double terminate must fail")
	}
}

func TestAsyncMultipleJoiners(t *testing.T) {
	m := threads.NewAsyncManager()
	tid := m.RegisterNew()

	ch1, err := m.Join(tid)
	if err != nil {
		t.Fatalf("Join 1: %v", err)
	}
	ch2, err := m.Join(tid)
	if err != nil {
		t.Fatalf("Join 2: %v", err)
	}

	if err := m.SignalTerminated(tid, threads.OutcomeOK); err != nil {
		t.Fatalf("SignalTerminated: %v", err)
	}

	for i, ch := range []<-chan threads.Outcome{ch1, ch2} {
		select {
		case outcome := <-ch:
			if outcome != threads.OutcomeOK {
				t.Errorf("joiner %d: outcome %v", i, outcome)
			}
		case <-time.After(time.Second):
			t.Fatalf("joiner %d never woken", i)
		}
	}

	if m.Live() != 0 {
		t.Error("thread still counted as running")
	}
}
