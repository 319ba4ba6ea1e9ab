package abi_test

import (
	"testing"

	"github.com/AFKoffee/wasmgrind/abi"
)

func TestErrnoStrings(t *testing.T) {
	cases := map[abi.Errno]string{
		abi.OK:                            "ok",
		abi.ErrThreadCreateFailed:         "thread_create_failed",
		abi.ErrJoinFailed:                 "join_failed",
		abi.ErrUnknownThread:              "unknown_thread",
		abi.ErrAllocFailed:                "alloc_failed",
		abi.ErrTraceLockPoisoned:          "trace_lock_poisoned",
		abi.ErrInternalInvariantViolation: "internal_invariant_violation",
	}
	for errno, want := range cases {
		if got := errno.String(); got != want {
			t.Errorf("Errno(%d).String() = %q, want %q", int32(errno), got, want)
		}
	}
}

func TestErrnoUnknownValue(t *testing.T) {
	if got := abi.Errno(99).String(); got != "errno(99)" {
		t.Errorf("unexpected string for unknown errno: %q", got)
	}
}

func TestErrnoValuesAreStable(t *testing.T) {
	// The enumeration is part of the guest-visible ABI; values must not drift.
	if abi.OK != 0 || abi.ErrThreadCreateFailed != 1 || abi.ErrJoinFailed != 2 ||
		abi.ErrUnknownThread != 3 || abi.ErrAllocFailed != 4 ||
		abi.ErrTraceLockPoisoned != 5 || abi.ErrInternalInvariantViolation != 6 {
		t.Error("errno values changed; guest binaries would disagree with the host")
	}
}
