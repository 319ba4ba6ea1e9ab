package threads

import (
	"sync"

	"github.com/AFKoffee/wasmgrind/errors"
)

// Outcome describes how a thread terminated.
type Outcome int

const (
	// OutcomeOK means the thread's start routine returned normally.
	OutcomeOK Outcome = iota
	// OutcomeTrap means the thread died in a wasm trap or guest panic.
	OutcomeTrap
)

func (o Outcome) String() string {
	if o == OutcomeOK {
		return "ok"
	}
	return "trap"
}

// Handle is an opaque host-side join handle attached after spawn.
type Handle = any

// record tracks one live thread: a one-shot termination signal and the
// optional host handle.
type record struct {
	done    chan struct{}
	handle  Handle
	outcome Outcome
}

// Manager is the native-host thread registry: a single mutex-guarded map of
// thread id to record, with blocking joins over per-record channels.
type Manager struct {
	mu      sync.Mutex
	next    uint32
	records map[uint32]*record
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{records: make(map[uint32]*record)}
}

// RegisterNew allocates the next free thread id and inserts a pending
// record. Concurrent callers receive distinct ids.
func (m *Manager) RegisterNew() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	tid := m.next
	m.next++
	m.records[tid] = &record{done: make(chan struct{})}
	return tid
}

// SetHandle attaches the host join handle after spawn.
func (m *Manager) SetHandle(tid uint32, h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tid]
	if !ok {
		return errors.UnknownThread(tid)
	}
	rec.handle = h
	return nil
}

// SignalTerminated transitions the record to the given outcome and wakes any
// joiner. Signaling an unknown or already-terminated thread is an invariant
// violation.
func (m *Manager) SignalTerminated(tid uint32, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tid]
	if !ok {
		return errors.UnknownThread(tid)
	}
	select {
	case <-rec.done:
		return &errors.Error{Phase: errors.PhaseManager, Kind: errors.KindBadHandle,
			Detail: "thread terminated twice"}
	default:
	}
	rec.outcome = outcome
	close(rec.done)
	return nil
}

// Join blocks until the thread terminates, removes the record and returns
// the outcome together with the attached handle. Joining an unknown (or
// already joined) tid fails with UnknownThread.
func (m *Manager) Join(tid uint32) (Outcome, Handle, error) {
	m.mu.Lock()
	rec, ok := m.records[tid]
	m.mu.Unlock()
	if !ok {
		return 0, nil, errors.UnknownThread(tid)
	}

	<-rec.done

	m.mu.Lock()
	// The record may have been consumed by a racing joiner
	if _, still := m.records[tid]; !still {
		m.mu.Unlock()
		return 0, nil, errors.UnknownThread(tid)
	}
	delete(m.records, tid)
	m.mu.Unlock()

	return rec.outcome, rec.handle, nil
}

// Live returns the number of registered, not-yet-joined threads.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
