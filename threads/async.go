package threads

import (
	"sync"

	"github.com/AFKoffee/wasmgrind/errors"
)

// AsyncManager is the thread registry variant for event-driven hosts that
// must not block on join. Instead of per-record blocking channels it keeps
// three maps — running, terminated, pending-join — and resolves the four
// join/terminate interleavings explicitly:
//
//  1. join before terminate: the joiner parks in pendingJoin and is woken by
//     SignalTerminated.
//  2. terminate before join: the outcome parks in terminated and the next
//     Join consumes it immediately.
//  3. join on a never-registered or already-consumed id: UnknownThread.
//  4. terminate on an unknown id (or twice): invariant violation.
type AsyncManager struct {
	mu          sync.Mutex
	next        uint32
	running     map[uint32]struct{}
	terminated  map[uint32]Outcome
	pendingJoin map[uint32][]chan Outcome
}

// NewAsyncManager creates an empty AsyncManager.
func NewAsyncManager() *AsyncManager {
	return &AsyncManager{
		running:     make(map[uint32]struct{}),
		terminated:  make(map[uint32]Outcome),
		pendingJoin: make(map[uint32][]chan Outcome),
	}
}

// RegisterNew allocates the next free thread id and marks it running.
func (m *AsyncManager) RegisterNew() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	tid := m.next
	m.next++
	m.running[tid] = struct{}{}
	return tid
}

// SignalTerminated resolves parked joiners, or parks the outcome when nobody
// is waiting yet.
func (m *AsyncManager) SignalTerminated(tid uint32, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.running[tid]; !ok {
		return &errors.Error{Phase: errors.PhaseManager, Kind: errors.KindBadHandle,
			Detail: "terminate on unknown or finished thread"}
	}
	delete(m.running, tid)

	if waiters, ok := m.pendingJoin[tid]; ok {
		delete(m.pendingJoin, tid)
		for _, ch := range waiters {
			ch <- outcome
			close(ch)
		}
		return nil
	}

	m.terminated[tid] = outcome
	return nil
}

// Join returns a channel that yields the thread's outcome once, without
// blocking the caller. A terminated thread resolves immediately and its
// record is consumed; a running thread parks the joiner.
func (m *AsyncManager) Join(tid uint32) (<-chan Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if outcome, ok := m.terminated[tid]; ok {
		delete(m.terminated, tid)
		ch := make(chan Outcome, 1)
		ch <- outcome
		close(ch)
		return ch, nil
	}

	if _, ok := m.running[tid]; ok {
		ch := make(chan Outcome, 1)
		m.pendingJoin[tid] = append(m.pendingJoin[tid], ch)
		return ch, nil
	}

	return nil, errors.UnknownThread(tid)
}

// Live returns the number of running threads.
func (m *AsyncManager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}
