// Package spin provides the small set of concurrency primitives shared by
// the hart runtime and its devices: a test-and-set spinlock for the global
// hart registry, and an event word used as a release/acquire suspension
// gate between a hart's CPU thread and any thread that wants to wake it.
package spin

import (
	"runtime"
	"sync/atomic"
)

// Lock is a test-and-set spinlock. It is not reentrant and carries no
// fairness guarantee; callers hold it only across short, bounded sections
// (registry lookups and bookkeeping), never across blocking I/O.
type Lock struct {
	state atomic.Bool
}

// Acquire spins until the lock is held.
func (l *Lock) Acquire() {
	for !l.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// Release releases the lock. Calling Release without a matching Acquire
// is a bug in the caller.
func (l *Lock) Release() {
	l.state.Store(false)
}

// Guard acquires the lock, runs fn, and releases it even if fn panics.
func (l *Lock) Guard(fn func()) {
	l.Acquire()
	defer l.Release()
	fn()
}

// EventWord is the atomic suspension gate described by the run loop
// contract: a CPU thread release-stores 1 before it starts executing and
// polls for a release-store of 0 at safe points; any other thread that
// wants to interrupt it release-stores 0. It is deliberately not a
// condition variable — the CPU thread never blocks, it polls.
type EventWord struct {
	v atomic.Uint32
}

// Arm sets the word to the running (non-zero) value.
func (e *EventWord) Arm() {
	e.v.Store(1)
}

// Wake release-stores 0, the only write any non-owning thread may perform.
func (e *EventWord) Wake() {
	e.v.Store(0)
}

// Waiting reports whether the word is still in the running state, using an
// acquire-ordered load as required by the run loop contract in spec §4.4/§5.
func (e *EventWord) Waiting() bool {
	return e.v.Load() != 0
}
