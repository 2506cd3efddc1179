package msgr

import "sync"

// Throttle is a counted semaphore bounding how many units (bytes or
// messages) may be admitted to a processing stage at once. Acquire blocks
// until enough capacity is available; Release never blocks (spec.md §4.3
// step 2, §7 "Resource exhaustion" — throttle acquisition has no timeout and
// never fails).
//
// No example in the retrieval pack imports a weighted-semaphore package
// (golang.org/x/sync/semaphore or similar); this is implemented directly on
// sync.Mutex/sync.Cond, see DESIGN.md's note on this file.
type Throttle struct {
	mu   sync.Mutex
	cond *sync.Cond
	max  int64
	used int64
}

// NewThrottle creates a Throttle with the given maximum. A non-positive max
// means unbounded: Acquire never blocks.
func NewThrottle(max int64) *Throttle {
	t := &Throttle{max: max}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Acquire blocks until n units of capacity are available, then admits them.
// A nil Throttle always succeeds immediately, so call sites can treat an
// absent policy throttle (spec.md §3 "Policy", optional throttler fields) as
// a no-op.
func (t *Throttle) Acquire(n int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.max > 0 && t.used+n > t.max {
		t.cond.Wait()
	}
	t.used += n
}

// Release returns n units of capacity and wakes any blocked acquirers.
func (t *Throttle) Release(n int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.used -= n
	if t.used < 0 {
		t.used = 0
	}
	t.mu.Unlock()
	t.cond.Broadcast()
}

// Used reports the currently admitted units, for tests and metrics.
func (t *Throttle) Used() int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}
