package msgr

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// pipeBackoff implements the exponential-backoff-with-clamp policy of
// spec.md §4.4 ("state == CONNECTING and backoff nonzero → wait up to
// backoff on the condition, double it, clamp to max_backoff") on top of
// github.com/cenkalti/backoff/v4's ExponentialBackOff, rather than hand-
// rolling the doubling arithmetic.
type pipeBackoff struct {
	mu     sync.Mutex
	eb     *backoff.ExponentialBackOff
	active bool
}

func newPipeBackoff(initial, max time.Duration) *pipeBackoff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initial
	eb.MaxInterval = max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0 // never give up; §4.4's backoff has no elapsed-time ceiling, only a per-step clamp
	eb.Reset()
	return &pipeBackoff{eb: eb}
}

// zero reports whether backoff has not yet been engaged for this fault
// episode (spec.md §4.4 "backoff duration" starts at zero).
func (b *pipeBackoff) zero() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.active
}

// clear resets the backoff episode, called whenever a Pipe leaves
// CONNECTING for any reason other than another fault.
func (b *pipeBackoff) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = false
	b.eb.Reset()
}

// next returns the next wait duration, doubling (and clamping to MaxInterval)
// on every call after the first.
func (b *pipeBackoff) next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = true
	return b.eb.NextBackOff()
}
