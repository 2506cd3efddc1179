package msgr

import (
	"math/rand"
	"sync"
	"time"
)

// DelayQueue is an optional per-pipe fault-injection buffer that defers
// delivery of inbound messages by a configurable interval, used to exercise
// reordering- and latency-tolerance in tests (spec.md §2, §4.3, "Design
// Notes" fault-injection hooks).
type DelayQueue struct {
	probability float64
	maxDelay    time.Duration
	rng         *rand.Rand

	mu      sync.Mutex
	pending []delayedMsg
	closed  bool
	timer   *time.Timer
	deliver func(*Message)
}

type delayedMsg struct {
	msg *Message
	at  time.Time
}

// NewDelayQueue creates a DelayQueue that, with the given probability,
// defers delivery of an inbound message by a random duration up to maxDelay.
// deliver is called from Submit's caller for an undelayed message, or from a
// timer goroutine once a delayed message's delay has elapsed. A probability of 0 makes Submit a pure pass-through.
func NewDelayQueue(probability float64, maxDelay time.Duration, deliver func(*Message)) *DelayQueue {
	return &DelayQueue{
		probability: probability,
		maxDelay:    maxDelay,
		// math/rand is sufficient here: this jitters a test/fault-injection
		// delay, not a security-sensitive value.
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		deliver: deliver,
	}
}

// Submit either hands m straight to deliver, or schedules it for later
// delivery according to the configured probability and maximum delay.
func (q *DelayQueue) Submit(m *Message) {
	if q == nil || q.probability <= 0 {
		q.deliverNow(m)
		return
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if q.rng.Float64() >= q.probability {
		q.mu.Unlock()
		q.deliverNow(m)
		return
	}

	delay := time.Duration(q.rng.Int63n(int64(q.maxDelay) + 1))
	q.pending = append(q.pending, delayedMsg{msg: m, at: time.Now().Add(delay)})
	q.mu.Unlock()

	time.AfterFunc(delay, func() { q.fire(m) })
}

func (q *DelayQueue) deliverNow(m *Message) {
	if q != nil {
		q.deliver(m)
	}
}

func (q *DelayQueue) fire(m *Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	found := false
	for i, p := range q.pending {
		if p.msg == m {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		// Flushed before its delay elapsed.
		q.mu.Unlock()
		return
	}
	deliver := q.deliver
	q.mu.Unlock()

	deliver(m)
}

// Flush drops every pending message without delivering it, but leaves the
// queue open for further Submit calls (spec.md §4.4 "flush delay queue" on
// the reconnect path, §4.5 "discards delay queue" on session reset).
func (q *DelayQueue) Flush() {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}

// Discard flushes pending messages and permanently closes the queue; used
// when a Pipe is torn down for good (spec.md §4.4 lossy teardown).
func (q *DelayQueue) Discard() {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending = nil
}
