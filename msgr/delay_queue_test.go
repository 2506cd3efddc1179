package msgr

import (
	"testing"
	"time"
)

func TestDelayQueuePassThroughWhenProbabilityZero(t *testing.T) {
	delivered := make(chan *Message, 1)
	q := NewDelayQueue(0, time.Second, func(m *Message) { delivered <- m })

	m := &Message{}
	q.Submit(m)

	select {
	case got := <-delivered:
		if got != m {
			t.Fatalf("delivered wrong message")
		}
	case <-time.After(time.Second):
		t.Fatal("expected immediate delivery when probability is 0")
	}
}

func TestDelayQueueAlwaysDelaysAtProbabilityOne(t *testing.T) {
	delivered := make(chan *Message, 1)
	q := NewDelayQueue(1, 20*time.Millisecond, func(m *Message) { delivered <- m })

	m := &Message{}
	q.Submit(m)

	select {
	case <-delivered:
		t.Fatal("message delivered synchronously despite probability 1")
	default:
	}

	select {
	case got := <-delivered:
		if got != m {
			t.Fatalf("delivered wrong message")
		}
	case <-time.After(time.Second):
		t.Fatal("delayed message was never delivered")
	}
}

func TestDelayQueueFlushDropsButStaysOpen(t *testing.T) {
	delivered := make(chan *Message, 1)
	q := NewDelayQueue(1, time.Hour, func(m *Message) { delivered <- m })
	q.Submit(&Message{})

	q.Flush()

	q.probability = 0
	m2 := &Message{}
	q.Submit(m2)

	select {
	case got := <-delivered:
		if got != m2 {
			t.Fatalf("expected the post-flush message to still be deliverable")
		}
	case <-time.After(time.Second):
		t.Fatal("Flush should not close the queue to further Submit calls")
	}
}

func TestDelayQueueDiscardClosesQueue(t *testing.T) {
	delivered := make(chan *Message, 1)
	q := NewDelayQueue(1, time.Second, func(m *Message) { delivered <- m })
	q.Discard()

	q.Submit(&Message{})

	select {
	case <-delivered:
		t.Fatal("Discard should permanently close the queue")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNilDelayQueueMethodsAreNoOps(t *testing.T) {
	var q *DelayQueue
	q.Flush()
	q.Discard()
}
