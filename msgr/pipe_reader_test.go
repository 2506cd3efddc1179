package msgr

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/cephmsgr/go-msgr/internal/wire"
)

// writeRawMessage hand-crafts a TagMsg frame the way drainOnceLocked would,
// so the test can drive runReader without going through the handshake or
// the writer loop.
func writeRawMessage(t *testing.T, bw *bufio.Writer, seq uint64, front, data []byte) {
	t.Helper()
	m := &Message{
		Header: wire.Header{
			Seq:      seq,
			FrontLen: uint32(len(front)),
			DataLen:  uint32(len(data)),
		},
		Footer: wire.Footer{Flags: wire.FooterComplete},
		Front:  front,
		Data:   data,
	}
	if err := writeMessage(bw, m, true, true); err != nil {
		t.Fatalf("writeRawMessage: %v", err)
	}
}

func readerTestPipe(t *testing.T) (*Pipe, net.Conn, *ChannelDispatcher) {
	t.Helper()
	dispatcher := NewChannelDispatcher(8)
	m := NewMessenger(NewPeerAddr(wire.FamilyIPv4, []byte{127, 0, 0, 1}, 6800, 1), NewStaticPolicyLookup(nil, Policy{}), 0, dispatcher)
	t.Cleanup(m.Close)

	p := newPipe(m, PipeConfig{})
	p.policy = Policy{ThrottleMessages: NewThrottle(10), ThrottleBytes: NewThrottle(1 << 20)}

	c1, c2 := net.Pipe()
	t.Cleanup(func() { _ = c1.Close(); _ = c2.Close() })

	go p.runReader(bufio.NewReader(c1))
	return p, c2, dispatcher
}

// TestReader_DuplicateSeqReleasesThrottles guards the fix for the
// maintainer-flagged leak: a duplicate/replayed MSG frame must release the
// message/byte/dispatch throttle units readMessage acquired for it, not
// just the non-duplicate paths.
func TestReader_DuplicateSeqReleasesThrottles(t *testing.T) {
	p, conn, dispatcher := readerTestPipe(t)
	bw := bufio.NewWriter(conn)

	writeRawMessage(t, bw, 1, []byte("hello"), []byte("world"))

	select {
	case <-dispatcher.Messages:
	case <-time.After(time.Second):
		t.Fatal("expected the first delivery to reach the dispatcher")
	}

	if used := p.policy.ThrottleMessages.Used(); used != 0 {
		t.Fatalf("after first delivery, ThrottleMessages.Used() = %d, want 0", used)
	}
	if used := p.policy.ThrottleBytes.Used(); used != 0 {
		t.Fatalf("after first delivery, ThrottleBytes.Used() = %d, want 0", used)
	}

	// Replay the same seq: readMessage acquires throttles again before the
	// duplicate check drops it.
	writeRawMessage(t, bw, 1, []byte("hello"), []byte("world"))

	deadline := time.Now().Add(time.Second)
	for p.policy.ThrottleMessages.Used() != 0 || p.policy.ThrottleBytes.Used() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("duplicate seq left throttles held: messages=%d bytes=%d",
				p.policy.ThrottleMessages.Used(), p.policy.ThrottleBytes.Used())
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case <-dispatcher.Messages:
		t.Fatal("duplicate seq must not reach the dispatcher")
	default:
	}
}

// TestReader_SuccessfulDeliveryReleasesThrottles covers the companion gap:
// the non-duplicate delivery path acquired the same throttle units but,
// before deliverToDispatch released them, never gave them back either,
// meaning any steady stream of distinct messages would eventually wedge the
// pipe exactly as the duplicate case did.
func TestReader_SuccessfulDeliveryReleasesThrottles(t *testing.T) {
	p, conn, dispatcher := readerTestPipe(t)
	bw := bufio.NewWriter(conn)

	for seq := uint64(1); seq <= 3; seq++ {
		writeRawMessage(t, bw, seq, []byte("front"), []byte("data"))
	}

	for i := 0; i < 3; i++ {
		select {
		case <-dispatcher.Messages:
		case <-time.After(time.Second):
			t.Fatalf("expected delivery %d to reach the dispatcher", i+1)
		}
	}

	if used := p.policy.ThrottleMessages.Used(); used != 0 {
		t.Fatalf("ThrottleMessages.Used() = %d, want 0 once all deliveries have returned from Dispatch", used)
	}
	if used := p.policy.ThrottleBytes.Used(); used != 0 {
		t.Fatalf("ThrottleBytes.Used() = %d, want 0 once all deliveries have returned from Dispatch", used)
	}
}
