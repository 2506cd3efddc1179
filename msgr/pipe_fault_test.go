package msgr

import (
	"testing"
	"time"

	"github.com/cephmsgr/go-msgr/internal/wire"
)

func pipeForFaultTest(policy Policy, state State) *Pipe {
	p := newPipe(nil, PipeConfig{InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond})
	p.policy = policy
	p.state = state
	p.sent = []*Message{{Header: wire.Header{Seq: 1}}, {Header: wire.Header{Seq: 2}}}
	p.outQ[1] = []*Message{{Header: wire.Header{Priority: 1}}}
	p.outSeq = 2
	return p
}

func TestFault_LossyPolicyTeardownIsTerminal(t *testing.T) {
	p := pipeForFaultTest(Policy{Lossy: true}, StateOpen)

	p.fault(false)

	if p.state != StateClosed {
		t.Fatalf("expected lossy fault to close the pipe, got %v", p.state)
	}
	if len(p.sent) != 0 || len(p.outQ) != 0 {
		t.Fatalf("expected lossy fault to discard queued and sent messages")
	}
}

func TestFault_ReliableServerGoesStandby(t *testing.T) {
	p := pipeForFaultTest(Policy{Lossy: false, Server: true}, StateOpen)

	p.fault(false)

	if p.state != StateStandby {
		t.Fatalf("expected reliable server-policy pipe to go STANDBY, got %v", p.state)
	}
	if len(p.sent) != 0 {
		t.Fatalf("expected sent to have been requeued (drained) by requeue_sent")
	}
	if len(p.outQ[PrioHighest]) != 2 {
		t.Fatalf("expected the two requeued messages at PRIO_HIGHEST, got %d", len(p.outQ[PrioHighest]))
	}
}

func TestFault_ReliableClientReconnects(t *testing.T) {
	p := pipeForFaultTest(Policy{Lossy: false, Server: false}, StateOpen)
	before := p.connectSeq

	p.fault(false)

	if p.state != StateConnecting {
		t.Fatalf("expected reliable client-policy pipe to move to CONNECTING, got %v", p.state)
	}
	if p.connectSeq != before+1 {
		t.Fatalf("expected connect_seq to be bumped on reconnect")
	}
}

func TestFault_StandbyPolicyWithEmptyQueueStaysStandby(t *testing.T) {
	p := newPipe(nil, PipeConfig{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	p.policy = Policy{Standby: true}
	p.state = StateOpen

	p.fault(false)

	if p.state != StateStandby {
		t.Fatalf("expected standby policy with no queued work to go STANDBY, got %v", p.state)
	}
}

func TestFault_AlreadyClosedIsNoOp(t *testing.T) {
	p := pipeForFaultTest(Policy{}, StateClosed)
	p.fault(false)
	if p.state != StateClosed {
		t.Fatalf("expected state to remain CLOSED")
	}
}

func TestWasSessionReset_ZerosCountersAndDiscardsQueues(t *testing.T) {
	p := pipeForFaultTest(Policy{}, StateOpen)
	p.inSeq = 99
	p.connectSeq = 3

	p.wasSessionReset()

	if p.inSeq != 0 || p.connectSeq != 0 {
		t.Fatalf("expected in_seq and connect_seq to be zeroed")
	}
	if len(p.sent) != 0 || len(p.outQ) != 0 {
		t.Fatalf("expected queues discarded on session reset")
	}
}

func TestNewOutSeq_ZeroWhenUnsigned(t *testing.T) {
	if got := newOutSeq(false); got != 0 {
		t.Fatalf("newOutSeq(false) = %d, want 0", got)
	}
}

func TestNewOutSeq_Masked31BitsWhenSigned(t *testing.T) {
	for i := 0; i < 20; i++ {
		got := newOutSeq(true)
		if got > 0x7fffffff {
			t.Fatalf("newOutSeq(true) = %d exceeds 31-bit mask", got)
		}
	}
}
