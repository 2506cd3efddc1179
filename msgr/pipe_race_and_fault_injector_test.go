package msgr

import (
	"testing"

	"github.com/cephmsgr/go-msgr/internal/wire"
)

func racePipe(addr PeerAddr, policy Policy, state State, connectSeq uint32, globalSeq uint32) *Pipe {
	p := newPipe(nil, PipeConfig{})
	p.peerAddr = addr
	p.policy = policy
	p.state = state
	p.connectSeq = connectSeq
	p.peerGlobalSeq = globalSeq
	return p
}

var localForRaceTests = NewPeerAddr(wire.FamilyIPv4, []byte{127, 0, 0, 1}, 6800, 1)

func TestResolveRace_StaleGlobalSeqRetriesGlobal(t *testing.T) {
	existing := racePipe(PeerAddr{}, Policy{}, StateOpen, 1, 10)
	newcomer := racePipe(PeerAddr{}, Policy{}, StateConnecting, 1, 0)

	action, err := newcomer.resolveRaceLocked(existing, wire.Connect{GlobalSeq: 5, ConnectSeq: 1}, localForRaceTests)
	if err != nil {
		t.Fatal(err)
	}
	if action != raceRetryGlobal {
		t.Fatalf("expected raceRetryGlobal, got %v", action)
	}
}

func TestResolveRace_LossyExistingAlwaysReplaced(t *testing.T) {
	existing := racePipe(PeerAddr{}, Policy{Lossy: true}, StateOpen, 3, 10)
	newcomer := racePipe(PeerAddr{}, Policy{}, StateConnecting, 0, 0)

	action, err := newcomer.resolveRaceLocked(existing, wire.Connect{GlobalSeq: 10, ConnectSeq: 0}, localForRaceTests)
	if err != nil {
		t.Fatal(err)
	}
	if action != raceReplace {
		t.Fatalf("expected raceReplace for lossy existing, got %v", action)
	}
}

func TestResolveRace_PeerResetDetected(t *testing.T) {
	existing := racePipe(PeerAddr{}, Policy{ResetCheck: true}, StateOpen, 5, 10)
	newcomer := racePipe(PeerAddr{}, Policy{}, StateConnecting, 0, 0)

	action, err := newcomer.resolveRaceLocked(existing, wire.Connect{GlobalSeq: 10, ConnectSeq: 0}, localForRaceTests)
	if err != nil {
		t.Fatal(err)
	}
	if action != raceReplace {
		t.Fatalf("expected raceReplace after peer reset, got %v", action)
	}
}

func TestResolveRace_StaleConnectSeqRetriesSession(t *testing.T) {
	existing := racePipe(PeerAddr{}, Policy{}, StateOpen, 5, 10)
	newcomer := racePipe(PeerAddr{}, Policy{}, StateConnecting, 0, 0)

	action, err := newcomer.resolveRaceLocked(existing, wire.Connect{GlobalSeq: 10, ConnectSeq: 3}, localForRaceTests)
	if err != nil {
		t.Fatal(err)
	}
	if action != raceRetrySession {
		t.Fatalf("expected raceRetrySession, got %v", action)
	}
}

func TestResolveRace_EqualConnectSeqOpenRetriesSession(t *testing.T) {
	existing := racePipe(PeerAddr{}, Policy{}, StateOpen, 5, 10)
	newcomer := racePipe(PeerAddr{}, Policy{}, StateConnecting, 0, 0)

	action, err := newcomer.resolveRaceLocked(existing, wire.Connect{GlobalSeq: 10, ConnectSeq: 5}, localForRaceTests)
	if err != nil {
		t.Fatal(err)
	}
	if action != raceRetrySession {
		t.Fatalf("expected raceRetrySession for OPEN existing with equal connect_seq, got %v", action)
	}
}

// TestResolveRace_ConnectRaceAntisymmetric models S3: two peers A and B
// simultaneously connect with connect_seq 0. Each side races its own
// outgoing attempt against the incoming connect from the same peer; the
// greater-address side accepts the incoming connect and the lower-address
// side sends WAIT, so the connection initiated by the lower address A is
// the one that survives.
func TestResolveRace_ConnectRaceAntisymmetric(t *testing.T) {
	addrA := NewPeerAddr(wire.FamilyIPv4, []byte{10, 0, 0, 1}, 6800, 1)
	addrB := NewPeerAddr(wire.FamilyIPv4, []byte{10, 0, 0, 2}, 6800, 1)

	// At A: existing outgoing pipe to peer B, incoming connect also
	// declares peer_addr B (B's own connect attempt to A). Per the rule
	// "peer_addr < my_addr -> replace", since peer_addr (B) is NOT less
	// than my_addr (A), A sends WAIT and keeps its own outgoing attempt.
	existingAtA := racePipe(addrB, Policy{}, StateConnecting, 0, 10)
	action, err := existingAtA.resolveRaceLocked(existingAtA, wire.Connect{GlobalSeq: 10, ConnectSeq: 0}, addrA)
	if err != nil {
		t.Fatal(err)
	}
	if action != raceWait {
		t.Fatalf("expected A to WAIT on B's incoming connect since B > A, got %v", action)
	}

	// At B: existing outgoing pipe to peer A, incoming connect declares
	// peer_addr A. A < B (my_addr), so B replaces.
	existingAtB := racePipe(addrA, Policy{}, StateConnecting, 0, 10)
	action2, err := existingAtB.resolveRaceLocked(existingAtB, wire.Connect{GlobalSeq: 10, ConnectSeq: 0}, addrB)
	if err != nil {
		t.Fatal(err)
	}
	if action2 != raceReplace {
		t.Fatalf("expected B to REPLACE on A's incoming connect since A < B, got %v", action2)
	}
}

func TestResolveRace_ServerPolicyExistingIsAlwaysReplaced(t *testing.T) {
	addrA := NewPeerAddr(wire.FamilyIPv4, []byte{10, 0, 0, 1}, 6800, 1)
	addrB := NewPeerAddr(wire.FamilyIPv4, []byte{10, 0, 0, 2}, 6800, 1)

	// At A (my_addr=A): existing outgoing pipe to peer B carries a
	// server policy, so the incoming connect replaces it even though
	// B > A would otherwise make A send WAIT.
	existing := racePipe(addrB, Policy{Server: true}, StateConnecting, 0, 10)

	action, err := existing.resolveRaceLocked(existing, wire.Connect{GlobalSeq: 10, ConnectSeq: 0}, addrA)
	if err != nil {
		t.Fatal(err)
	}
	if action != raceReplace {
		t.Fatalf("expected server policy to force replace even though B > A, got %v", action)
	}
}

func TestPipe_CloseOnEmptyAndSetKeepAliveAreThreadSafeToggle(t *testing.T) {
	p := racePipe(PeerAddr{}, Policy{}, StateOpen, 0, 0)

	p.CloseOnEmpty()
	p.mu.Lock()
	gotCloseOnEmpty := p.closeOnEmpty
	p.mu.Unlock()
	if !gotCloseOnEmpty {
		t.Fatal("expected CloseOnEmpty to set closeOnEmpty")
	}

	p.SetKeepAlive(true)
	p.mu.Lock()
	gotKeepalive := p.keepalive
	p.mu.Unlock()
	if !gotKeepalive {
		t.Fatal("expected SetKeepAlive(true) to set keepalive")
	}
}

func TestFaultInjector_ArmNextFailureFiresOnce(t *testing.T) {
	var f *FaultInjector
	if err := f.check(); err != nil {
		t.Fatalf("nil FaultInjector should be a no-op, got %v", err)
	}

	f = &FaultInjector{}
	wantErr := ErrPipeClosed
	f.ArmNextFailure(wantErr)

	if err := f.check(); err != wantErr {
		t.Fatalf("expected armed failure to fire, got %v", err)
	}
	if err := f.check(); err != nil {
		t.Fatalf("expected ArmNextFailure to fire only once, got %v on second check", err)
	}
}
