package msgr

import (
	"sync"
	"sync/atomic"
)

// Messenger is the peer registry: at most one Pipe per PeerAddr, a global
// sequence counter shared across every accepted/connected Pipe, and the
// application's Dispatcher. Grounded on the teacher's Manager
// (cla/manager.go), reworked from "one CLA per address, retried on a
// ticker" to "one Pipe per peer_addr, replaced atomically on handshake
// race resolution" (spec.md §3 invariant 5).
//
// mu is spec.md §5's "one global registry lock", guarding pipes and every
// cross-pipe operation on it. Lock order: registry lock -> pipe lock ->
// connection_state lock.
type Messenger struct {
	mu    sync.Mutex
	pipes map[PeerAddr]*Pipe

	globalSeq atomic.Uint64

	dispatchThrottle *Throttle

	localAddr  PeerAddr
	policies   PolicyLookup
	pipeConfig PipeConfig

	dispatcher Dispatcher

	reapCh chan *Pipe

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewMessenger builds a registry bound to localAddr (this process's
// externally-visible peer address, including its process nonce), the
// given per-peer-type policy table, the global dispatch throttle's byte
// budget, and the Dispatcher the application drains.
func NewMessenger(localAddr PeerAddr, policies PolicyLookup, dispatchThrottleBytes int64, dispatcher Dispatcher) *Messenger {
	m := &Messenger{
		pipes:            make(map[PeerAddr]*Pipe),
		localAddr:        localAddr,
		policies:         policies,
		dispatchThrottle: NewThrottle(dispatchThrottleBytes),
		dispatcher:       dispatcher,
		reapCh:           make(chan *Pipe, 64),
		stopSyn:          make(chan struct{}),
		stopAck:          make(chan struct{}),
	}
	go m.reaper()
	return m
}

func (m *Messenger) LocalAddr() PeerAddr { return m.localAddr }

func (m *Messenger) Dispatcher() Dispatcher { return m.dispatcher }

func (m *Messenger) PolicyFor(peerType uint32) Policy { return m.policies.PolicyFor(peerType) }

func (m *Messenger) IssueGlobalSeq() uint32 {
	return uint32(m.globalSeq.Add(1))
}

func (m *Messenger) AcquireDispatch(size int64) { m.dispatchThrottle.Acquire(size) }
func (m *Messenger) ReleaseDispatch(size int64) { m.dispatchThrottle.Release(size) }

// Lock/Unlock expose the registry lock to callers (the handshake) that
// must hold it across a Lookup and the Register/Replace decision that
// follows it, closing the connect-race window spec.md §8 scenario S3
// depends on (spec.md §3 invariant 5: "at most one Pipe per peer_addr").
func (m *Messenger) Lock()   { m.mu.Lock() }
func (m *Messenger) Unlock() { m.mu.Unlock() }

func (m *Messenger) Lookup(addr PeerAddr) (*Pipe, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LookupLocked(addr)
}

// LookupLocked is Lookup without acquiring the registry lock; callers must
// already hold it via Lock().
func (m *Messenger) LookupLocked(addr PeerAddr) (*Pipe, bool) {
	p, ok := m.pipes[addr]
	return p, ok
}

func (m *Messenger) Register(p *Pipe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RegisterLocked(p)
}

// RegisterLocked is Register without acquiring the registry lock.
func (m *Messenger) RegisterLocked(p *Pipe) {
	m.pipes[p.peerAddr] = p
}

// Replace implements spec.md §3 invariant 5's "single atomic step": the
// new Pipe has already adopted old's queues and connection_state (see
// (*Pipe).adoptQueuesLocked, called by the handshake before Replace), so
// this only needs to swap the map entry and let the old Pipe's workers
// observe CLOSED and unwind.
func (m *Messenger) Replace(old, new *Pipe) {
	m.mu.Lock()
	m.ReplaceLocked(old, new)
	m.mu.Unlock()
	m.Reap(old)
}

// ReplaceLocked is Replace's map swap without acquiring the registry lock
// or reaping old; callers must already hold the lock via Lock() and must
// Reap(old) themselves after Unlock().
func (m *Messenger) ReplaceLocked(old, new *Pipe) {
	m.pipes[new.peerAddr] = new
}

func (m *Messenger) Unregister(p *Pipe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.pipes[p.peerAddr]; ok && cur == p {
		delete(m.pipes, p.peerAddr)
	}
}

// Close stops the registry's reaper and unregisters/stops every Pipe,
// mirroring the teacher's Manager.Close() stopSyn/stopAck handshake
// (cla/manager.go).
func (m *Messenger) Close() {
	m.mu.Lock()
	pipes := make([]*Pipe, 0, len(m.pipes))
	for _, p := range m.pipes {
		pipes = append(pipes, p)
	}
	m.mu.Unlock()

	for _, p := range pipes {
		p.stop()
	}
	close(m.stopSyn)
	<-m.stopAck
}

// Connect creates a new client-role Pipe for peerAddr/peerType and starts
// its writer, which will drive the CONNECTING handshake (spec.md §4.2.2)
// immediately if eager is true, or otherwise as soon as a message is
// enqueued on a Pipe whose policy is not Server. The
// Lookup-then-Register is done under a single Lock() so two concurrent
// Connect calls for the same peerAddr can't both win.
func (m *Messenger) Connect(peerAddr PeerAddr, peerType uint32, eager bool) *Pipe {
	m.Lock()
	if existing, ok := m.LookupLocked(peerAddr); ok {
		m.Unlock()
		return existing
	}

	p := newPipe(m, m.pipeConfig)
	p.peerAddr = peerAddr
	p.peerType = peerType
	p.policy = m.PolicyFor(peerType)
	p.state = StateStandby
	if eager {
		p.state = StateConnecting
	}
	p.connState = NewConnectionState(peerAddr)
	p.connState.attachPipe(p)

	m.RegisterLocked(p)
	m.Unlock()

	go p.runWriter()
	return p
}

// pipeConfig is the template PipeConfig every new Pipe is built from;
// SetPipeConfig installs it (wired from Config by cmd/msgrd, see config.go).
func (m *Messenger) SetPipeConfig(cfg PipeConfig) {
	m.pipeConfig = cfg
}
