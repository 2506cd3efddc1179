package msgr

import (
	"sync"

	"github.com/cephmsgr/go-msgr/internal/wire"
)

// RxBuffer is a pre-registered receive buffer for a given transaction id,
// allowing a payload's data region to be read directly into application
// memory instead of a fresh allocation (spec.md §4.3 step 3).
type RxBuffer struct {
	Buf []byte
}

// ConnectionState is shared between a Pipe and the application for the
// lifetime of the longest holder (spec.md §5 "Shared ownership", "Design
// Notes" bullet 2). It exposes the negotiated Features, the PeerAddr as the
// application knows it, and the RxBuffers map, which is guarded by its own
// lock independent of the owning Pipe's lock (spec.md §5 "connection_state
// is shared... rx_buffers inside it is guarded by its own lock").
type ConnectionState struct {
	mu sync.Mutex

	Features wire.Feature
	PeerAddr PeerAddr

	rxBuffers map[uint64]*RxBuffer

	// pipe is a back-reference to the owning Pipe, cleared to nil on fault
	// in the lossy branch so the Pipe↔ConnectionState cycle is broken
	// before reap ("Design Notes" bullet 3).
	pipe *Pipe
}

// NewConnectionState creates a fresh ConnectionState for peerAddr.
func NewConnectionState(peerAddr PeerAddr) *ConnectionState {
	return &ConnectionState{
		PeerAddr:  peerAddr,
		rxBuffers: make(map[uint64]*RxBuffer),
	}
}

// RegisterRxBuffer pre-registers a buffer for transaction id tid.
func (cs *ConnectionState) RegisterRxBuffer(tid uint64, buf []byte) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.rxBuffers[tid] = &RxBuffer{Buf: buf}
}

// RxBufferFor looks up a pre-registered buffer for tid, if any.
func (cs *ConnectionState) RxBufferFor(tid uint64) (*RxBuffer, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	b, ok := cs.rxBuffers[tid]
	return b, ok
}

// attachPipe records the owning Pipe; called when a Pipe adopts this state.
func (cs *ConnectionState) attachPipe(p *Pipe) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.pipe = p
}

// detachPipe clears the back-reference, breaking the Pipe↔ConnectionState
// cycle before the Pipe is reaped (spec.md §4.4 lossy teardown).
func (cs *ConnectionState) detachPipe() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.pipe = nil
}
