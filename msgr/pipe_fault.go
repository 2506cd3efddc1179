package msgr

import (
	"math/rand"
	"time"
)

// fault is called under the pipe lock whenever the reader or writer hits a
// socket, protocol, or handshake error (spec.md §4.4). onread tells a
// read-side fault from a write-side/handshake one; the handling here does
// not depend on it.
func (p *Pipe) fault(onread bool) {
	if p.state == StateClosed || p.state == StateClosing {
		return
	}

	if p.conn != nil {
		_ = p.conn.Close()
	}

	if p.policy.Lossy && p.state != StateConnecting {
		p.setState(StateClosed)
		p.discardAllLocked()
		if p.connState != nil {
			p.connState.detachPipe()
		}
		if p.registry != nil {
			// Unregister takes the registry lock, which ranks above the
			// pipe lock.
			p.mu.Unlock()
			p.registry.Unregister(p)
			p.mu.Lock()
			if d := p.registry.Dispatcher(); d != nil {
				d.Signal(Signal{Kind: SignalReset, Pipe: p})
			}
			p.registry.Reap(p)
		}
		return
	}

	p.delayQ.Flush()
	p.requeueSentLocked()

	switch {
	case p.policy.Standby && !p.isQueuedLocked():
		p.setState(StateStandby)
		return
	case p.state != StateConnecting && p.policy.Server:
		p.setState(StateStandby)
	case p.state != StateConnecting && !p.policy.Server:
		p.connectSeq++
		p.setState(StateConnecting)
		p.backoff.clear()
	case p.state == StateConnecting && p.backoff.zero():
		// Engage the episode without consuming an interval, so the first
		// wait is initial_backoff.
		p.backoff.mu.Lock()
		p.backoff.active = true
		p.backoff.mu.Unlock()
	case p.state == StateConnecting:
		wait := p.backoff.next()
		p.mu.Unlock()
		time.Sleep(wait)
		p.mu.Lock()
	}

	_ = onread
}

// discardAllLocked drops the delay queue, out_q, and sent without
// delivering any of their contents, used by the lossy teardown branch of
// fault (spec.md §4.4 step 3). Must be called with the pipe lock held.
func (p *Pipe) discardAllLocked() {
	p.delayQ.Discard()
	p.outQ = make(map[int32][]*Message)
	p.sent = nil
}

// wasSessionReset discards in-flight and queued state for this connection
// and notifies the application of a remote reset, then re-randomizes
// out_seq and zeros in_seq/connect_seq (spec.md §4.5). Must be called with
// the pipe lock held.
func (p *Pipe) wasSessionReset() {
	p.discardAllLocked()

	if p.registry != nil {
		if d := p.registry.Dispatcher(); d != nil {
			d.Signal(Signal{Kind: SignalRemoteReset, Pipe: p})
		}
	}

	p.outSeq = newOutSeq(p.sessionSecurity != nil)
	p.inSeq = 0
	p.connectSeq = 0
}

// newOutSeq returns the initial out_seq: a masked random 31-bit value when
// per-message signing is in use, else 0 (spec.md §3 "out_seq initialized
// from a masked random 31-bit value when the MSG_AUTH feature is
// negotiated, else 0"). math/rand is sufficient: this only needs to avoid
// accidental seq collisions between independently-started processes, not
// resist an adversary (SPEC_FULL.md §3).
func newOutSeq(signed bool) uint64 {
	if !signed {
		return 0
	}
	return uint64(rand.Int31()) & 0x7fffffff
}
