package msgr

import (
	"bufio"
	"fmt"
	"net"

	"github.com/cephmsgr/go-msgr/internal/wire"
)

// acceptPipe drives a freshly-accepted connection through the server-role
// handshake (spec.md §4.2.1) and, on success, starts its workers. It is
// the accepter's entry point for turning a net.Conn into a registered
// Pipe.
func acceptPipe(conn net.Conn, registry Registry, cfg PipeConfig) {
	p := newPipe(registry, cfg)
	p.conn = conn
	p.state = StateAccepting

	if err := p.runHandshakeServer(conn); err != nil {
		p.log().WithError(err).Debug("server handshake failed")
		_ = conn.Close()
		return
	}

	p.mu.Lock()
	p.readerStarted = true
	p.mu.Unlock()
	go p.runReader(p.readerBuf)
	go p.runWriter()

	if d := registry.Dispatcher(); d != nil {
		d.Signal(Signal{Kind: SignalAccept, Pipe: p})
	}
}

// runHandshakeServer implements spec.md §4.2.1 steps 1-7.
func (p *Pipe) runHandshakeServer(conn net.Conn) error {
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	local := p.registry.LocalAddr()
	peerObserved := socketObservedAddr(conn, local.Nonce)

	peerOwnAddr, _, err := exchangeBanners(br, bw, local.ToWire(), peerObserved)
	if err != nil {
		return fmt.Errorf("msgr: handshake banner: %w", err)
	}
	declaredPeer := FromWire(peerOwnAddr)
	if declaredPeer.IsBlank() {
		patched := declaredPeer
		patched.Bytes = socketObservedAddr(conn, 0).Bytes
		patched.Family = socketObservedAddr(conn, 0).Family
		declaredPeer = patched
	}

	for {
		connect, authz, err := readConnect(br)
		if err != nil {
			return fmt.Errorf("msgr: read connect: %w", err)
		}

		reply := wire.ConnectReply{ProtocolVersion: p.cfg.ProtocolVersion}

		if connect.ProtocolVersion != p.cfg.ProtocolVersion {
			reply.Tag = wire.TagBadProtoVer
			if err := writeReply(bw, reply, nil); err != nil {
				return err
			}
			continue
		}

		p.peerType = connect.HostType
		policy := p.registry.PolicyFor(p.peerType)
		p.policy = policy

		if policy.FeaturesRequired != 0 && !wire.Feature(connect.Features).Has(policy.FeaturesRequired) {
			reply.Tag = wire.TagFeatures
			reply.Features = uint64(policy.FeaturesSupported)
			if err := writeReply(bw, reply, nil); err != nil {
				return err
			}
			continue
		}

		sessionKey, ok := verifyAuthorizer(p.cfg.Verifier, connect.AuthorizerProtocol, authz)
		if !ok {
			reply.Tag = wire.TagBadAuthorizer
			if err := writeReply(bw, reply, nil); err != nil {
				return err
			}
			continue
		}

		p.peerAddr = declaredPeer

		// The Lookup and the Register/Replace that follows it must be one
		// atomic step under the registry lock (spec.md §3 invariant 5,
		// §5 "registry lock -> pipe lock"), or two sockets racing to
		// connect to the same peer_addr can both see no existing Pipe and
		// both Register, silently clobbering the map entry (spec.md §8
		// S3). existing's pipe lock is only taken after the registry
		// lock, per the documented order.
		replaced := false
		p.registry.Lock()
		existing, hasExisting := p.registry.LookupLocked(declaredPeer)
		if hasExisting {
			existing.mu.Lock()
			action, err := p.resolveRaceLocked(existing, connect, local)
			if err != nil {
				existing.mu.Unlock()
				p.registry.Unlock()
				return err
			}
			switch action {
			case raceRetryGlobal:
				reply.Tag = wire.TagRetryGlobal
				reply.GlobalSeq = existing.peerGlobalSeq
				existing.mu.Unlock()
				p.registry.Unlock()
				if err := writeReply(bw, reply, nil); err != nil {
					return err
				}
				continue
			case raceRetrySession:
				reply.Tag = wire.TagRetrySession
				reply.ConnectSeq = existing.connectSeq + 1
				existing.mu.Unlock()
				p.registry.Unlock()
				if err := writeReply(bw, reply, nil); err != nil {
					return err
				}
				continue
			case raceResetSession:
				existing.mu.Unlock()
				p.registry.Unlock()
				reply.Tag = wire.TagResetSession
				if err := writeReply(bw, reply, nil); err != nil {
					return err
				}
				continue
			case raceWait:
				existing.keepalive = true
				existing.cond.Broadcast()
				existing.mu.Unlock()
				p.registry.Unlock()
				reply.Tag = wire.TagWait
				if err := writeReply(bw, reply, nil); err != nil {
					return err
				}
				continue
			case raceReplace:
				p.mu.Lock()
				p.adoptQueuesLocked(existing)
				p.mu.Unlock()
				existing.setState(StateClosed)
				existing.mu.Unlock()
				p.registry.ReplaceLocked(existing, p)
				p.registry.Unlock()
				p.registry.Reap(existing)
				replaced = true
			}
		} else {
			if policy.ResetCheck && connect.ConnectSeq > 0 {
				p.registry.Unlock()
				reply.Tag = wire.TagResetSession
				if err := writeReply(bw, reply, nil); err != nil {
					return err
				}
				continue
			}
			p.registry.RegisterLocked(p)
			p.registry.Unlock()
		}

		// open
		p.mu.Lock()
		p.connectSeq = connect.ConnectSeq + 1
		p.peerGlobalSeq = connect.GlobalSeq
		p.setState(StateOpen)
		if p.connState == nil {
			p.connState = NewConnectionState(declaredPeer)
		}
		p.connState.Features = wire.Feature(connect.Features) & policy.FeaturesSupported
		p.connState.attachPipe(p)
		if sessionKey != nil {
			p.sessionSecurity = NewSessionSecurity(sessionKey)
		}
		if !replaced {
			p.outSeq = newOutSeq(p.sessionSecurity != nil)
		}

		reply.Tag = wire.TagReady
		if p.connState.Features.Has(wire.FeatureReconnectSeq) {
			reply.Tag = wire.TagSeq
		}
		reply.Features = uint64(policy.FeaturesSupported)
		reply.GlobalSeq = p.registry.IssueGlobalSeq()
		reply.ConnectSeq = p.connectSeq
		if policy.Lossy {
			reply.Flags |= wire.ReplyFlagLossy
		}
		inSeqSnapshot := p.inSeq
		p.mu.Unlock()

		if err := writeReply(bw, reply, nil); err != nil {
			return err
		}

		if reply.Tag == wire.TagSeq {
			var buf [8]byte
			putBeUint64(buf[:], inSeqSnapshot)
			if _, err := bw.Write(buf[:]); err != nil {
				return fmt.Errorf("msgr: write in_seq: %w", err)
			}
			if err := bw.Flush(); err != nil {
				return err
			}
			ackBuf := make([]byte, 8)
			if _, err := fillFull(br, ackBuf); err != nil {
				return fmt.Errorf("msgr: read peer ack: %w", err)
			}
			acked := beUint64(ackBuf)
			p.mu.Lock()
			p.discardRequeuedUpToLocked(acked)
			p.mu.Unlock()
		}

		p.readerBuf = br
		return nil
	}
}

type raceAction int

const (
	raceRetryGlobal raceAction = iota
	raceRetrySession
	raceResetSession
	raceReplace
	raceWait
)

// resolveRaceLocked implements spec.md §4.2.1 step 3's "Existing pipe for
// this peer_addr" branch. Must be called with existing's lock held; does
// not itself take p's lock. localAddr is the receiving node's own address,
// used for the connect-race address comparison (spec.md line 92: "peer_addr
// < my_addr"), which is a race between the peer's incoming connect and our
// own outgoing connect to that same peer, not a comparison between two
// different peers.
func (p *Pipe) resolveRaceLocked(existing *Pipe, connect wire.Connect, localAddr PeerAddr) (raceAction, error) {
	if connect.GlobalSeq < existing.peerGlobalSeq {
		return raceRetryGlobal, nil
	}
	if existing.policy.Lossy {
		existing.wasSessionReset()
		return raceReplace, nil
	}
	if connect.ConnectSeq == 0 && existing.connectSeq > 0 {
		if existing.policy.ResetCheck {
			existing.wasSessionReset()
		}
		return raceReplace, nil
	}
	if connect.ConnectSeq < existing.connectSeq {
		return raceRetrySession, nil
	}
	if connect.ConnectSeq == existing.connectSeq {
		switch existing.state {
		case StateOpen, StateStandby:
			return raceRetrySession, nil
		case StateConnecting, StateWait:
			if existing.peerAddr.Less(localAddr) || existing.policy.Server {
				return raceReplace, nil
			}
			return raceWait, nil
		default:
			// spec.md §9 Open Question 2: rather than a process-terminating
			// assertion, fault the existing pipe and let the incoming
			// connection replace it, to preserve liveness.
			existing.fault(false)
			return raceReplace, nil
		}
	}
	// connect.ConnectSeq > existing.connectSeq
	if existing.policy.ResetCheck && existing.connectSeq == 0 {
		return raceResetSession, nil
	}
	return raceReplace, nil
}

func readConnect(br *bufio.Reader) (wire.Connect, []byte, error) {
	var c wire.Connect
	if err := c.Unmarshal(br); err != nil {
		return c, nil, err
	}
	authz, err := wire.ReadAuthorizer(br, c.AuthorizerLen)
	return c, authz, err
}

func writeReply(bw *bufio.Writer, reply wire.ConnectReply, authz []byte) error {
	reply.AuthorizerLen = uint32(len(authz))
	if err := reply.Marshal(bw); err != nil {
		return err
	}
	if len(authz) > 0 {
		if err := wire.WriteAuthorizer(bw, authz); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func verifyAuthorizer(v AuthorizerVerifier, protocol uint32, token []byte) ([]byte, bool) {
	if v == nil {
		return nil, true
	}
	return v.Verify(protocol, token)
}

func fillFull(br *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := br.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
