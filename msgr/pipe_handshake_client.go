package msgr

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/cephmsgr/go-msgr/internal/wire"
)

// connect implements spec.md §4.2.2: called from the writer while in state
// CONNECTING. It is never called with the pipe lock held.
func (p *Pipe) connect() error {
	p.mu.Lock()
	if oldConn := p.conn; oldConn != nil {
		_ = oldConn.Close()
	}
	peerAddr := p.peerAddr
	cseq := p.connectSeq
	hadReader := p.readerStarted
	readerDone := p.readerDone
	p.mu.Unlock()

	if hadReader {
		<-readerDone // join the prior reader before opening a new socket
	}
	p.mu.Lock()
	p.readerDone = make(chan struct{})
	p.readerStarted = false
	p.mu.Unlock()

	conn, err := net.DialTimeout("tcp", peerAddr.DialString(), 10*time.Second)
	if err != nil {
		return fmt.Errorf("msgr: dial: %w", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(p.cfg.TCPNoDelay)
	}

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	local := p.registry.LocalAddr()
	peerObserved := socketObservedAddr(conn, local.Nonce)

	_, myObserved, err := exchangeBanners(br, bw, local.ToWire(), peerObserved)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("msgr: handshake banner: %w", err)
	}
	_ = myObserved

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	badAuthRetries := 0

	for {
		var authz []byte
		var authProto uint32
		if p.cfg.Authorizer != nil {
			authz = p.cfg.Authorizer.Token
			authProto = p.cfg.Authorizer.Protocol
		}

		p.mu.Lock()
		connect := wire.Connect{
			Features:           uint64(p.policy.FeaturesSupported),
			HostType:           p.peerType,
			GlobalSeq:          p.peerGlobalSeq,
			ConnectSeq:         cseq,
			ProtocolVersion:    p.cfg.ProtocolVersion,
			AuthorizerProtocol: authProto,
			AuthorizerLen:      uint32(len(authz)),
		}
		p.mu.Unlock()

		if err := connect.Marshal(bw); err != nil {
			_ = conn.Close()
			return fmt.Errorf("msgr: write connect: %w", err)
		}
		if len(authz) > 0 {
			if err := wire.WriteAuthorizer(bw, authz); err != nil {
				_ = conn.Close()
				return fmt.Errorf("msgr: write authorizer: %w", err)
			}
		}
		if err := bw.Flush(); err != nil {
			_ = conn.Close()
			return fmt.Errorf("msgr: flush connect: %w", err)
		}

		var reply wire.ConnectReply
		if err := reply.Unmarshal(br); err != nil {
			_ = conn.Close()
			return fmt.Errorf("msgr: read connect_reply: %w", err)
		}
		replyAuthz, err := wire.ReadAuthorizer(br, reply.AuthorizerLen)
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("msgr: read reply authorizer: %w", err)
		}
		_ = replyAuthz

		switch reply.Tag {
		case wire.TagFeatures:
			_ = conn.Close()
			return ErrFeatureMismatch

		case wire.TagBadProtoVer:
			_ = conn.Close()
			return ErrProtocolMismatch

		case wire.TagBadAuthorizer:
			badAuthRetries++
			if badAuthRetries >= 2 {
				_ = conn.Close()
				return ErrBadAuthorizer
			}
			continue

		case wire.TagResetSession:
			p.mu.Lock()
			p.wasSessionReset()
			p.mu.Unlock()
			cseq = 0
			continue

		case wire.TagRetryGlobal:
			p.mu.Lock()
			if reply.GlobalSeq > p.peerGlobalSeq {
				p.peerGlobalSeq = reply.GlobalSeq
			}
			p.mu.Unlock()
			continue

		case wire.TagRetrySession:
			if reply.ConnectSeq <= cseq {
				_ = conn.Close()
				return fmt.Errorf("msgr: RETRY_SESSION did not advance connect_seq")
			}
			cseq = reply.ConnectSeq
			continue

		case wire.TagWait:
			p.mu.Lock()
			p.conn = conn
			p.setState(StateWait)
			p.mu.Unlock()
			return nil

		case wire.TagReady, wire.TagSeq:
			if reply.ConnectSeq != cseq+1 {
				_ = conn.Close()
				return fmt.Errorf("msgr: reply connect_seq mismatch: got %d want %d", reply.ConnectSeq, cseq+1)
			}

			p.mu.Lock()
			if p.connState == nil {
				p.connState = NewConnectionState(p.peerAddr)
			}
			p.connState.Features = wire.Feature(reply.Features) & p.policy.FeaturesSupported
			p.connState.attachPipe(p)

			if reply.Tag == wire.TagSeq && !p.connState.Features.Has(wire.FeatureReconnectSeq) {
				p.mu.Unlock()
				_ = conn.Close()
				return ErrReconnectSeqUnsupported
			}

			if p.cfg.Authorizer != nil {
				p.sessionSecurity = NewSessionSecurity(p.cfg.Authorizer.SessionKey)
			}

			p.connectSeq = cseq + 1
			p.conn = conn
			p.setState(StateOpen)
			p.backoff.clear()
			p.mu.Unlock()

			if reply.Tag == wire.TagSeq {
				var buf [8]byte
				if _, err := fillFull(br, buf[:]); err != nil {
					return fmt.Errorf("msgr: read peer in_seq: %w", err)
				}
				peerInSeq := beUint64(buf[:])

				p.mu.Lock()
				p.handleAckLocked(peerInSeq)
				inSeqSnapshot := p.inSeq
				p.mu.Unlock()

				var out [8]byte
				putBeUint64(out[:], inSeqSnapshot)
				if _, err := bw.Write(out[:]); err != nil {
					return fmt.Errorf("msgr: write in_seq: %w", err)
				}
				if err := bw.Flush(); err != nil {
					return err
				}
			}

			p.mu.Lock()
			p.readerBuf = br
			p.readerStarted = true
			p.mu.Unlock()
			go p.runReader(br)

			if d := p.registry.Dispatcher(); d != nil {
				d.Signal(Signal{Kind: SignalConnect, Pipe: p})
			}
			return nil

		default:
			_ = conn.Close()
			return ErrUnknownTag
		}
	}
}
