package msgr

import (
	"bufio"
	"fmt"

	"github.com/cephmsgr/go-msgr/internal/wire"
)

// runWriter is the Pipe's writer worker (spec.md §4.3 "Writer loop"). It
// owns the pipe's only call into connect() (§4.2.2) and is the sole
// producer of outbound bytes, so no separate write lock is needed beyond
// the pipe lock already serializing access to out_q/sent.
func (p *Pipe) runWriter() {
	defer close(p.writerDone)

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		switch p.state {
		case StateClosed:
			return

		case StateStandby:
			if p.isQueuedLocked() && !p.policy.Server {
				p.connectSeq++
				p.setState(StateConnecting)
				continue
			}
			p.cond.Wait()
			continue

		case StateConnecting:
			p.mu.Unlock()
			err := p.connect()
			p.mu.Lock()
			if err != nil {
				p.log().WithError(err).Warn("writer: connect failed")
				if p.state != StateClosed {
					p.fault(false)
				}
			}
			continue

		case StateClosing:
			if p.conn != nil {
				bw := bufio.NewWriter(p.conn)
				_ = bw.WriteByte(byte(wire.TagClose))
				_ = bw.Flush()
			}
			p.setState(StateClosed)
			return

		case StateWait, StateAccepting:
			p.cond.Wait()
			continue
		}

		// StateOpen: drain while anything is queued or an ACK is owed.
		for p.isQueuedLocked() || p.inSeq > p.inSeqAcked {
			if err := p.drainOnceLocked(); err != nil {
				p.log().WithError(err).Warn("writer: send failed")
				p.fault(false)
				break
			}
			if p.state != StateOpen {
				break
			}
		}

		if p.state == StateOpen && !p.isQueuedLocked() && len(p.sent) == 0 && p.closeOnEmpty {
			p.setState(StateClosed)
			return
		}

		if p.state == StateOpen {
			p.cond.Wait()
		}
	}
}

// drainOnceLocked performs one iteration of the OPEN writer body: an
// optional keepalive, an owed ACK, then the next queued message (spec.md
// §4.3 "Writer loop", steps 1-3). Must be called with the pipe lock held;
// temporarily releases it around blocking socket writes.
func (p *Pipe) drainOnceLocked() error {
	conn := p.conn
	bw := bufio.NewWriter(conn)

	if p.keepalive {
		if _, err := bw.Write([]byte{byte(wire.TagKeepAlive)}); err != nil {
			return fmt.Errorf("msgr: keepalive: %w", err)
		}
	}

	if p.inSeq > p.inSeqAcked {
		snapshot := p.inSeq
		p.mu.Unlock()
		err := writeAck(bw, snapshot)
		p.mu.Lock()
		if err != nil {
			return fmt.Errorf("msgr: ack: %w", err)
		}
		p.inSeqAcked = snapshot
	}

	m := p.popHighestLocked()
	if m == nil {
		return flushWriter(bw)
	}

	p.outSeq++
	m.Header.Seq = p.outSeq
	if !p.policy.Lossy || p.closeOnEmpty {
		p.sent = append(p.sent, m)
	}

	noSrcAddr := !p.negotiated(wire.FeatureNoSrcAddr)
	noMsgAuth := !p.negotiated(wire.FeatureMsgAuth)

	if p.sessionSecurity != nil {
		region := append(append(append([]byte{}, m.Front...), m.Middle...), m.Data...)
		m.Footer.Sig = p.sessionSecurity.Sign(region)
	}
	m.Footer.Flags |= wire.FooterComplete
	if !p.cfg.NoCRC {
		m.Footer.FrontCRC = wire.CRC32C(m.Front)
		m.Footer.MiddleCRC = wire.CRC32C(m.Middle)
		m.Footer.DataCRC = wire.CRC32C(m.Data)
	}
	m.Header.FrontLen = uint32(len(m.Front))
	m.Header.MiddleLen = uint32(len(m.Middle))
	m.Header.DataLen = uint32(len(m.Data))

	p.mu.Unlock()
	err := writeMessage(bw, m, noSrcAddr, noMsgAuth)
	p.mu.Lock()
	return err
}

func writeAck(bw *bufio.Writer, seq uint64) error {
	if err := bw.WriteByte(byte(wire.TagAck)); err != nil {
		return err
	}
	var buf [8]byte
	putBeUint64(buf[:], seq)
	if _, err := bw.Write(buf[:]); err != nil {
		return err
	}
	return bw.Flush()
}

func writeMessage(bw *bufio.Writer, m *Message, noSrcAddr, noMsgAuth bool) error {
	if err := bw.WriteByte(byte(wire.TagMsg)); err != nil {
		return err
	}
	if err := wire.MarshalHeader(bw, m.Header, noSrcAddr); err != nil {
		return err
	}
	if _, err := bw.Write(m.Front); err != nil {
		return err
	}
	if _, err := bw.Write(m.Middle); err != nil {
		return err
	}
	if _, err := bw.Write(m.Data); err != nil {
		return err
	}
	if err := wire.MarshalFooter(bw, m.Footer, noMsgAuth); err != nil {
		return err
	}
	return bw.Flush()
}

func flushWriter(bw *bufio.Writer) error {
	return bw.Flush()
}

func putBeUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
