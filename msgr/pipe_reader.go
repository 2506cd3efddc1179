package msgr

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/cephmsgr/go-msgr/internal/wire"
)

// runReader is the Pipe's reader worker: one tag byte at a time, dispatched
// per spec.md §4.3 "Reader loop (OPEN)". It owns no lock while blocked on
// socket I/O (spec.md §5 "Workers must drop the pipe lock around any
// blocking socket I/O"); the pipe lock is only taken to touch shared state.
func (p *Pipe) runReader(rw *bufio.Reader) {
	defer close(p.readerDone)

	for {
		if p.IsClosed() {
			return
		}

		if err := p.faultHook.check(); err != nil {
			p.log().WithError(err).Debug("fault injector forced reader failure")
			p.mu.Lock()
			p.fault(true)
			p.mu.Unlock()
			return
		}

		tagByte, err := rw.ReadByte()
		if err != nil {
			if err == io.EOF {
				p.log().Info("peer closed connection")
			} else {
				p.log().WithError(err).Warn("reader: read error")
			}
			p.mu.Lock()
			p.fault(true)
			p.mu.Unlock()
			return
		}

		tag := wire.Tag(tagByte)
		switch tag {
		case wire.TagKeepAlive:
			continue

		case wire.TagAck:
			var buf [8]byte
			if _, err := io.ReadFull(rw, buf[:]); err != nil {
				p.log().WithError(err).Warn("reader: short ACK")
				p.mu.Lock()
				p.fault(true)
				p.mu.Unlock()
				return
			}
			ack := beUint64(buf[:])
			p.mu.Lock()
			p.handleAckLocked(ack)
			stop := len(p.sent) == 0 && p.closeOnEmpty
			p.cond.Broadcast()
			p.mu.Unlock()
			if stop {
				p.stop()
				return
			}

		case wire.TagMsg:
			m, aborted, err := p.readMessage(rw)
			if err != nil {
				p.log().WithError(err).Warn("reader: read_message failed")
				p.mu.Lock()
				p.fault(true)
				p.mu.Unlock()
				return
			}
			if aborted {
				continue
			}
			p.mu.Lock()
			if m.Seq() <= p.inSeq {
				p.mu.Unlock()
				p.releaseThrottles(m.Size())
				continue
			}
			p.inSeq = m.Seq()
			p.cond.Broadcast()
			p.mu.Unlock()

			if p.delayQ != nil {
				p.delayQ.Submit(m)
			} else {
				p.deliverToDispatch(m)
			}

		case wire.TagClose:
			p.mu.Lock()
			if p.state == StateClosing {
				p.setState(StateClosed)
			} else {
				p.setState(StateClosing)
			}
			p.mu.Unlock()
			return

		default:
			p.log().WithField("tag", tag).Warn("reader: unknown tag")
			p.mu.Lock()
			p.fault(true)
			p.mu.Unlock()
			return
		}
	}
}

// readMessage implements spec.md §4.3's five-step MSG decode: header,
// throttle acquisition, body regions, footer, and signature verification.
func (p *Pipe) readMessage(rw *bufio.Reader) (*Message, bool, error) {
	noSrcAddr := !p.negotiated(wire.FeatureNoSrcAddr)
	noMsgAuth := !p.negotiated(wire.FeatureMsgAuth)

	hdr, err := wire.UnmarshalHeader(rw, noSrcAddr)
	if err != nil {
		return nil, false, fmt.Errorf("msgr: header: %w", err)
	}

	m := &Message{Header: hdr}
	m.RecvAt = time.Now()

	size := int64(hdr.FrontLen + hdr.MiddleLen + hdr.DataLen)
	p.policy.ThrottleMessages.Acquire(1)
	p.policy.ThrottleBytes.Acquire(size)
	p.registry.AcquireDispatch(size)
	m.ThrottleAt = time.Now()

	m.Front = make([]byte, hdr.FrontLen)
	if _, err := io.ReadFull(rw, m.Front); err != nil {
		p.releaseThrottles(size)
		return nil, false, fmt.Errorf("msgr: front: %w", err)
	}
	m.Middle = make([]byte, hdr.MiddleLen)
	if _, err := io.ReadFull(rw, m.Middle); err != nil {
		p.releaseThrottles(size)
		return nil, false, fmt.Errorf("msgr: middle: %w", err)
	}

	dataBuf := p.dataBufferFor(hdr)
	if _, err := io.ReadFull(rw, dataBuf); err != nil {
		p.releaseThrottles(size)
		return nil, false, fmt.Errorf("msgr: data: %w", err)
	}
	m.Data = dataBuf

	ftr, err := wire.UnmarshalFooter(rw, noMsgAuth)
	if err != nil {
		p.releaseThrottles(size)
		return nil, false, fmt.Errorf("msgr: footer: %w", err)
	}
	m.Footer = ftr

	if ftr.Aborted() {
		p.releaseThrottles(size)
		return nil, true, nil
	}

	if p.sessionSecurity != nil {
		region := append(append(append([]byte{}, m.Front...), m.Middle...), m.Data...)
		if !p.sessionSecurity.Verify(region, ftr.Sig) {
			p.releaseThrottles(size)
			return nil, false, fmt.Errorf("msgr: signature verification failed")
		}
	}

	m.CompleteAt = time.Now()
	return m, false, nil
}

func (p *Pipe) releaseThrottles(size int64) {
	p.policy.ThrottleMessages.Release(1)
	p.policy.ThrottleBytes.Release(size)
	p.registry.ReleaseDispatch(size)
}

// dataBufferFor honors any pre-registered rx buffer for the message's
// transaction id, extending it if short, otherwise allocates a fresh one
// (spec.md §4.3 step 3).
func (p *Pipe) dataBufferFor(hdr wire.Header) []byte {
	if p.connState != nil {
		if rx, ok := p.connState.RxBufferFor(hdr.Tid); ok {
			if uint32(len(rx.Buf)) < hdr.DataLen {
				rx.Buf = make([]byte, hdr.DataLen)
			}
			return rx.Buf[:hdr.DataLen]
		}
	}
	return make([]byte, hdr.DataLen)
}

func (p *Pipe) negotiated(f wire.Feature) bool {
	if p.connState == nil {
		return false
	}
	return p.connState.Features.Has(f)
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
