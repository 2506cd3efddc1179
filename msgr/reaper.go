package msgr

import (
	log "github.com/sirupsen/logrus"
)

// Reap hands p to the reaper goroutine, which joins its worker goroutines
// outside any pipe lock (spec.md §9 "Thread reaping": "each worker sets a
// 'needs reap' flag and enqueues itself to a reaper owned by the registry;
// the reaper joins and frees outside any pipe lock").
func (m *Messenger) Reap(p *Pipe) {
	select {
	case m.reapCh <- p:
	default:
		go func() { m.reapCh <- p }()
	}
}

func (m *Messenger) reaper() {
	for {
		select {
		case <-m.stopSyn:
			close(m.stopAck)
			return
		case p := <-m.reapCh:
			m.joinPipe(p)
		}
	}
}

func (m *Messenger) joinPipe(p *Pipe) {
	p.mu.Lock()
	started := p.readerStarted
	readerDone := p.readerDone
	writerDone := p.writerDone
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if started {
		<-readerDone
	}
	<-writerDone

	log.WithFields(log.Fields{
		"peer":    p.peerAddr.String(),
		"conn_id": p.connID,
	}).Debug("reaped pipe")
}
