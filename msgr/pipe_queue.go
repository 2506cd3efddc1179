package msgr

// PrioHighest is the sentinel bucket requeued and replacement-adopted
// messages are pushed to the front of (spec.md §4.2.1 step 4, §4.3
// requeue_sent/discard_requeued_up_to).
const PrioHighest int32 = 1<<31 - 1

// enqueueLocked appends m to its priority bucket and wakes the writer. Must
// be called with the pipe lock held.
func (p *Pipe) enqueueLocked(m *Message) {
	p.outQ[m.Priority()] = append(p.outQ[m.Priority()], m)
	p.cond.Broadcast()
}

// Enqueue is the public, lock-acquiring entry point used by applications.
func (p *Pipe) Enqueue(m *Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueueLocked(m)
}

// isQueuedLocked reports whether any outbound message is waiting to be
// sent. Must be called with the pipe lock held.
func (p *Pipe) isQueuedLocked() bool {
	for _, q := range p.outQ {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

// popHighestLocked removes and returns the head of the highest-priority
// non-empty bucket (spec.md §4.3 writer loop step 3: "take the head of the
// highest-priority non-empty bucket; tie within a bucket is insertion
// order"). Must be called with the pipe lock held.
func (p *Pipe) popHighestLocked() *Message {
	var best int32
	found := false
	for prio, q := range p.outQ {
		if len(q) == 0 {
			continue
		}
		if !found || prio > best {
			best = prio
			found = true
		}
	}
	if !found {
		return nil
	}
	q := p.outQ[best]
	m := q[0]
	if len(q) == 1 {
		delete(p.outQ, best)
	} else {
		p.outQ[best] = q[1:]
	}
	return m
}

// pushFrontHighestLocked pushes m to the front of the PrioHighest bucket,
// used by requeue_sent and by replacement's queue adoption. Must be called
// with the pipe lock held.
func (p *Pipe) pushFrontHighestLocked(m *Message) {
	p.outQ[PrioHighest] = append([]*Message{m}, p.outQ[PrioHighest]...)
}

// requeueSentLocked pops sent back-to-front, pushing each to the front of
// out_q[PRIO_HIGHEST] and decrementing out_seq once per message, so the
// writer reassigns identical seq values on retransmission (spec.md §4.3
// "requeue_sent"). Must be called with the pipe lock held.
func (p *Pipe) requeueSentLocked() {
	for i := len(p.sent) - 1; i >= 0; i-- {
		m := p.sent[i]
		p.pushFrontHighestLocked(m)
		p.outSeq--
	}
	p.sent = nil
}

// discardRequeuedUpToLocked drops messages from the front of
// out_q[PRIO_HIGHEST] whose assigned seq lies in (0, seq], incrementing
// out_seq per drop (spec.md §4.3 "discard_requeued_up_to"), used on the
// server's SEQ handshake branch once the peer's acked seq is known.
func (p *Pipe) discardRequeuedUpToLocked(seq uint64) {
	q := p.outQ[PrioHighest]
	i := 0
	for i < len(q) {
		m := q[i]
		s := m.Seq()
		if s == 0 || s > seq {
			break
		}
		p.outSeq++
		i++
	}
	if i > 0 {
		if i == len(q) {
			delete(p.outQ, PrioHighest)
		} else {
			p.outQ[PrioHighest] = q[i:]
		}
	}
}

// handleAckLocked drops the prefix of sent whose seq <= ack, releasing the
// Pipe's references to those messages (spec.md §4.3 reader loop, ACK case).
// The caller checks the emptied sent queue for close_on_empty. Must be
// called with the pipe lock held.
func (p *Pipe) handleAckLocked(ack uint64) {
	i := 0
	for i < len(p.sent) && p.sent[i].Seq() <= ack {
		i++
	}
	p.sent = p.sent[i:]
}

// adoptQueuesLocked moves another Pipe's sent queue to the front of this
// Pipe's out_q[PRIO_HIGHEST] (preceding this Pipe's own out_q), then
// appends the rest of that Pipe's out_q behind it, preserving relative
// order across a replace (spec.md §3 invariant 5, §5 "Ordering
// guarantees"). Must be called with this Pipe's lock held; old must not be
// concurrently mutated (the caller holds old's lock).
func (p *Pipe) adoptQueuesLocked(old *Pipe) {
	adopted := append([]*Message{}, old.sent...)
	adopted = append(adopted, old.outQ[PrioHighest]...)
	if existing := p.outQ[PrioHighest]; len(existing) > 0 {
		adopted = append(adopted, existing...)
	}
	if len(adopted) > 0 {
		p.outQ[PrioHighest] = adopted
	}
	for prio, q := range old.outQ {
		if prio == PrioHighest || len(q) == 0 {
			continue
		}
		p.outQ[prio] = append(p.outQ[prio], q...)
	}
	p.inSeq = old.inSeq
	p.inSeqAcked = old.inSeqAcked
	p.outSeq = old.outSeq
	p.connID = old.connID
	p.connState = old.connState
	if p.connState != nil {
		p.connState.attachPipe(p)
	}
}
