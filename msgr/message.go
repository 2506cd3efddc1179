package msgr

import (
	"time"

	"github.com/cephmsgr/go-msgr/internal/wire"
)

// Message is the application-facing unit of exchange: an opaque payload
// split into front/middle/data regions plus the header and footer that
// travel with it on the wire (spec.md §3 "Message").
type Message struct {
	Header wire.Header
	Footer wire.Footer

	Front  []byte
	Middle []byte
	Data   []byte

	// RecvAt/ThrottleAt/CompleteAt are stamped by the reader as it moves a
	// message through throttle acquisition and decode (spec.md §4.3 step 5
	// "stamp receive/throttle/complete times").
	RecvAt     time.Time
	ThrottleAt time.Time
	CompleteAt time.Time
}

// Seq reports the header's sequence number.
func (m *Message) Seq() uint64 { return m.Header.Seq }

// Priority reports the header's priority, used to select the out_q bucket.
func (m *Message) Priority() int32 { return m.Header.Priority }

// Size is the throttled size of the message: the sum of its three regions.
func (m *Message) Size() int64 {
	return int64(len(m.Front) + len(m.Middle) + len(m.Data))
}

// Aborted reports whether the footer's COMPLETE flag is absent.
func (m *Message) Aborted() bool {
	return m.Footer.Aborted()
}
