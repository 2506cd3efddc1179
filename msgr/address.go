package msgr

import (
	"bytes"
	"fmt"

	"github.com/cephmsgr/go-msgr/internal/wire"
)

// PeerAddr identifies a peer: address family, address bytes, port and a
// 32-bit nonce distinguishing independent processes that happen to bind the
// same address/port across restarts. PeerAddr has a total lexicographic
// ordering on (address, port, nonce), required for connect-race arbitration
// (spec.md §3, §4.2.1).
type PeerAddr struct {
	Family wire.Family
	Bytes  [16]byte
	Port   uint16
	Nonce  uint32
}

// NewPeerAddr builds a PeerAddr from family, raw address bytes, port and
// nonce. addr may be shorter than 16 bytes; it is zero-padded.
func NewPeerAddr(family wire.Family, addr []byte, port uint16, nonce uint32) PeerAddr {
	var pa PeerAddr
	pa.Family = family
	copy(pa.Bytes[:], addr)
	pa.Port = port
	pa.Nonce = nonce
	return pa
}

// FromWire converts a wire.Address record into a PeerAddr.
func FromWire(a wire.Address) PeerAddr {
	return PeerAddr{Family: a.Family, Bytes: a.Bytes, Port: a.Port, Nonce: a.Nonce}
}

// ToWire converts a PeerAddr into its wire.Address record.
func (p PeerAddr) ToWire() wire.Address {
	return wire.Address{Family: p.Family, Bytes: p.Bytes, Port: p.Port, Nonce: p.Nonce}
}

// Less implements the total ordering on (address, port, nonce) used for
// connect-race arbitration (spec.md §3 "Peer address", §8 property 5).
func (p PeerAddr) Less(o PeerAddr) bool {
	if c := bytes.Compare(p.Bytes[:], o.Bytes[:]); c != 0 {
		return c < 0
	}
	if p.Port != o.Port {
		return p.Port < o.Port
	}
	return p.Nonce < o.Nonce
}

// String renders the address for logging.
func (p PeerAddr) String() string {
	return fmt.Sprintf("%s:%d/%d", ipString(p.Bytes, p.Family), p.Port, p.Nonce)
}

// DialString renders the address for net.Dial, omitting the nonce which
// has no meaning to the network stack.
func (p PeerAddr) DialString() string {
	return fmt.Sprintf("%s:%d", ipString(p.Bytes, p.Family), p.Port)
}

func ipString(b [16]byte, fam wire.Family) string {
	if fam == wire.FamilyIPv4 {
		return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
	}
	return fmt.Sprintf("%x", b[:])
}

// IsBlank reports whether this address carries no usable IP (spec.md
// §4.2.1 step 2).
func (p PeerAddr) IsBlank() bool {
	return p.ToWire().IsBlank()
}
