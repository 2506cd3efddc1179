package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Family identifies the address family carried in an Address record.
type Family uint16

const (
	FamilyNone Family = 0
	FamilyIPv4 Family = 2
	FamilyIPv6 Family = 10
)

// Address is the wire form of a peer address record:
// family(u16) | port(u16) | addr_bytes | nonce(u32).
// addr_bytes is fixed at 16 octets regardless of family so the record has a
// constant size on the wire (unused trailing octets are zero for IPv4).
type Address struct {
	Family Family
	Port   uint16
	Bytes  [16]byte
	Nonce  uint32
}

// AddressWireLen is the fixed encoded length of an Address record.
const AddressWireLen = 2 + 2 + 16 + 4

// Marshal encodes the Address record's fixed-size fields in big-endian
// (network) byte order, matching the teacher's fixed-struct-over-Writer
// convention in contact_header.go.
func (a Address) Marshal(w io.Writer) error {
	var buf [AddressWireLen]byte
	binary.BigEndian.PutUint16(buf[0:2], uint16(a.Family))
	binary.BigEndian.PutUint16(buf[2:4], a.Port)
	copy(buf[4:20], a.Bytes[:])
	binary.BigEndian.PutUint32(buf[20:24], a.Nonce)

	n, err := w.Write(buf[:])
	if err != nil {
		return err
	}
	if n != AddressWireLen {
		return fmt.Errorf("wire: wrote %d address octets instead of %d", n, AddressWireLen)
	}
	return nil
}

// Unmarshal decodes an Address record.
func (a *Address) Unmarshal(r io.Reader) error {
	var buf [AddressWireLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}

	a.Family = Family(binary.BigEndian.Uint16(buf[0:2]))
	a.Port = binary.BigEndian.Uint16(buf[2:4])
	copy(a.Bytes[:], buf[4:20])
	a.Nonce = binary.BigEndian.Uint32(buf[20:24])
	return nil
}

// IsBlank reports whether the address carries no usable IP, i.e. the server
// should patch in the socket-observed address while preserving the port
// (spec.md §4.2.1 step 2).
func (a Address) IsBlank() bool {
	for _, b := range a.Bytes {
		if b != 0 {
			return false
		}
	}
	return a.Family == FamilyNone
}
