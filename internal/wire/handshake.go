package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Connect is the fixed-size little-endian handshake record a client sends to
// open or resume a session (spec.md §6). It may be followed by
// AuthorizerLen authorizer bytes.
type Connect struct {
	Features            uint64
	HostType             uint32
	GlobalSeq            uint32
	ConnectSeq           uint32
	ProtocolVersion      uint32
	AuthorizerProtocol   uint32
	AuthorizerLen        uint32
	Flags                uint8
}

// ConnectWireLen is the encoded size of the fixed portion of Connect,
// excluding any trailing authorizer bytes.
const ConnectWireLen = 8 + 4 + 4 + 4 + 4 + 4 + 4 + 1

// Marshal encodes the fixed portion of the record in little-endian order.
func (c Connect) Marshal(w io.Writer) error {
	buf := make([]byte, ConnectWireLen)
	binary.LittleEndian.PutUint64(buf[0:8], c.Features)
	binary.LittleEndian.PutUint32(buf[8:12], c.HostType)
	binary.LittleEndian.PutUint32(buf[12:16], c.GlobalSeq)
	binary.LittleEndian.PutUint32(buf[16:20], c.ConnectSeq)
	binary.LittleEndian.PutUint32(buf[20:24], c.ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[24:28], c.AuthorizerProtocol)
	binary.LittleEndian.PutUint32(buf[28:32], c.AuthorizerLen)
	buf[32] = c.Flags

	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != ConnectWireLen {
		return fmt.Errorf("wire: wrote %d connect octets instead of %d", n, ConnectWireLen)
	}
	return nil
}

// Unmarshal decodes the fixed portion of a Connect record.
func (c *Connect) Unmarshal(r io.Reader) error {
	buf := make([]byte, ConnectWireLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}

	c.Features = binary.LittleEndian.Uint64(buf[0:8])
	c.HostType = binary.LittleEndian.Uint32(buf[8:12])
	c.GlobalSeq = binary.LittleEndian.Uint32(buf[12:16])
	c.ConnectSeq = binary.LittleEndian.Uint32(buf[16:20])
	c.ProtocolVersion = binary.LittleEndian.Uint32(buf[20:24])
	c.AuthorizerProtocol = binary.LittleEndian.Uint32(buf[24:28])
	c.AuthorizerLen = binary.LittleEndian.Uint32(buf[28:32])
	c.Flags = buf[32]
	return nil
}

// ConnectReply is the fixed-size little-endian handshake reply record
// (spec.md §6). It may be followed by authorizer bytes when replying to an
// authorizer challenge.
type ConnectReply struct {
	Tag             Tag
	Features        uint64
	GlobalSeq       uint32
	ConnectSeq      uint32
	ProtocolVersion uint32
	AuthorizerLen   uint32
	Flags           uint8
}

// ConnectReplyWireLen is the encoded size of the fixed portion of
// ConnectReply.
const ConnectReplyWireLen = 1 + 8 + 4 + 4 + 4 + 4 + 1

// ReplyFlagLossy marks the reply's connection as using a lossy policy
// (spec.md §4.2.1 step 5).
const ReplyFlagLossy uint8 = 0x01

func (cr ConnectReply) Marshal(w io.Writer) error {
	buf := make([]byte, ConnectReplyWireLen)
	buf[0] = byte(cr.Tag)
	binary.LittleEndian.PutUint64(buf[1:9], cr.Features)
	binary.LittleEndian.PutUint32(buf[9:13], cr.GlobalSeq)
	binary.LittleEndian.PutUint32(buf[13:17], cr.ConnectSeq)
	binary.LittleEndian.PutUint32(buf[17:21], cr.ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[21:25], cr.AuthorizerLen)
	buf[25] = cr.Flags

	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != ConnectReplyWireLen {
		return fmt.Errorf("wire: wrote %d connect_reply octets instead of %d", n, ConnectReplyWireLen)
	}
	return nil
}

func (cr *ConnectReply) Unmarshal(r io.Reader) error {
	buf := make([]byte, ConnectReplyWireLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}

	cr.Tag = Tag(buf[0])
	cr.Features = binary.LittleEndian.Uint64(buf[1:9])
	cr.GlobalSeq = binary.LittleEndian.Uint32(buf[9:13])
	cr.ConnectSeq = binary.LittleEndian.Uint32(buf[13:17])
	cr.ProtocolVersion = binary.LittleEndian.Uint32(buf[17:21])
	cr.AuthorizerLen = binary.LittleEndian.Uint32(buf[21:25])
	cr.Flags = buf[25]
	return nil
}

// WriteAuthorizer writes raw authorizer bytes following a Connect or
// ConnectReply record.
func WriteAuthorizer(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("wire: wrote %d authorizer octets instead of %d", n, len(b))
	}
	return nil
}

// ReadAuthorizer reads n raw authorizer bytes.
func ReadAuthorizer(r io.Reader, n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
