package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// crc32cTable is the CRC32C (Castagnoli) polynomial table, matching the
// teacher's own use of crc32.MakeTable(crc32.Castagnoli) for bundle block
// CRCs (bundle/crc.go) — the spec calls for the same polynomial here.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the CRC32C checksum of b.
func CRC32C(b []byte) uint32 {
	return crc32.Checksum(b, crc32cTable)
}

// FooterFlag bits live in Footer.Flags.
type FooterFlag uint8

const (
	// FooterComplete marks a footer as terminating a fully-received
	// message. Its absence means the message was aborted mid-stream
	// (spec.md §4.3 step 4).
	FooterComplete FooterFlag = 0x01
)

// Header is the canonical, in-memory representation of a message header,
// translated from either of the two wire layouts (old/NOSRCADDR, new) during
// decode (spec.md §3, §4.3, §6).
type Header struct {
	Seq        uint64
	Tid        uint64
	Type       uint16
	Priority   int32
	FrontLen   uint32
	MiddleLen  uint32
	DataLen    uint32
	DataOff    uint32
	Src        uint64
	CRC        uint32
}

// headerBodyLenOld/headerBodyLenNew are the sizes of a Header excluding the
// CRC field itself, used both for the "old" (NOSRCADDR) and "new" layouts;
// the new layout simply carries the Src field, the old layout omits it.
const (
	headerBodyLenOld = 8 + 8 + 2 + 4 + 4 + 4 + 4 + 4 // seq,tid,type,pri,front,middle,data,dataoff
	headerBodyLenNew = headerBodyLenOld + 8          // + src
)

// MarshalHeader encodes h using the new layout (src address carried) unless
// noSrcAddr requests the legacy, address-less layout.
func MarshalHeader(w io.Writer, h Header, noSrcAddr bool) error {
	bodyLen := headerBodyLenNew
	if noSrcAddr {
		bodyLen = headerBodyLenOld
	}
	buf := make([]byte, bodyLen)

	binary.LittleEndian.PutUint64(buf[0:8], h.Seq)
	binary.LittleEndian.PutUint64(buf[8:16], h.Tid)
	binary.LittleEndian.PutUint16(buf[16:18], h.Type)
	binary.LittleEndian.PutUint32(buf[18:22], uint32(h.Priority))
	binary.LittleEndian.PutUint32(buf[22:26], h.FrontLen)
	binary.LittleEndian.PutUint32(buf[26:30], h.MiddleLen)
	binary.LittleEndian.PutUint32(buf[30:34], h.DataLen)
	binary.LittleEndian.PutUint32(buf[34:38], h.DataOff)
	if !noSrcAddr {
		binary.LittleEndian.PutUint64(buf[38:46], h.Src)
	}

	crc := CRC32C(buf)

	if _, err := w.Write(buf); err != nil {
		return err
	}
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	if _, err := w.Write(crcBuf[:]); err != nil {
		return err
	}
	return nil
}

// UnmarshalHeader decodes a Header in the layout selected by noSrcAddr and
// verifies its CRC.
func UnmarshalHeader(r io.Reader, noSrcAddr bool) (Header, error) {
	bodyLen := headerBodyLenNew
	if noSrcAddr {
		bodyLen = headerBodyLenOld
	}
	buf := make([]byte, bodyLen+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}

	body := buf[:bodyLen]
	wantCRC := binary.LittleEndian.Uint32(buf[bodyLen:])
	if gotCRC := CRC32C(body); gotCRC != wantCRC {
		return Header{}, fmt.Errorf("wire: header CRC mismatch: got %#x want %#x", gotCRC, wantCRC)
	}

	var h Header
	h.Seq = binary.LittleEndian.Uint64(body[0:8])
	h.Tid = binary.LittleEndian.Uint64(body[8:16])
	h.Type = binary.LittleEndian.Uint16(body[16:18])
	h.Priority = int32(binary.LittleEndian.Uint32(body[18:22]))
	h.FrontLen = binary.LittleEndian.Uint32(body[22:26])
	h.MiddleLen = binary.LittleEndian.Uint32(body[26:30])
	h.DataLen = binary.LittleEndian.Uint32(body[30:34])
	h.DataOff = binary.LittleEndian.Uint32(body[34:38])
	if !noSrcAddr {
		h.Src = binary.LittleEndian.Uint64(body[38:46])
	}
	h.CRC = wantCRC
	return h, nil
}

// Footer is the canonical, in-memory representation of a message footer,
// translated from either of the two wire layouts (old/MSG_AUTH, new) during
// decode.
type Footer struct {
	FrontCRC  uint32
	MiddleCRC uint32
	DataCRC   uint32
	Sig       uint64
	Flags     FooterFlag
}

const (
	footerBodyLenOld = 4 + 4 + 4 + 1 // front,middle,data crcs + flags
	footerBodyLenNew = footerBodyLenOld + 8
)

// MarshalFooter encodes f using the new layout (signature carried) unless
// noMsgAuth requests the legacy, signature-less layout.
func MarshalFooter(w io.Writer, f Footer, noMsgAuth bool) error {
	bodyLen := footerBodyLenNew
	if noMsgAuth {
		bodyLen = footerBodyLenOld
	}
	buf := make([]byte, bodyLen)

	binary.LittleEndian.PutUint32(buf[0:4], f.FrontCRC)
	binary.LittleEndian.PutUint32(buf[4:8], f.MiddleCRC)
	binary.LittleEndian.PutUint32(buf[8:12], f.DataCRC)
	if noMsgAuth {
		buf[12] = byte(f.Flags)
	} else {
		binary.LittleEndian.PutUint64(buf[12:20], f.Sig)
		buf[20] = byte(f.Flags)
	}

	_, err := w.Write(buf)
	return err
}

// UnmarshalFooter decodes a Footer in the layout selected by noMsgAuth.
func UnmarshalFooter(r io.Reader, noMsgAuth bool) (Footer, error) {
	bodyLen := footerBodyLenNew
	if noMsgAuth {
		bodyLen = footerBodyLenOld
	}
	buf := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Footer{}, err
	}

	var f Footer
	f.FrontCRC = binary.LittleEndian.Uint32(buf[0:4])
	f.MiddleCRC = binary.LittleEndian.Uint32(buf[4:8])
	f.DataCRC = binary.LittleEndian.Uint32(buf[8:12])
	if noMsgAuth {
		f.Flags = FooterFlag(buf[12])
	} else {
		f.Sig = binary.LittleEndian.Uint64(buf[12:20])
		f.Flags = FooterFlag(buf[20])
	}
	return f, nil
}

// Aborted reports whether the footer's COMPLETE flag is absent, meaning the
// message body was not fully received (spec.md §4.3 step 4).
func (f Footer) Aborted() bool {
	return f.Flags&FooterComplete == 0
}
