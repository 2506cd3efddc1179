package msgr

import (
	"bufio"
	"fmt"
	"net"

	"github.com/cephmsgr/go-msgr/internal/wire"
)

// exchangeBanners performs the symmetric first step of the handshake on
// both the server and client role: send the banner, own address, and the
// address believed observed for the peer; then read the same triple back
// (spec.md §4.2.1 steps 1-2, §4.2.2 "exchange banners and addresses").
func exchangeBanners(br *bufio.Reader, bw *bufio.Writer, ownAddr, peerObserved wire.Address) (peerOwnAddr, myObservedAddr wire.Address, err error) {
	if err = wire.WriteBanner(bw); err != nil {
		return
	}
	if err = ownAddr.Marshal(bw); err != nil {
		return
	}
	if err = peerObserved.Marshal(bw); err != nil {
		return
	}
	if err = bw.Flush(); err != nil {
		return
	}

	if err = wire.ReadBanner(br); err != nil {
		err = fmt.Errorf("%w: %v", ErrBadBanner, err)
		return
	}
	if err = peerOwnAddr.Unmarshal(br); err != nil {
		return
	}
	if err = myObservedAddr.Unmarshal(br); err != nil {
		return
	}

	if myObservedAddr.IsBlank() {
		patched := ownAddr
		patched.Port = myObservedAddr.Port
		myObservedAddr = patched
	}
	return
}

// socketObservedAddr builds a wire.Address for conn's remote end, used as
// the "peer's socket-observed address" half of the banner exchange.
func socketObservedAddr(conn net.Conn, nonce uint32) wire.Address {
	host, port := splitHostPort(conn.RemoteAddr())
	fam, bytes := familyAndBytes(host)
	return wire.Address{Family: fam, Port: port, Bytes: bytes, Nonce: nonce}
}

func splitHostPort(addr net.Addr) (net.IP, uint16) {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP, uint16(tcp.Port)
	}
	return nil, 0
}

func familyAndBytes(ip net.IP) (wire.Family, [16]byte) {
	var b [16]byte
	if ip == nil {
		return wire.FamilyNone, b
	}
	if v4 := ip.To4(); v4 != nil {
		copy(b[:4], v4)
		return wire.FamilyIPv4, b
	}
	copy(b[:], ip.To16())
	return wire.FamilyIPv6, b
}
