package codec

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	addressTypeIPv4 = 1
	addressTypeIPv6 = 2
)

// AppendAddress appends the wire encoding of addr: a one-byte type tag
// (1=IPv4, 2=IPv6), the raw address bytes, then a little-endian u16 port.
func AppendAddress(dst []byte, addr netip.AddrPort) ([]byte, error) {
	a := addr.Addr()
	switch {
	case a.Is4():
		dst = append(dst, addressTypeIPv4)
		b := a.As4()
		dst = append(dst, b[:]...)
	case a.Is6():
		dst = append(dst, addressTypeIPv6)
		b := a.As16()
		dst = append(dst, b[:]...)
	default:
		return nil, fmt.Errorf("codec: address %v is neither IPv4 nor IPv6", addr)
	}
	var port [2]byte
	binary.LittleEndian.PutUint16(port[:], addr.Port())
	return append(dst, port[:]...), nil
}

// DecodeAddress decodes an address from the front of b, returning the
// decoded AddrPort and the number of bytes consumed.
func DecodeAddress(b []byte) (netip.AddrPort, int, error) {
	if len(b) < 1 {
		return netip.AddrPort{}, 0, ErrTruncated
	}
	switch b[0] {
	case addressTypeIPv4:
		if len(b) < 1+4+2 {
			return netip.AddrPort{}, 0, ErrTruncated
		}
		var raw [4]byte
		copy(raw[:], b[1:5])
		port := binary.LittleEndian.Uint16(b[5:7])
		return netip.AddrPortFrom(netip.AddrFrom4(raw), port), 7, nil
	case addressTypeIPv6:
		if len(b) < 1+16+2 {
			return netip.AddrPort{}, 0, ErrTruncated
		}
		var raw [16]byte
		copy(raw[:], b[1:17])
		port := binary.LittleEndian.Uint16(b[17:19])
		return netip.AddrPortFrom(netip.AddrFrom16(raw), port), 19, nil
	default:
		return netip.AddrPort{}, 0, fmt.Errorf("codec: unknown address type %d", b[0])
	}
}

// AddressWireLen returns the number of bytes DecodeAddress/AppendAddress
// would use for addr.
func AddressWireLen(addr netip.Addr) int {
	if addr.Is4() {
		return 7
	}
	return 19
}
