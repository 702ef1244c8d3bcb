package codec

import "fmt"

// PacketType is the 4-bit type tag in a packet header's prefix byte.
type PacketType uint8

const (
	PacketRequest PacketType = iota
	PacketDenied
	PacketChallenge
	PacketResponse
	PacketKeepAlive
	PacketPayload
	PacketDisconnect
)

func (t PacketType) String() string {
	switch t {
	case PacketRequest:
		return "REQUEST"
	case PacketDenied:
		return "DENIED"
	case PacketChallenge:
		return "CHALLENGE"
	case PacketResponse:
		return "RESPONSE"
	case PacketKeepAlive:
		return "KEEP-ALIVE"
	case PacketPayload:
		return "PAYLOAD"
	case PacketDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("PacketType(%d)", uint8(t))
	}
}

// Header is a decoded packet header: type tag plus (for every type except
// REQUEST) a little-endian sequence number of 1-8 bytes.
type Header struct {
	Type     PacketType
	SeqLen   uint8 // 0 for REQUEST
	Sequence uint64
}

// sequenceLen returns the minimal number of bytes (1-8) needed to hold seq.
func sequenceLen(seq uint64) uint8 {
	n := uint8(1)
	for v := seq >> 8; v != 0; v >>= 8 {
		n++
	}
	return n
}

// AppendHeader appends the wire encoding of h to dst: one prefix byte
// T|L (type in the low nibble, sequence byte-length in the high nibble),
// followed by L little-endian bytes of sequence. REQUEST headers are the
// sentinel single byte 0 with no sequence field.
func AppendHeader(dst []byte, typ PacketType, seq uint64) []byte {
	if typ == PacketRequest {
		return append(dst, 0)
	}
	n := sequenceLen(seq)
	dst = append(dst, byte(typ)|(n<<4))
	for i := uint8(0); i < n; i++ {
		dst = append(dst, byte(seq>>(8*i)))
	}
	return dst
}

// HeaderLen returns the number of bytes AppendHeader would write.
func HeaderLen(typ PacketType, seq uint64) int {
	if typ == PacketRequest {
		return 1
	}
	return 1 + int(sequenceLen(seq))
}

// DecodeHeader decodes a header from the front of b, returning the header
// and the number of bytes consumed.
func DecodeHeader(b []byte) (Header, int, error) {
	if len(b) < 1 {
		return Header{}, 0, ErrTruncated
	}
	prefix := b[0]
	if prefix == 0 {
		return Header{Type: PacketRequest}, 1, nil
	}
	typ := PacketType(prefix & 0x0f)
	if typ == PacketRequest {
		return Header{}, 0, fmt.Errorf("codec: non-sentinel header byte %#x claims type REQUEST", prefix)
	}
	n := prefix >> 4
	if n == 0 || n > 8 {
		return Header{}, 0, fmt.Errorf("codec: invalid sequence length %d in header byte %#x", n, prefix)
	}
	if len(b) < 1+int(n) {
		return Header{}, 0, ErrTruncated
	}
	var seq uint64
	for i := uint8(0); i < n; i++ {
		seq |= uint64(b[1+i]) << (8 * i)
	}
	return Header{Type: typ, SeqLen: n, Sequence: seq}, 1 + int(n), nil
}
