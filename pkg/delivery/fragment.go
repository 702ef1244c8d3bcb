package delivery

import (
	"fmt"

	"github.com/embernet/ember/pkg/codec"
)

// noAck marks the absence of a piggybacked ACK index.
const noAck = ^uint64(0)

// fragmentHeaderMax is the metadata budget per fragment per spec.md §6:
// mode tag, parcel sequence, fragment index, last-fragment flag and (for
// RELIABLE) the ACK piggyback field, all within 15 bytes.
const fragmentHeaderMax = 15

// Fragment is one wire-visible chunk of a parcel inside a PAYLOAD body.
//
// The ACK piggyback format is left open by spec.md §9 ("free to choose
// any bit-exact scheme within the 15-byte budget, provided both ends
// match"). Since each bus's two directions keep independent parcel
// sequence spaces, an ack must name both the acked parcel and the
// highest contiguously-received fragment index within it; RELIABLE
// fragments carry that as an optional (AckParcelSeq, AckIndex) pair
// behind a one-byte presence flag.
type Fragment struct {
	Mode           Mode
	ParcelSeq      uint64
	Index          uint64
	Last           bool
	TotalFragments uint64 // only meaningful, and only encoded, when Index == 0
	Bytes          []byte

	// RELIABLE only. AckIndex == noAck means no ack is piggybacked.
	AckParcelSeq uint64
	AckIndex     uint64
}

// Encode appends the wire form of f to dst and returns the result.
func (f Fragment) Encode(dst []byte) []byte {
	lastBit := byte(0)
	if f.Last {
		lastBit = 1
	}
	modeByte := byte(f.Mode) | lastBit<<2
	dst = append(dst, modeByte)
	dst = codec.AppendPackedUint(dst, f.ParcelSeq)
	dst = codec.AppendPackedUint(dst, f.Index)
	if f.Index == 0 {
		dst = codec.AppendPackedUint(dst, f.TotalFragments)
	}
	dst = codec.AppendPackedUint(dst, uint64(len(f.Bytes)))
	dst = append(dst, f.Bytes...)
	if f.Mode == Reliable {
		if f.AckIndex == noAck {
			dst = append(dst, 0)
		} else {
			dst = append(dst, 1)
			dst = codec.AppendPackedUint(dst, f.AckParcelSeq)
			dst = codec.AppendPackedUint(dst, f.AckIndex)
		}
	}
	return dst
}

// DecodeFragment parses one fragment from the front of buf, returning the
// fragment and the number of bytes consumed.
func DecodeFragment(buf []byte) (Fragment, int, error) {
	if len(buf) < 1 {
		return Fragment{}, 0, fmt.Errorf("delivery: fragment header truncated")
	}
	modeByte := buf[0]
	mode := Mode(modeByte & 0x3)
	if !mode.Valid() {
		return Fragment{}, 0, fmt.Errorf("delivery: bad fragment mode %d", modeByte&0x3)
	}
	last := modeByte&(1<<2) != 0
	off := 1

	parcelSeq, n, err := codec.DecodePackedUint(buf[off:])
	if err != nil {
		return Fragment{}, 0, fmt.Errorf("delivery: parcel sequence: %w", err)
	}
	off += n

	index, n, err := codec.DecodePackedUint(buf[off:])
	if err != nil {
		return Fragment{}, 0, fmt.Errorf("delivery: fragment index: %w", err)
	}
	off += n

	var total uint64
	if index == 0 {
		total, n, err = codec.DecodePackedUint(buf[off:])
		if err != nil {
			return Fragment{}, 0, fmt.Errorf("delivery: total fragments: %w", err)
		}
		off += n
	}

	length, n, err := codec.DecodePackedUint(buf[off:])
	if err != nil {
		return Fragment{}, 0, fmt.Errorf("delivery: fragment length: %w", err)
	}
	off += n
	if length > uint64(len(buf)-off) {
		return Fragment{}, 0, fmt.Errorf("delivery: fragment length %d exceeds remaining %d", length, len(buf)-off)
	}
	body := buf[off : off+int(length)]
	off += int(length)

	f := Fragment{
		Mode:           mode,
		ParcelSeq:      parcelSeq,
		Index:          index,
		Last:           last,
		TotalFragments: total,
		Bytes:          body,
		AckIndex:       noAck,
	}

	if mode == Reliable {
		if off >= len(buf) {
			return Fragment{}, 0, fmt.Errorf("delivery: missing ack presence byte")
		}
		present := buf[off]
		off++
		if present != 0 {
			f.AckParcelSeq, n, err = codec.DecodePackedUint(buf[off:])
			if err != nil {
				return Fragment{}, 0, fmt.Errorf("delivery: ack parcel seq: %w", err)
			}
			off += n
			f.AckIndex, n, err = codec.DecodePackedUint(buf[off:])
			if err != nil {
				return Fragment{}, 0, fmt.Errorf("delivery: ack index: %w", err)
			}
			off += n
		}
	}

	return f, off, nil
}
