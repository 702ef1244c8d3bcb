package packet

import (
	"fmt"

	"github.com/embernet/ember/pkg/codec"
	"github.com/embernet/ember/pkg/crypto"
)

// Envelope seals a plaintext packet body in place: associated data is
// version||protocol_id||header[0] per the framing design, and the AEAD
// nonce is derived from the packet's own sequence number. When body's
// backing array has room for the tag, the returned slice reuses it, so
// callers that pre-size their buffer avoid a copy; otherwise it is a
// newly allocated slice.
func Envelope(body []byte, header codec.Header, headerPrefix byte, protocolID uint64, key crypto.Key) ([]byte, error) {
	ad := associatedData(headerPrefix, protocolID)
	nonce := crypto.MakeNonce(header.Sequence)
	sealed, err := crypto.Seal(body[:0], body, key, nonce, ad)
	if err != nil {
		return nil, fmt.Errorf("packet: seal body: %w", err)
	}
	return sealed, nil
}

// OpenEnvelope authenticates and decrypts a sealed packet body. A tag
// mismatch returns crypto.ErrCryptoFailed; per the replay-protection
// invariant, callers must have already passed the sequence through replay
// checking before calling this, since a failed AEAD open must not itself
// advance replay state.
func OpenEnvelope(sealed []byte, header codec.Header, headerPrefix byte, protocolID uint64, key crypto.Key) ([]byte, error) {
	ad := associatedData(headerPrefix, protocolID)
	nonce := crypto.MakeNonce(header.Sequence)
	plain, err := crypto.Open(nil, sealed, key, nonce, ad)
	if err != nil {
		return nil, err
	}
	return plain, nil
}

func associatedData(headerPrefix byte, protocolID uint64) []byte {
	ad := make([]byte, 0, len(codec.Version)+8+1)
	ad = append(ad, codec.Version[:]...)
	ad = appendUint64LE(ad, protocolID)
	ad = append(ad, headerPrefix)
	return ad
}

// Encode builds a complete wire packet: header, plaintext body, then (for
// every type except REQUEST) seals the body in place and appends the tag.
// For REQUEST, the body already is opaque connect-token material and is
// appended verbatim with no further envelope.
func Encode(dst []byte, typ codec.PacketType, sequence uint64, protocolID uint64, key crypto.Key, body []byte) ([]byte, error) {
	headerStart := len(dst)
	dst = codec.AppendHeader(dst, typ, sequence)
	headerPrefix := dst[headerStart]

	if typ == codec.PacketRequest {
		return append(dst, body...), nil
	}

	bodyStart := len(dst)
	dst = append(dst, body...)
	plain := dst[bodyStart:]
	header := codec.Header{Type: typ, Sequence: sequence}
	sealed, err := Envelope(plain, header, headerPrefix, protocolID, key)
	if err != nil {
		return nil, err
	}
	return append(dst[:bodyStart], sealed...), nil
}

// Decode splits a wire packet into its header and decrypted body. REQUEST
// packets return their body unmodified (still opaque token bytes); every
// other type is opened via OpenEnvelope.
func Decode(wire []byte, protocolID uint64, key crypto.Key) (codec.Header, []byte, error) {
	header, n, err := codec.DecodeHeader(wire)
	if err != nil {
		return codec.Header{}, nil, err
	}
	body := wire[n:]
	if header.Type == codec.PacketRequest {
		return header, body, nil
	}
	plain, err := OpenEnvelope(body, header, wire[0], protocolID, key)
	if err != nil {
		return codec.Header{}, nil, err
	}
	return header, plain, nil
}
