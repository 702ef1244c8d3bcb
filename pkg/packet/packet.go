// Package packet implements the seven wire packet variants and the AEAD
// envelope that wraps every one of them except REQUEST.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/embernet/ember/pkg/codec"
	"github.com/embernet/ember/pkg/crypto"
)

// ErrMalformed marks a packet body that failed to decode. Per the error
// handling design, this is dropped silently at the packet boundary and
// never surfaced to the application.
var ErrMalformed = errors.New("packet: malformed body")

// ChallengeTokenSize is the size of an encrypted challenge token: an
// 8-byte client id plus a 256-byte user-data blob, sealed under the
// server's current challenge key.
const ChallengeTokenSize = 8 + codec.UserDataSize + crypto.TagSize

// Request is the client->server REQUEST body. It carries the entire
// connect token (public header plus sealed private section) exactly as
// the client received it; REQUEST bypasses the standard AEAD envelope
// because its payload is already encrypted connect-token material.
type Request struct {
	Token [codec.TokenSize]byte
}

func (r Request) Encode(dst []byte) []byte {
	return append(dst, r.Token[:]...)
}

func DecodeRequest(body []byte) (Request, error) {
	if len(body) != codec.TokenSize {
		return Request{}, fmt.Errorf("%w: request body is %d bytes, want %d", ErrMalformed, len(body), codec.TokenSize)
	}
	var r Request
	copy(r.Token[:], body)
	return r, nil
}

// DenialReason enumerates why a server refused a REQUEST.
type DenialReason uint8

const (
	DenialUnknown DenialReason = iota
	DenialBadVersion
	DenialProtocolMismatch
	DenialExpired
	DenialCryptoFailed
	DenialNoMatchingAddress
	DenialReplay
	DenialServerFull
)

func (r DenialReason) String() string {
	switch r {
	case DenialUnknown:
		return "UNKNOWN"
	case DenialBadVersion:
		return "BAD_VERSION"
	case DenialProtocolMismatch:
		return "PROTOCOL_MISMATCH"
	case DenialExpired:
		return "EXPIRED"
	case DenialCryptoFailed:
		return "CRYPTO_FAILED"
	case DenialNoMatchingAddress:
		return "NO_MATCHING_ADDRESS"
	case DenialReplay:
		return "REPLAY"
	case DenialServerFull:
		return "SERVER_FULL"
	default:
		return fmt.Sprintf("DenialReason(%d)", uint8(r))
	}
}

// Denied is the server->client DENIED body.
type Denied struct {
	Reason DenialReason
}

func (d Denied) Encode(dst []byte) []byte {
	return append(dst, byte(d.Reason))
}

func DecodeDenied(body []byte) (Denied, error) {
	if len(body) != 1 {
		return Denied{}, fmt.Errorf("%w: denied body is %d bytes, want 1", ErrMalformed, len(body))
	}
	return Denied{Reason: DenialReason(body[0])}, nil
}

// Challenge is the server->client CHALLENGE body: an encrypted challenge
// token plus the sequence used to derive its own, inner AEAD nonce
// (independent of the outer packet sequence, since challenge tokens may be
// re-sent verbatim for a duplicate REQUEST).
type Challenge struct {
	TokenSequence uint64
	TokenData     [ChallengeTokenSize]byte
}

func (c Challenge) Encode(dst []byte) []byte {
	dst = appendUint64LE(dst, c.TokenSequence)
	return append(dst, c.TokenData[:]...)
}

func DecodeChallenge(body []byte) (Challenge, error) {
	if len(body) != 8+ChallengeTokenSize {
		return Challenge{}, fmt.Errorf("%w: challenge body is %d bytes, want %d", ErrMalformed, len(body), 8+ChallengeTokenSize)
	}
	var c Challenge
	c.TokenSequence = binary.LittleEndian.Uint64(body[:8])
	copy(c.TokenData[:], body[8:])
	return c, nil
}

// Response is the client->server RESPONSE body: the client echoes back
// exactly what it received in the CHALLENGE.
type Response struct {
	TokenSequence uint64
	TokenData     [ChallengeTokenSize]byte
}

func (r Response) Encode(dst []byte) []byte {
	dst = appendUint64LE(dst, r.TokenSequence)
	return append(dst, r.TokenData[:]...)
}

func DecodeResponse(body []byte) (Response, error) {
	if len(body) != 8+ChallengeTokenSize {
		return Response{}, fmt.Errorf("%w: response body is %d bytes, want %d", ErrMalformed, len(body), 8+ChallengeTokenSize)
	}
	var r Response
	r.TokenSequence = binary.LittleEndian.Uint64(body[:8])
	copy(r.TokenData[:], body[8:])
	return r, nil
}

// KeepAlive carries the client id so the receiver can validate it's still
// talking to the peer it thinks it is. ServerTime carries the server's
// wall clock (Unix nanoseconds) on the server->client direction only, so
// the client can fold it into its clock-offset estimate per spec.md §4.8;
// it is always zero on the client->server direction and ignored there.
type KeepAlive struct {
	ClientID   int64
	ServerTime int64
}

func (k KeepAlive) Encode(dst []byte) []byte {
	dst = appendUint64LE(dst, uint64(k.ClientID))
	return appendUint64LE(dst, uint64(k.ServerTime))
}

func DecodeKeepAlive(body []byte) (KeepAlive, error) {
	if len(body) != 16 {
		return KeepAlive{}, fmt.Errorf("%w: keep-alive body is %d bytes, want 16", ErrMalformed, len(body))
	}
	return KeepAlive{
		ClientID:   int64(binary.LittleEndian.Uint64(body[:8])),
		ServerTime: int64(binary.LittleEndian.Uint64(body[8:])),
	}, nil
}

// Payload carries the raw delivery-engine fragment stream, opaque to the
// protocol layer.
type Payload struct {
	Fragments []byte
}

func (p Payload) Encode(dst []byte) []byte {
	return append(dst, p.Fragments...)
}

func DecodePayload(body []byte) (Payload, error) {
	return Payload{Fragments: body}, nil
}

// Disconnect carries no body.
type Disconnect struct{}

func (Disconnect) Encode(dst []byte) []byte { return dst }

func DecodeDisconnect(body []byte) (Disconnect, error) {
	if len(body) != 0 {
		return Disconnect{}, fmt.Errorf("%w: disconnect body is %d bytes, want 0", ErrMalformed, len(body))
	}
	return Disconnect{}, nil
}

func appendUint64LE(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}
