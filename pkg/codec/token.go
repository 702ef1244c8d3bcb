package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/embernet/ember/pkg/crypto"
)

// ErrTokenExpired is returned by DecodePublic when now is past the token's
// expire timestamp.
var ErrTokenExpired = errors.New("codec: connect token expired")

// ErrBadVersion is returned by DecodePublic when the token's version tag
// doesn't match Version.
var ErrBadVersion = errors.New("codec: bad connect token version")

// Wire layout constants for the 2048-byte connect token. See
// EncodeToken/DecodePublic/DecodePrivate for field semantics.
const (
	TokenSize = 2048

	versionOffset  = 0
	versionSize    = 13
	protoIDOffset  = 13
	protoIDSize    = 8
	createOffset   = 21
	createSize     = 8
	expireOffset   = 29
	expireSize     = 8
	nonceOffset    = 37
	nonceSize      = 24
	privateOffset  = 61
	privateSize    = 1024 // ciphertext + tag
	privatePlainSz = privateSize - crypto.TagSize
	c2sKeyOffset   = 1984
	s2cKeyOffset   = 2016

	// MaxTokenAddresses is the maximum number of server addresses a token
	// may carry.
	MaxTokenAddresses = 32
	// UserDataSize is the fixed size of the opaque user-data blob carried
	// inside the private section.
	UserDataSize = 256
)

// Version is the 13-byte wire version tag, including its trailing NUL.
var Version = [versionSize]byte{'N', 'E', 'T', 'C', 'O', 'D', 'E', ' ', '1', '.', '0', '2', 0}

// TokenNonce is the 24-byte public nonce carried in a connect token. Only
// its first crypto.NonceSize bytes feed the AEAD nonce derivation; the rest
// exists purely so the full value is unique enough to double as a replay key.
type TokenNonce [nonceSize]byte

// PrivateToken is the plaintext contents of a connect token's private
// section, before AEAD sealing.
type PrivateToken struct {
	ClientID        int64
	TimeoutSeconds  int32 // negative means no idle timeout
	Addresses       []netip.AddrPort
	ClientToServer  crypto.Key
	ServerToClient  crypto.Key
	UserData        [UserDataSize]byte
}

// Token is a decoded connect token.
type Token struct {
	ProtocolID uint64
	CreateTime time.Time
	ExpireTime time.Time
	Nonce      TokenNonce
	Private    PrivateToken
}

func aeadNonceFromTokenNonce(n TokenNonce) crypto.Nonce {
	var out crypto.Nonce
	copy(out[:], n[:crypto.NonceSize])
	return out
}

func tokenAssociatedData(protocolID uint64, expireMS uint64) []byte {
	ad := make([]byte, 0, versionSize+8+8)
	ad = append(ad, Version[:]...)
	ad = appendUint64LE(ad, protocolID)
	ad = appendUint64LE(ad, expireMS)
	return ad
}

func appendUint64LE(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// encodePrivate serializes p, a token's private section, into its fixed-size
// plaintext layout, zero-padded to privatePlainSz bytes.
func encodePrivate(p PrivateToken) ([]byte, error) {
	if len(p.Addresses) == 0 {
		return nil, fmt.Errorf("codec: connect token must carry at least one address")
	}
	if len(p.Addresses) > MaxTokenAddresses {
		return nil, fmt.Errorf("codec: connect token carries %d addresses, max %d", len(p.Addresses), MaxTokenAddresses)
	}

	buf := make([]byte, 0, privatePlainSz)
	var cid [8]byte
	binary.LittleEndian.PutUint64(cid[:], uint64(p.ClientID))
	buf = append(buf, cid[:]...)

	var to [4]byte
	binary.LittleEndian.PutUint32(to[:], uint32(p.TimeoutSeconds))
	buf = append(buf, to[:]...)

	buf = append(buf, byte(len(p.Addresses)))
	for _, a := range p.Addresses {
		var err error
		buf, err = AppendAddress(buf, a)
		if err != nil {
			return nil, err
		}
	}
	buf = append(buf, p.ClientToServer[:]...)
	buf = append(buf, p.ServerToClient[:]...)
	buf = append(buf, p.UserData[:]...)

	if len(buf) > privatePlainSz {
		return nil, fmt.Errorf("codec: private section overflow: %d > %d", len(buf), privatePlainSz)
	}
	out := make([]byte, privatePlainSz)
	copy(out, buf)
	return out, nil
}

func decodePrivate(plain []byte) (PrivateToken, error) {
	if len(plain) < 8+4+1 {
		return PrivateToken{}, ErrTruncated
	}
	var p PrivateToken
	p.ClientID = int64(binary.LittleEndian.Uint64(plain[0:8]))
	p.TimeoutSeconds = int32(binary.LittleEndian.Uint32(plain[8:12]))
	count := int(plain[12])
	if count == 0 {
		return PrivateToken{}, fmt.Errorf("codec: connect token has zero addresses")
	}
	if count > MaxTokenAddresses {
		return PrivateToken{}, fmt.Errorf("codec: connect token claims %d addresses, max %d", count, MaxTokenAddresses)
	}
	off := 13
	for i := 0; i < count; i++ {
		addr, n, err := DecodeAddress(plain[off:])
		if err != nil {
			return PrivateToken{}, fmt.Errorf("codec: decode address %d: %w", i, err)
		}
		p.Addresses = append(p.Addresses, addr)
		off += n
	}
	if off+crypto.KeySize*2+UserDataSize > len(plain) {
		return PrivateToken{}, ErrTruncated
	}
	copy(p.ClientToServer[:], plain[off:off+crypto.KeySize])
	off += crypto.KeySize
	copy(p.ServerToClient[:], plain[off:off+crypto.KeySize])
	off += crypto.KeySize
	copy(p.UserData[:], plain[off:off+UserDataSize])
	return p, nil
}

// EncodeToken writes tok into a fresh 2048-byte buffer, sealing the private
// section under serverKey. nonce should be freshly random per token.
func EncodeToken(tok Token, serverKey crypto.Key) ([]byte, error) {
	buf := make([]byte, TokenSize)
	copy(buf[versionOffset:], Version[:])

	binary.LittleEndian.PutUint64(buf[protoIDOffset:], tok.ProtocolID)
	createMS := uint64(tok.CreateTime.UnixMilli())
	expireMS := uint64(tok.ExpireTime.UnixMilli())
	binary.LittleEndian.PutUint64(buf[createOffset:], createMS)
	binary.LittleEndian.PutUint64(buf[expireOffset:], expireMS)
	copy(buf[nonceOffset:], tok.Nonce[:])

	plain, err := encodePrivate(tok.Private)
	if err != nil {
		return nil, err
	}
	ad := tokenAssociatedData(tok.ProtocolID, expireMS)
	sealed, err := crypto.Seal(nil, plain, serverKey, aeadNonceFromTokenNonce(tok.Nonce), ad)
	if err != nil {
		return nil, fmt.Errorf("codec: seal private section: %w", err)
	}
	if len(sealed) != privateSize {
		return nil, fmt.Errorf("codec: sealed private section is %d bytes, want %d", len(sealed), privateSize)
	}
	copy(buf[privateOffset:], sealed)

	copy(buf[c2sKeyOffset:], tok.Private.ClientToServer[:])
	copy(buf[s2cKeyOffset:], tok.Private.ServerToClient[:])
	return buf, nil
}

// DecodePublic validates and extracts the public fields of a token without
// touching the private section. It fails fast on a bad version tag or an
// already-expired token, per the protocol engine's request-acceptance rules.
func DecodePublic(buf []byte, now time.Time) (Token, error) {
	if len(buf) != TokenSize {
		return Token{}, fmt.Errorf("codec: connect token is %d bytes, want %d", len(buf), TokenSize)
	}
	if string(buf[versionOffset:versionOffset+versionSize]) != string(Version[:]) {
		return Token{}, ErrBadVersion
	}
	var tok Token
	tok.ProtocolID = binary.LittleEndian.Uint64(buf[protoIDOffset:])
	tok.CreateTime = time.UnixMilli(int64(binary.LittleEndian.Uint64(buf[createOffset:])))
	expireMS := binary.LittleEndian.Uint64(buf[expireOffset:])
	tok.ExpireTime = time.UnixMilli(int64(expireMS))
	copy(tok.Nonce[:], buf[nonceOffset:nonceOffset+nonceSize])

	if now.After(tok.ExpireTime) {
		return Token{}, fmt.Errorf("%w at %v", ErrTokenExpired, tok.ExpireTime)
	}
	return tok, nil
}

// DecodePrivate decrypts and parses the private section of a token already
// validated by DecodePublic. A tag mismatch returns crypto.ErrCryptoFailed
// without revealing any partial plaintext.
func DecodePrivate(buf []byte, pub Token, serverKey crypto.Key) (PrivateToken, error) {
	if len(buf) != TokenSize {
		return PrivateToken{}, fmt.Errorf("codec: connect token is %d bytes, want %d", len(buf), TokenSize)
	}
	sealed := buf[privateOffset : privateOffset+privateSize]
	expireMS := uint64(pub.ExpireTime.UnixMilli())
	ad := tokenAssociatedData(pub.ProtocolID, expireMS)
	plain, err := crypto.Open(nil, sealed, serverKey, aeadNonceFromTokenNonce(pub.Nonce), ad)
	if err != nil {
		return PrivateToken{}, err
	}
	return decodePrivate(plain)
}
