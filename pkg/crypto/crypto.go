// Package crypto implements the AEAD envelope, checksum and random number
// primitives the rest of ember builds on. It wraps ChaCha20-Poly1305 rather
// than rolling a cipher, and never exposes a knob that would let a caller
// pick a non-constant-time primitive.
package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the size in bytes of an AEAD key.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the size in bytes of an AEAD nonce.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the size in bytes of the AEAD authentication tag appended
	// to every ciphertext.
	TagSize = chacha20poly1305.Overhead
)

// Key is a 32-byte symmetric AEAD key.
type Key [KeySize]byte

// Nonce is a 12-byte AEAD nonce.
type Nonce [NonceSize]byte

// MakeNonce forms the wire nonce for a given per-direction sequence number:
// 4 zero bytes followed by the 8-byte little-endian sequence.
func MakeNonce(sequence uint64) Nonce {
	var n Nonce
	for i := 0; i < 8; i++ {
		n[4+i] = byte(sequence >> (8 * i))
	}
	return n
}

// Seal encrypts plain and appends ciphertext||tag to dst, returning the
// extended slice; dst is grown if it lacks len(plain)+TagSize spare capacity.
// dst and plain may overlap only if dst == plain[:0:cap(plain)]-style aliasing,
// matching the stdlib cipher.AEAD.Seal contract.
func Seal(dst, plain []byte, key Key, nonce Nonce, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("construct aead: %w", err)
	}
	return aead.Seal(dst, nonce[:], plain, associatedData), nil
}

// Open authenticates and decrypts sealed (ciphertext||tag), appending the
// plaintext to dst. It returns ErrCryptoFailed on any authentication failure
// rather than the underlying cipher error, so callers never branch on
// implementation-specific error values.
func Open(dst, sealed []byte, key Key, nonce Nonce, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("construct aead: %w", err)
	}
	plain, err := aead.Open(dst, nonce[:], sealed, associatedData)
	if err != nil {
		return nil, ErrCryptoFailed
	}
	return plain, nil
}

// Checksum computes a Blake2b-256 checksum over b, for framing that isn't
// already covered by an AEAD tag.
func Checksum(b []byte) [32]byte {
	return blake2b.Sum256(b)
}

// SecureRandom fills b with cryptographically secure random bytes.
func SecureRandom(b []byte) error {
	_, err := rand.Read(b)
	if err != nil {
		return fmt.Errorf("read random bytes: %w", err)
	}
	return nil
}

// GenerateKey returns a fresh random AEAD key.
func GenerateKey() (Key, error) {
	var k Key
	if err := SecureRandom(k[:]); err != nil {
		return Key{}, err
	}
	return k, nil
}
