package protocol

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/embernet/ember/pkg/crypto"
	"github.com/embernet/ember/pkg/packet"
)

// ChallengeRotationInterval is the rotation period for a ChallengeKeyring.
// A RESPONSE is accepted under either the current or the immediately
// previous key, so a CHALLENGE issued just before rotation still
// completes. Nothing in this module calls Rotate on a timer: a Server
// keeps the key minted by NewServer unless its owner calls Rotate.
const ChallengeRotationInterval = 10 * time.Second

// ChallengeKeyring holds the server's current and previous challenge keys.
type ChallengeKeyring struct {
	mu   sync.RWMutex
	cur  crypto.Key
	prev crypto.Key
	seq  uint64
}

// NewChallengeKeyring returns a keyring seeded with a fresh random key.
func NewChallengeKeyring() (*ChallengeKeyring, error) {
	k, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &ChallengeKeyring{cur: k}, nil
}

// Rotate replaces the previous key with the current one and mints a new
// current key. Call this on a platform timer every ChallengeRotationInterval.
func (r *ChallengeKeyring) Rotate() error {
	k, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.prev = r.cur
	r.cur = k
	r.mu.Unlock()
	return nil
}

// nextSequence returns a fresh, monotonically increasing sequence to use
// as the challenge token's own AEAD nonce basis (independent of any packet
// sequence, since a re-sent CHALLENGE for a duplicate REQUEST must reuse
// the same encrypted token rather than mint a new one).
func (r *ChallengeKeyring) nextSequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

// Seal encrypts {clientID, userData} under the current key, keyed by a
// fresh sequence.
func (r *ChallengeKeyring) Seal(clientID int64, userData [256]byte) (packet.Challenge, error) {
	seq := r.nextSequence()
	plain := make([]byte, 8+256)
	binary.LittleEndian.PutUint64(plain[:8], uint64(clientID))
	copy(plain[8:], userData[:])

	r.mu.RLock()
	key := r.cur
	r.mu.RUnlock()

	sealed, err := crypto.Seal(nil, plain, key, crypto.MakeNonce(seq), nil)
	if err != nil {
		return packet.Challenge{}, err
	}
	var c packet.Challenge
	c.TokenSequence = seq
	copy(c.TokenData[:], sealed)
	return c, nil
}

// Open decrypts a challenge token's {clientID, userData}, trying the
// current key and falling back to the previous one.
func (r *ChallengeKeyring) Open(seq uint64, data [packet.ChallengeTokenSize]byte) (clientID int64, userData [256]byte, err error) {
	r.mu.RLock()
	cur, prev := r.cur, r.prev
	r.mu.RUnlock()

	nonce := crypto.MakeNonce(seq)
	plain, err := crypto.Open(nil, data[:], cur, nonce, nil)
	if err != nil {
		plain, err = crypto.Open(nil, data[:], prev, nonce, nil)
		if err != nil {
			return 0, userData, crypto.ErrCryptoFailed
		}
	}
	clientID = int64(binary.LittleEndian.Uint64(plain[:8]))
	copy(userData[:], plain[8:])
	return clientID, userData, nil
}
