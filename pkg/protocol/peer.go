package protocol

import (
	"net/netip"
	"time"

	"github.com/embernet/ember/pkg/crypto"
	"github.com/embernet/ember/pkg/packet"
)

// Peer is the protocol engine's per-remote-side state, on both the server
// (one per connected client) and the client (the single remote it talks
// to).
type Peer struct {
	Address netip.AddrPort

	ClientToServerKey crypto.Key
	ServerToClientKey crypto.Key

	SendSequence uint64
	RecvReplay   ReplayWindow

	LastRecv time.Time
	LastSend time.Time

	State          PeerState
	ClientID       int64
	TimeoutSeconds int32 // negative: no idle timeout

	// lastRequestNonce lets a duplicate REQUEST from an already-challenged
	// peer re-send the same CHALLENGE instead of re-allocating state.
	lastRequestNonce  [24]byte
	hasLastChallenge  bool
	lastChallenge     packet.Challenge

	// Endpoint is an opaque handle to this peer's delivery-engine state,
	// set by the API layer once it pairs a Peer with a delivery endpoint.
	// protocol never dereferences it, matching the session arena design:
	// the API layer is the only component that co-owns both halves.
	Endpoint any
}

// NextSendSequence allocates and returns the next outbound sequence number
// for this peer, which doubles as the AEAD nonce input for that direction.
func (p *Peer) NextSendSequence() uint64 {
	s := p.SendSequence
	p.SendSequence++
	return s
}

// Idle reports whether the peer has been idle for its negotiated timeout
// given the current wall-clock time. A negative TimeoutSeconds means no
// idle timeout applies.
func (p *Peer) Idle(now time.Time) bool {
	if p.TimeoutSeconds < 0 {
		return false
	}
	return now.Sub(p.LastRecv) >= time.Duration(p.TimeoutSeconds)*time.Second
}

// KeepAliveDue reports whether this peer needs a keep-alive sent to avoid
// looking idle to the other side, using the "no other packet sent within
// <=1/4 of the timeout" rule. A non-positive timeout never needs keep-alives.
func (p *Peer) KeepAliveDue(now time.Time) bool {
	if p.TimeoutSeconds <= 0 {
		return false
	}
	interval := time.Duration(p.TimeoutSeconds) * time.Second / 4
	return now.Sub(p.LastSend) >= interval
}
