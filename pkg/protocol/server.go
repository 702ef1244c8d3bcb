// Package protocol implements the connect-token handshake, per-peer replay
// protection and encrypted packet framing that sit beneath the delivery
// and API layers.
package protocol

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/embernet/ember/pkg/codec"
	"github.com/embernet/ember/pkg/crypto"
	"github.com/embernet/ember/pkg/packet"
)

// disconnectBurstSize is how many DISCONNECT packets are sent on teardown
// to defeat packet loss, per the timeout/disconnect design.
const disconnectBurstSize = 10

// Sender is the narrow slice of adapter.Adapter the protocol engine needs,
// so this package doesn't have to import adapter (and tests can supply a
// trivial fake).
type Sender interface {
	Send(address netip.AddrPort, view []byte) error
}

// ServerCallbacks are invoked as peers progress through the handshake.
// Every callback runs synchronously from HandlePacket/Tick, which callers
// are expected to only ever invoke from the sequencer.
type ServerCallbacks struct {
	OnConnect    func(peer *Peer)
	OnDisconnect func(peer *Peer)
	OnPayload    func(peer *Peer, fragments []byte)
	OnDenied     func(addr netip.AddrPort, reason packet.DenialReason)
}

// Server is the server-side protocol engine: one peer table, one challenge
// keyring, one token-replay cache.
type Server struct {
	ProtocolID     uint64
	PrivateKey     crypto.Key
	MaxPeers       int
	BoundAddresses []netip.AddrPort

	Challenges  *ChallengeKeyring
	TokenReplay *TokenReplayCache
	Sender      Sender
	Callbacks   ServerCallbacks

	mu    sync.Mutex
	peers map[netip.AddrPort]*Peer
}

// NewServer constructs a Server. BoundAddresses must list every address a
// connect token may legitimately name for this server.
func NewServer(protocolID uint64, privateKey crypto.Key, maxPeers int, bound []netip.AddrPort, sender Sender) (*Server, error) {
	keyring, err := NewChallengeKeyring()
	if err != nil {
		return nil, err
	}
	return &Server{
		ProtocolID:     protocolID,
		PrivateKey:     privateKey,
		MaxPeers:       maxPeers,
		BoundAddresses: bound,
		Challenges:     keyring,
		TokenReplay:    NewTokenReplayCache(5 * time.Minute),
		Sender:         sender,
		peers:          make(map[netip.AddrPort]*Peer),
	}, nil
}

// PeerCount returns the number of peers currently tracked, including
// non-CONNECTED ones.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Peer looks up a tracked peer by address.
func (s *Server) Peer(addr netip.AddrPort) *Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[addr]
}

// HandlePacket dispatches one inbound datagram from addr.
func (s *Server) HandlePacket(addr netip.AddrPort, wire []byte, now time.Time) {
	header, n, err := codec.DecodeHeader(wire)
	if err != nil {
		return // MALFORMED: dropped silently
	}
	if header.Type == codec.PacketRequest {
		s.handleRequest(addr, wire[n:], now)
		return
	}

	s.mu.Lock()
	peer := s.peers[addr]
	s.mu.Unlock()
	if peer == nil {
		return // unexpected state: dropped silently
	}
	if !peer.RecvReplay.Check(header.Sequence) {
		return
	}
	plain, err := packet.OpenEnvelope(wire[n:], header, wire[0], s.ProtocolID, peer.ClientToServerKey)
	if err != nil {
		return // CRYPTO_FAILED: dropped silently, replay state untouched
	}
	peer.RecvReplay.Accept(header.Sequence)
	peer.LastRecv = now

	switch header.Type {
	case codec.PacketResponse:
		s.handleResponse(peer, plain)
		if peer.State == PeerConnected {
			// The client only reaches CONNECTED on a KEEP-ALIVE or
			// PAYLOAD, so answer every accepted RESPONSE with one.
			s.sendKeepAlive(peer, now)
		}
	case codec.PacketKeepAlive:
		s.handleKeepAlive(peer, plain, now)
	case codec.PacketPayload:
		s.handlePayload(peer, plain, now)
	case codec.PacketDisconnect:
		s.handleDisconnect(peer, now)
	}
}

func (s *Server) deny(addr netip.AddrPort, reason packet.DenialReason) {
	if s.Callbacks.OnDenied != nil {
		s.Callbacks.OnDenied(addr, reason)
	}
	body := packet.Denied{Reason: reason}.Encode(nil)
	wire, err := packet.Encode(nil, codec.PacketDenied, 0, s.ProtocolID, crypto.Key{}, body)
	if err != nil {
		return
	}
	s.Sender.Send(addr, wire)
}

func (s *Server) boundAddressMatches(addrs []netip.AddrPort) bool {
	for _, want := range s.BoundAddresses {
		for _, have := range addrs {
			if want == have {
				return true
			}
		}
	}
	return false
}

func (s *Server) handleRequest(addr netip.AddrPort, body []byte, now time.Time) {
	req, err := packet.DecodeRequest(body)
	if err != nil {
		return
	}
	pub, err := codec.DecodePublic(req.Token[:], now)
	if err != nil {
		s.deny(addr, DenialReasonFor(err))
		return
	}
	if pub.ProtocolID != s.ProtocolID {
		s.deny(addr, packet.DenialProtocolMismatch)
		return
	}

	s.mu.Lock()
	if existing, ok := s.peers[addr]; ok && existing.State >= PeerRequestAccepted && existing.lastRequestNonce == pub.Nonce && existing.hasLastChallenge {
		challenge := existing.lastChallenge
		s.mu.Unlock()
		s.sendChallenge(existing, challenge)
		return
	}
	full := len(s.peers) >= s.MaxPeers
	s.mu.Unlock()
	if full {
		s.deny(addr, packet.DenialServerFull)
		return
	}

	priv, err := codec.DecodePrivate(req.Token[:], pub, s.PrivateKey)
	if err != nil {
		s.deny(addr, packet.DenialCryptoFailed)
		return
	}
	if !s.boundAddressMatches(priv.Addresses) {
		s.deny(addr, packet.DenialNoMatchingAddress)
		return
	}
	if !s.TokenReplay.CheckAndAccept(pub.Nonce, addr, now) {
		s.deny(addr, packet.DenialReplay)
		return
	}

	peer := &Peer{
		Address:           addr,
		ClientToServerKey: priv.ClientToServer,
		ServerToClientKey: priv.ServerToClient,
		ClientID:          priv.ClientID,
		TimeoutSeconds:    priv.TimeoutSeconds,
		State:             PeerRequestAccepted,
		LastRecv:          now,
		LastSend:          now,
	}
	peer.lastRequestNonce = pub.Nonce

	challenge, err := s.Challenges.Seal(priv.ClientID, priv.UserData)
	if err != nil {
		return
	}
	peer.hasLastChallenge = true
	peer.lastChallenge = challenge
	peer.State = PeerChallenged

	s.mu.Lock()
	s.peers[addr] = peer
	s.mu.Unlock()

	s.sendChallenge(peer, challenge)
}

func (s *Server) sendChallenge(peer *Peer, challenge packet.Challenge) {
	body := challenge.Encode(nil)
	wire, err := packet.Encode(nil, codec.PacketChallenge, peer.NextSendSequence(), s.ProtocolID, peer.ServerToClientKey, body)
	if err != nil {
		return
	}
	peer.LastSend = time.Now()
	s.Sender.Send(peer.Address, wire)
}

func (s *Server) handleResponse(peer *Peer, plain []byte) {
	if peer.State != PeerChallenged && peer.State != PeerConnected {
		return
	}
	resp, err := packet.DecodeResponse(plain)
	if err != nil {
		return
	}
	if !peer.hasLastChallenge || resp.TokenSequence != peer.lastChallenge.TokenSequence || resp.TokenData != peer.lastChallenge.TokenData {
		return
	}
	clientID, _, err := s.Challenges.Open(resp.TokenSequence, resp.TokenData)
	if err != nil || clientID != peer.ClientID {
		return
	}
	s.transitionConnected(peer)
}

func (s *Server) handleKeepAlive(peer *Peer, plain []byte, now time.Time) {
	ka, err := packet.DecodeKeepAlive(plain)
	if err != nil || ka.ClientID != peer.ClientID {
		return
	}
	if peer.State == PeerChallenged {
		s.transitionConnected(peer)
	}
}

func (s *Server) handlePayload(peer *Peer, plain []byte, now time.Time) {
	if peer.State == PeerChallenged {
		s.transitionConnected(peer)
	}
	if peer.State != PeerConnected {
		return
	}
	body, err := packet.DecodePayload(plain)
	if err != nil {
		return
	}
	if s.Callbacks.OnPayload != nil {
		s.Callbacks.OnPayload(peer, body.Fragments)
	}
}

func (s *Server) transitionConnected(peer *Peer) {
	if peer.State == PeerConnected {
		return
	}
	peer.State = PeerConnected
	if s.Callbacks.OnConnect != nil {
		s.Callbacks.OnConnect(peer)
	}
}

func (s *Server) handleDisconnect(peer *Peer, now time.Time) {
	s.teardown(peer, now)
}

// teardown sends a disconnect burst, removes the peer from the table and
// fires OnDisconnect exactly once.
func (s *Server) teardown(peer *Peer, now time.Time) {
	s.mu.Lock()
	if s.peers[peer.Address] != peer {
		s.mu.Unlock()
		return
	}
	delete(s.peers, peer.Address)
	s.mu.Unlock()

	if peer.State == PeerConnected || peer.State == PeerChallenged {
		s.sendDisconnectBurst(peer)
	}
	peer.State = PeerDisconnected
	if s.Callbacks.OnDisconnect != nil {
		s.Callbacks.OnDisconnect(peer)
	}
}

func (s *Server) sendDisconnectBurst(peer *Peer) {
	body := packet.Disconnect{}.Encode(nil)
	for i := 0; i < disconnectBurstSize; i++ {
		wire, err := packet.Encode(nil, codec.PacketDisconnect, peer.NextSendSequence(), s.ProtocolID, peer.ServerToClientKey, body)
		if err != nil {
			return
		}
		s.Sender.Send(peer.Address, wire)
	}
}

// Disconnect tears down a connected peer from the server side, e.g. in
// response to an application call.
func (s *Server) Disconnect(peer *Peer, now time.Time) {
	s.teardown(peer, now)
}

// Tick drives timeouts and keep-alives; callers should invoke this from a
// heartbeat timer roughly every timeout/4.
func (s *Server) Tick(now time.Time) {
	s.mu.Lock()
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, peer := range peers {
		if peer.Idle(now) {
			s.teardown(peer, now)
			continue
		}
		if peer.State == PeerConnected && peer.KeepAliveDue(now) {
			s.sendKeepAlive(peer, now)
		}
	}
}

func (s *Server) sendKeepAlive(peer *Peer, now time.Time) {
	body := packet.KeepAlive{ClientID: peer.ClientID, ServerTime: now.UnixNano()}.Encode(nil)
	wire, err := packet.Encode(nil, codec.PacketKeepAlive, peer.NextSendSequence(), s.ProtocolID, peer.ServerToClientKey, body)
	if err != nil {
		return
	}
	peer.LastSend = now
	s.Sender.Send(peer.Address, wire)
}

// SendPayload encrypts and transmits fragments to peer.
func (s *Server) SendPayload(peer *Peer, fragments []byte, now time.Time) error {
	if peer.State != PeerConnected {
		return fmt.Errorf("protocol: peer %s is not connected", peer.Address)
	}
	body := packet.Payload{Fragments: fragments}.Encode(nil)
	wire, err := packet.Encode(nil, codec.PacketPayload, peer.NextSendSequence(), s.ProtocolID, peer.ServerToClientKey, body)
	if err != nil {
		return err
	}
	peer.LastSend = now
	return s.Sender.Send(peer.Address, wire)
}

// DenialReasonFor classifies a codec.DecodePublic error for the DENIED
// packet's reason field.
func DenialReasonFor(err error) packet.DenialReason {
	switch {
	case err == nil:
		return packet.DenialUnknown
	case errors.Is(err, codec.ErrTokenExpired):
		return packet.DenialExpired
	default:
		return packet.DenialBadVersion
	}
}
