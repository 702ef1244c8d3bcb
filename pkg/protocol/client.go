package protocol

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/embernet/ember/pkg/codec"
	"github.com/embernet/ember/pkg/crypto"
	"github.com/embernet/ember/pkg/packet"
)

// requestResendInterval is how often an unanswered REQUEST/RESPONSE is
// re-sent while the client waits on the current server address.
const requestResendInterval = 100 * time.Millisecond

// ClientCallbacks are invoked as the client's connection progresses.
type ClientCallbacks struct {
	OnConnectResult func(result ConnectResult)
	OnDisconnect    func()
	OnPayload       func(fragments []byte)
	// OnServerTime fires when a server KEEP-ALIVE carrying the server's
	// wall clock arrives, reporting that server time alongside the local
	// time this client's own last KEEP-ALIVE went out, per spec.md §4.8's
	// clock-offset formula.
	OnServerTime func(serverTime, localSendTime time.Time)
}

// Client is the client-side protocol engine. It iterates the server
// addresses named in its connect token until one completes the handshake
// or every address's attempt budget is exhausted.
//
// A connect token's private section is sealed under the server's private
// key, which the client never holds; the token-issuing service (out of
// scope per this spec's Non-goals) hands the client both the raw 2048-byte
// token to forward in REQUEST and the plaintext fields — addresses,
// client id, keys — it needs to drive the handshake. NewClient takes both.
type Client struct {
	ProtocolID uint64
	Sender     Sender
	Callbacks  ClientCallbacks

	rawToken [codec.TokenSize]byte
	pub      codec.Token
	priv     codec.PrivateToken

	peer *Peer

	state       ClientState
	addrIdx     int
	attemptDeadline time.Time

	haveChallenge    bool
	pendingChallenge packet.Challenge

	lastKeepAliveSent time.Time
}

// NewClient constructs a Client ready to Connect.
func NewClient(rawToken []byte, pub codec.Token, priv codec.PrivateToken, sender Sender) (*Client, error) {
	if len(rawToken) != codec.TokenSize {
		return nil, fmt.Errorf("protocol: connect token is %d bytes, want %d", len(rawToken), codec.TokenSize)
	}
	if len(priv.Addresses) == 0 {
		return nil, fmt.Errorf("protocol: connect token has no server addresses")
	}
	c := &Client{
		ProtocolID: pub.ProtocolID,
		Sender:     sender,
		pub:        pub,
		priv:       priv,
		state:      ClientDisconnected,
	}
	copy(c.rawToken[:], rawToken)
	return c, nil
}

// State returns the client's current connection state.
func (c *Client) State() ClientState { return c.state }

// Peer returns the client's peer record once SENDING_REQUEST has begun.
func (c *Client) Peer() *Peer { return c.peer }

// Connect starts (or restarts, after a prior DISCONNECTED) the handshake
// against the first server address in the token.
func (c *Client) Connect(now time.Time) error {
	if c.state != ClientDisconnected {
		return fmt.Errorf("protocol: client already connecting or connected")
	}
	c.addrIdx = 0
	c.beginAttempt(now)
	return nil
}

func (c *Client) perAddressBudget() time.Duration {
	if c.priv.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.priv.TimeoutSeconds) * time.Second
}

func (c *Client) beginAttempt(now time.Time) {
	c.peer = &Peer{
		Address:           c.priv.Addresses[c.addrIdx],
		ClientToServerKey: c.priv.ClientToServer,
		ServerToClientKey: c.priv.ServerToClient,
		ClientID:          c.priv.ClientID,
		TimeoutSeconds:    c.priv.TimeoutSeconds,
		State:             PeerEmpty,
		LastRecv:          now,
		LastSend:          now,
	}
	c.state = ClientSendingRequest
	c.attemptDeadline = now.Add(c.perAddressBudget())
	c.sendRequest(now)
}

func (c *Client) sendRequest(now time.Time) {
	wire, err := packet.Encode(nil, codec.PacketRequest, 0, c.ProtocolID, crypto.Key{}, c.rawToken[:])
	if err != nil {
		return
	}
	c.peer.LastSend = now
	c.Sender.Send(c.peer.Address, wire)
}

func (c *Client) sendResponse(now time.Time) {
	body := packet.Response{TokenSequence: c.pendingChallenge.TokenSequence, TokenData: c.pendingChallenge.TokenData}.Encode(nil)
	wire, err := packet.Encode(nil, codec.PacketResponse, c.peer.NextSendSequence(), c.ProtocolID, c.peer.ClientToServerKey, body)
	if err != nil {
		return
	}
	c.peer.LastSend = now
	c.Sender.Send(c.peer.Address, wire)
}

// Tick drives per-address attempt timeouts, request/response resends and
// keep-alives. Call this from a heartbeat timer.
func (c *Client) Tick(now time.Time) {
	switch c.state {
	case ClientSendingRequest, ClientSendingResponse:
		if now.After(c.attemptDeadline) {
			c.nextAddress(now)
			return
		}
		if now.Sub(c.peer.LastSend) >= requestResendInterval {
			if c.state == ClientSendingRequest {
				c.sendRequest(now)
			} else {
				c.sendResponse(now)
			}
		}
	case ClientConnected:
		if c.peer.Idle(now) {
			c.finishDisconnect(now)
			return
		}
		if c.peer.KeepAliveDue(now) {
			c.sendKeepAlive(now)
		}
	}
}

func (c *Client) sendKeepAlive(now time.Time) {
	body := packet.KeepAlive{ClientID: c.peer.ClientID}.Encode(nil)
	wire, err := packet.Encode(nil, codec.PacketKeepAlive, c.peer.NextSendSequence(), c.ProtocolID, c.peer.ClientToServerKey, body)
	if err != nil {
		return
	}
	c.peer.LastSend = now
	c.lastKeepAliveSent = now
	c.Sender.Send(c.peer.Address, wire)
}

func (c *Client) nextAddress(now time.Time) {
	c.addrIdx++
	if c.addrIdx >= len(c.priv.Addresses) {
		c.state = ClientDisconnected
		if c.Callbacks.OnConnectResult != nil {
			c.Callbacks.OnConnectResult(ConnectTimedOut)
		}
		return
	}
	c.haveChallenge = false
	c.beginAttempt(now)
}

// HandlePacket dispatches one inbound datagram, expected to be from the
// server address currently being attempted.
func (c *Client) HandlePacket(from netip.AddrPort, wire []byte, now time.Time) {
	if c.peer == nil || from != c.peer.Address {
		return
	}
	header, n, err := codec.DecodeHeader(wire)
	if err != nil {
		return
	}

	if header.Type == codec.PacketDenied {
		if c.state == ClientSendingRequest || c.state == ClientSendingResponse {
			c.state = ClientDisconnected
			if c.Callbacks.OnConnectResult != nil {
				c.Callbacks.OnConnectResult(ConnectDenied)
			}
		}
		return
	}

	if header.Type == codec.PacketChallenge {
		if c.state != ClientSendingRequest {
			return
		}
		plain, err := packet.OpenEnvelope(wire[n:], header, wire[0], c.ProtocolID, c.peer.ServerToClientKey)
		if err != nil {
			return
		}
		ch, err := packet.DecodeChallenge(plain)
		if err != nil {
			return
		}
		c.pendingChallenge = ch
		c.haveChallenge = true
		c.state = ClientSendingResponse
		c.peer.LastRecv = now
		c.sendResponse(now)
		return
	}

	if !c.peer.RecvReplay.Check(header.Sequence) {
		return
	}
	plain, err := packet.OpenEnvelope(wire[n:], header, wire[0], c.ProtocolID, c.peer.ServerToClientKey)
	if err != nil {
		return
	}
	c.peer.RecvReplay.Accept(header.Sequence)
	c.peer.LastRecv = now

	switch header.Type {
	case codec.PacketKeepAlive, codec.PacketPayload:
		if c.state == ClientSendingResponse {
			c.transitionConnected()
		}
		if header.Type == codec.PacketKeepAlive {
			if ka, err := packet.DecodeKeepAlive(plain); err == nil && ka.ServerTime != 0 && !c.lastKeepAliveSent.IsZero() {
				if c.Callbacks.OnServerTime != nil {
					c.Callbacks.OnServerTime(time.Unix(0, ka.ServerTime), c.lastKeepAliveSent)
				}
			}
		}
		if header.Type == codec.PacketPayload {
			body, err := packet.DecodePayload(plain)
			if err == nil && c.Callbacks.OnPayload != nil && c.state == ClientConnected {
				c.Callbacks.OnPayload(body.Fragments)
			}
		}
	case codec.PacketDisconnect:
		c.finishDisconnect(now)
	}
}

func (c *Client) transitionConnected() {
	if c.state == ClientConnected {
		return
	}
	c.state = ClientConnected
	c.peer.State = PeerConnected
	if c.Callbacks.OnConnectResult != nil {
		c.Callbacks.OnConnectResult(ConnectSucceeded)
	}
}

// SendPayload encrypts and transmits fragments to the server.
func (c *Client) SendPayload(fragments []byte, now time.Time) error {
	if c.state != ClientConnected {
		return fmt.Errorf("protocol: client is not connected")
	}
	body := packet.Payload{Fragments: fragments}.Encode(nil)
	wire, err := packet.Encode(nil, codec.PacketPayload, c.peer.NextSendSequence(), c.ProtocolID, c.peer.ClientToServerKey, body)
	if err != nil {
		return err
	}
	c.peer.LastSend = now
	return c.Sender.Send(c.peer.Address, wire)
}

// Disconnect sends a disconnect burst and transitions to DISCONNECTED.
func (c *Client) Disconnect(now time.Time) {
	if c.state != ClientConnected && c.state != ClientSendingResponse && c.state != ClientSendingRequest {
		return
	}
	c.state = ClientDisconnecting
	body := packet.Disconnect{}.Encode(nil)
	for i := 0; i < disconnectBurstSize; i++ {
		wire, err := packet.Encode(nil, codec.PacketDisconnect, c.peer.NextSendSequence(), c.ProtocolID, c.peer.ClientToServerKey, body)
		if err != nil {
			break
		}
		c.Sender.Send(c.peer.Address, wire)
	}
	c.finishDisconnect(now)
}

func (c *Client) finishDisconnect(now time.Time) {
	c.state = ClientDisconnected
	if c.Callbacks.OnDisconnect != nil {
		c.Callbacks.OnDisconnect()
	}
}
