package api

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/embernet/ember/pkg/adapter"
	"github.com/embernet/ember/pkg/codec"
	"github.com/embernet/ember/pkg/crypto"
	"github.com/embernet/ember/pkg/delivery"
	"github.com/embernet/ember/pkg/packet"
	"github.com/embernet/ember/pkg/platform"
	"github.com/embernet/ember/pkg/protocol"
)

// Role distinguishes a server-bound Socket from a client-dialed one.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// reassemblySweepTimeout bounds how long a never-completed reassembly
// entry survives, per spec.md §4.7 ("entries time out after >= 2x the
// peer timeout"); two minutes comfortably covers the largest
// TimeoutSeconds a connect token is expected to carry.
const reassemblySweepTimeout = 2 * time.Minute

// tickInterval drives Socket's own heartbeat: protocol Tick, RELIABLE
// retransmit sweeps and reassembly GC. It is independent of any one
// peer's negotiated idle timeout (protocol.Peer.KeepAliveDue already
// handles that per-peer), and is kept short so RTO-driven retransmits
// fire promptly.
const tickInterval = 50 * time.Millisecond

// Config configures a Socket. ChannelModes is the channel mode table
// every Session's Channels are built from (spec.md §4.8: "the socket
// holds the channel mode table, length N").
type Config struct {
	ProtocolID   uint64
	ChannelModes []delivery.Mode
	Logger       zerolog.Logger

	// Server-role fields.
	PrivateKey     crypto.Key
	MaxPeers       int
	BoundAddresses []netip.AddrPort

	// Client-role fields: the raw token to forward in REQUEST plus its
	// decoded public/private sections, handed to the client out-of-band
	// by the token-issuing service (out of scope per spec.md §1).
	RawToken     []byte
	PublicToken  codec.Token
	PrivateToken codec.PrivateToken
}

// SocketCallbacks are invoked as sessions connect, disconnect and
// receive messages, one layer above protocol.ServerCallbacks/ClientCallbacks.
type SocketCallbacks struct {
	OnConnect       func(session *Session)
	OnDisconnect    func(session *Session)
	OnConnectResult func(result protocol.ConnectResult) // client role, non-success outcomes
	OnReceive       func(session *Session, channelIndex int, msg *Message)
	OnDenied        func(addr netip.AddrPort, reason packet.DenialReason)
}

// Socket is one endpoint of the transport: an adapter, the protocol
// engine (Server xor Client), the per-session delivery state and the
// event loop driving timeouts and retransmits (spec.md §4.8/§4.9).
type Socket struct {
	role Role
	cfg  Config
	log  zerolog.Logger

	loop  *platform.Loop
	ad    adapter.Adapter
	cb    SocketCallbacks
	metrics *socketMetrics

	server *protocol.Server
	client *protocol.Client

	sessions   *sessionArena
	clientSess *Session // set once on the client role, at Connect

	tick platform.TimerHandle
}

// NewServerSocket constructs a server-role Socket bound to no address yet;
// call Listen to start it.
func NewServerSocket(cfg Config, cb SocketCallbacks) (*Socket, error) {
	return newServerSocket(cfg, cb, nil)
}

// NewClientSocket constructs a client-role Socket; call Connect to begin
// the handshake.
func NewClientSocket(cfg Config, cb SocketCallbacks) (*Socket, error) {
	return newClientSocket(cfg, cb, nil)
}

// adapterFactory builds the adapter a Socket uses, given the Socket's own
// loop and recv callback; package-internal tests supply one that returns
// an adapter.Sim instead of the real UDP socket adapter.NewDefault builds,
// since the adapter needs the Socket's onRecv method bound, which doesn't
// exist until the Socket itself is partially constructed.
type adapterFactory func(loop *platform.Loop, cb adapter.Callbacks) adapter.Adapter

func defaultAdapterFactory(loop *platform.Loop, cb adapter.Callbacks) adapter.Adapter {
	return adapter.NewDefault(loop, cb)
}

// newServerSocket/newClientSocket take an optional adapterFactory so
// package-internal tests can swap in adapter.Sim; every exported
// constructor passes nil and gets production behavior unchanged.
func newServerSocket(cfg Config, cb SocketCallbacks, mkAdapter adapterFactory) (*Socket, error) {
	if mkAdapter == nil {
		mkAdapter = defaultAdapterFactory
	}
	s := &Socket{
		role:     RoleServer,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "socket").Logger(),
		loop:     platform.NewLoop(platform.NewSystemClock()),
		cb:       cb,
		metrics:  newSocketMetrics(),
		sessions: newSessionArena(),
	}
	s.ad = mkAdapter(s.loop, adapter.Callbacks{OnRecv: s.onRecv})

	server, err := protocol.NewServer(cfg.ProtocolID, cfg.PrivateKey, cfg.MaxPeers, cfg.BoundAddresses, s.ad)
	if err != nil {
		return nil, fmt.Errorf("api: new server socket: %w", err)
	}
	server.Callbacks = protocol.ServerCallbacks{
		OnConnect:    s.handleServerConnect,
		OnDisconnect: s.handleServerDisconnect,
		OnPayload:    s.handleServerPayload,
		OnDenied:     s.handleDenied,
	}
	s.server = server
	return s, nil
}

func newClientSocket(cfg Config, cb SocketCallbacks, mkAdapter adapterFactory) (*Socket, error) {
	if mkAdapter == nil {
		mkAdapter = defaultAdapterFactory
	}
	s := &Socket{
		role:     RoleClient,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "socket").Logger(),
		loop:     platform.NewLoop(platform.NewSystemClock()),
		cb:       cb,
		metrics:  newSocketMetrics(),
		sessions: newSessionArena(),
	}
	s.ad = mkAdapter(s.loop, adapter.Callbacks{OnRecv: s.onRecv})

	client, err := protocol.NewClient(cfg.RawToken, cfg.PublicToken, cfg.PrivateToken, s.ad)
	if err != nil {
		return nil, fmt.Errorf("api: new client socket: %w", err)
	}
	client.Callbacks = protocol.ClientCallbacks{
		OnConnectResult: s.handleClientConnectResult,
		OnDisconnect:    s.handleClientDisconnect,
		OnPayload:       s.handleClientPayload,
		OnServerTime:    s.handleClientServerTime,
	}
	s.client = client
	return s, nil
}

// Listen starts the event loop and binds the adapter at addr. Server
// role only.
func (s *Socket) Listen(addr netip.AddrPort) error {
	if s.role != RoleServer {
		return fmt.Errorf("api: Listen: %w: socket is not server-role", ErrIllegalState)
	}
	if err := adapter.RequireCapability(s.ad.Capabilities(), adapter.ServerEncrypted); err != nil {
		return fmt.Errorf("api: listen: %w", err)
	}
	go s.loop.Run()
	if err := s.ad.Listen(addr); err != nil {
		return fmt.Errorf("api: listen: %w", err)
	}
	s.startTick()
	s.log.Info().Stringer("addr", addr).Msg("listening")
	return nil
}

// Connect starts the event loop and begins the handshake against the
// first address in the connect token. Client role only.
func (s *Socket) Connect() error {
	if s.role != RoleClient {
		return fmt.Errorf("api: Connect: %w: socket is not client-role", ErrIllegalState)
	}
	if err := adapter.RequireCapability(s.ad.Capabilities(), adapter.ClientEncrypted); err != nil {
		return fmt.Errorf("api: connect: %w", err)
	}
	go s.loop.Run()
	if err := s.ad.Connect(s.cfg.PrivateToken.Addresses[0]); err != nil {
		return fmt.Errorf("api: connect: %w", err)
	}

	_, session := s.sessions.alloc()
	session.Socket = s
	session.Endpoint = s.newEndpoint(true)
	session.Channels = s.buildChannels(session)
	session.RemoteAddr = s.cfg.PrivateToken.Addresses[0]
	session.ClientID = s.cfg.PrivateToken.ClientID
	s.clientSess = session

	now := time.Now()
	if err := s.client.Connect(now); err != nil {
		s.sessions.release(session.ID)
		s.clientSess = nil
		return fmt.Errorf("api: connect: %w", err)
	}
	s.client.Peer().Endpoint = session
	session.Peer = s.client.Peer()

	s.startTick()
	s.log.Info().Stringer("addr", session.RemoteAddr).Msg("connecting")
	return nil
}

// Stop releases the adapter and ends the event loop. Idempotent.
func (s *Socket) Stop() error {
	if s.tick != 0 {
		s.loop.TimerStop(s.tick)
		s.tick = 0
	}
	err := s.ad.Stop()
	s.loop.Stop()
	return err
}

// Sessions returns every currently live session, in arena index order.
func (s *Socket) Sessions() []*Session {
	var out []*Session
	s.sessions.each(func(sess *Session) { out = append(out, sess) })
	return out
}

func (s *Socket) newEndpoint(clientSide bool) *delivery.Endpoint {
	return delivery.NewEndpoint(s.cfg.ChannelModes, clientSide)
}

func (s *Socket) buildChannels(session *Session) []*Channel {
	channels := make([]*Channel, len(s.cfg.ChannelModes))
	for i, mode := range s.cfg.ChannelModes {
		channels[i] = &Channel{Index: i, Mode: mode, session: session}
	}
	return channels
}

func (s *Socket) startTick() {
	ms := tickInterval.Milliseconds()
	s.tick = s.loop.TimerStart(ms, ms, func(any) { s.onTick() }, nil)
}

func (s *Socket) onTick() {
	now := time.Now()
	switch s.role {
	case RoleServer:
		s.server.Tick(now)
	case RoleClient:
		s.client.Tick(now)
	}
	s.sessions.each(func(session *Session) {
		if !session.Connected {
			return
		}
		session.Endpoint.Retransmit(now, func(busIndex int, wire []byte) error {
			s.metrics.fragmentsRetransmittedTotal.Inc()
			return s.emitToSession(session, busIndex, wire, now)
		})
		session.Endpoint.Sweep(now, reassemblySweepTimeout)
	})
}

func (s *Socket) onRecv(source netip.AddrPort, view []byte, status adapter.Status) {
	if status != adapter.StatusOK {
		return
	}
	now := time.Now()
	switch s.role {
	case RoleServer:
		s.server.HandlePacket(source, view, now)
	case RoleClient:
		s.client.HandlePacket(source, view, now)
	}
}

// --- server-role protocol callbacks ---

func (s *Socket) handleServerConnect(peer *protocol.Peer) {
	_, session := s.sessions.alloc()
	session.Socket = s
	session.Peer = peer
	session.Endpoint = s.newEndpoint(false)
	session.Channels = s.buildChannels(session)
	session.RemoteAddr = peer.Address
	session.ClientID = peer.ClientID
	session.Connected = true
	peer.Endpoint = session

	s.metrics.sessionsConnectedTotal.Inc()
	s.log.Info().Stringer("addr", peer.Address).Int64("client_id", peer.ClientID).Msg("session connected")
	if s.cb.OnConnect != nil {
		s.cb.OnConnect(session)
	}
}

func (s *Socket) handleServerDisconnect(peer *protocol.Peer) {
	session, ok := peer.Endpoint.(*Session)
	if !ok || session == nil {
		return
	}
	session.Connected = false
	s.metrics.sessionsDisconnectedTotal.Inc()
	s.log.Info().Stringer("addr", peer.Address).Msg("session disconnected")
	if s.cb.OnDisconnect != nil {
		s.cb.OnDisconnect(session)
	}
	s.sessions.release(session.ID)
}

func (s *Socket) handleServerPayload(peer *protocol.Peer, fragments []byte) {
	session, ok := peer.Endpoint.(*Session)
	if !ok || session == nil {
		return
	}
	s.metrics.packetsTotal("PAYLOAD").Inc()
	s.deliverFragments(session, fragments, time.Now())
}

func (s *Socket) handleDenied(addr netip.AddrPort, reason packet.DenialReason) {
	s.metrics.packetsDroppedTotal(reason.String()).Inc()
	s.log.Debug().Stringer("addr", addr).Stringer("reason", reason).Msg("connection denied")
	if s.cb.OnDenied != nil {
		s.cb.OnDenied(addr, reason)
	}
}

// --- client-role protocol callbacks ---

func (s *Socket) handleClientConnectResult(result protocol.ConnectResult) {
	if result == protocol.ConnectSucceeded {
		if s.clientSess != nil {
			s.clientSess.Connected = true
		}
		s.metrics.sessionsConnectedTotal.Inc()
		s.log.Info().Msg("connected")
		if s.cb.OnConnect != nil {
			s.cb.OnConnect(s.clientSess)
		}
		return
	}
	if s.clientSess != nil {
		s.sessions.release(s.clientSess.ID)
		s.clientSess = nil
	}
	s.log.Info().Int("result", int(result)).Msg("connect failed")
	if s.cb.OnConnectResult != nil {
		s.cb.OnConnectResult(result)
	}
}

func (s *Socket) handleClientDisconnect() {
	if s.clientSess == nil {
		return
	}
	session := s.clientSess
	session.Connected = false
	s.metrics.sessionsDisconnectedTotal.Inc()
	s.log.Info().Msg("disconnected")
	if s.cb.OnDisconnect != nil {
		s.cb.OnDisconnect(session)
	}
	s.sessions.release(session.ID)
	s.clientSess = nil
}

func (s *Socket) handleClientPayload(fragments []byte) {
	if s.clientSess == nil {
		return
	}
	s.metrics.packetsTotal("PAYLOAD").Inc()
	s.deliverFragments(s.clientSess, fragments, time.Now())
}

// handleClientServerTime folds one server KEEP-ALIVE round trip into the
// client's clock-offset estimate, per spec.md §4.8: "it records local
// hrtime at KEEP-ALIVE send, and on the reciprocal KEEP-ALIVE ... computes
// offset = server_time − (local_time + rtt/2)". The RTT half of that
// comes from the same endpoint's RELIABLE-fragment RTT estimator.
func (s *Socket) handleClientServerTime(serverTime, localSendTime time.Time) {
	if s.clientSess == nil || s.clientSess.Endpoint.ClockOffset == nil {
		return
	}
	s.clientSess.Endpoint.ClockOffset.Sample(serverTime, localSendTime, s.clientSess.Endpoint.RTT.SRTT())
}

// Time returns the socket's current clock (spec.md §4.8/§9): the local
// wall clock on the server role, or the clock-offset-corrected estimate of
// the server's clock on the client role — the zero Time until the first
// KEEP-ALIVE round trip has primed that estimate.
func (s *Socket) Time() time.Time {
	if s.role == RoleServer {
		return time.Now()
	}
	if s.clientSess == nil || s.clientSess.Endpoint.ClockOffset == nil || !s.clientSess.Endpoint.ClockOffset.Primed() {
		return time.Time{}
	}
	return s.clientSess.Endpoint.ClockOffset.ToServerTime(time.Now())
}

// --- fragment <-> channel multiplexing ---
//
// A PAYLOAD body carries exactly one channel's fragment stream, prefixed
// with a packed-uint channel index: spec.md's wire layout (§6) specifies
// the fragment encoding but is silent on how a socket with N channels
// tells them apart on one shared PAYLOAD packet type, since each bus's
// Fragment carries no channel field of its own. Resolved here rather
// than in pkg/delivery/pkg/packet: the fragment and packet layers stay
// exactly as specified, and channel multiplexing is purely an artifact
// of one socket sharing one packet type across N buses. See DESIGN.md.

func (s *Socket) deliverFragments(session *Session, body []byte, now time.Time) {
	channelIndex, n, err := codec.DecodePackedUint(body)
	if err != nil {
		s.metrics.packetsDroppedTotal("malformed").Inc()
		s.log.Debug().Err(err).Msg("dropped payload: malformed channel index")
		return
	}
	wire := body[n:]
	delivered, err := session.Endpoint.HandleFragment(int(channelIndex), wire, now)
	if err != nil {
		s.metrics.packetsDroppedTotal("malformed").Inc()
		s.log.Debug().Err(err).Msg("dropped payload: malformed fragment")
		return
	}
	if s.cb.OnReceive == nil || int(channelIndex) >= len(session.Channels) {
		return
	}
	for _, d := range delivered {
		s.cb.OnReceive(session, int(channelIndex), newReadMessage(d.Payload))
	}
}

func (s *Socket) emitToSession(session *Session, busIndex int, wire []byte, now time.Time) error {
	body := codec.AppendPackedUint(make([]byte, 0, codec.MaxPackedUintLen+len(wire)), uint64(busIndex))
	body = append(body, wire...)
	switch s.role {
	case RoleServer:
		return s.server.SendPayload(session.Peer, body, now)
	default:
		return s.client.SendPayload(body, now)
	}
}

// submitSender hands sender to session's delivery engine, routing each
// resulting fragment's wire bytes through this socket's protocol engine.
// Used by Channel.Send.
func (s *Socket) submitSender(session *Session, sender *delivery.Sender, now time.Time) error {
	if !session.Connected {
		return fmt.Errorf("api: submit: %w", ErrSessionInvalid)
	}
	return session.Endpoint.Submit(sender, now, func(busIndex int, wire []byte) error {
		return s.emitToSession(session, busIndex, wire, now)
	})
}

// Broadcast sends msg to every connected session's channel at
// channelIndex, sharing msg's packed parcel reference across each
// session's own Sender/transmission (spec.md §4.7: "a single sender may
// fan out to many buses; the parcel reference is shared" — here realized
// as one Parcel shared across N per-session Senders, one per recipient's
// bus, since each recipient is a distinct delivery.Endpoint).
func (s *Socket) Broadcast(channelIndex int, msg *Message) error {
	if msg.reader != nil || msg.frozen {
		return fmt.Errorf("api: broadcast: %w: message is in read mode or already sent", ErrIllegalState)
	}
	parcel, err := msg.writer.Pack()
	if err != nil {
		return fmt.Errorf("api: broadcast: %w", err)
	}
	msg.frozen = true

	var recipients []*Session
	Broadcast(s.Sessions(), func(session *Session) {
		if channelIndex >= 0 && channelIndex < len(session.Channels) {
			recipients = append(recipients, session)
		}
	})
	if len(recipients) == 0 {
		if msg.onResult != nil {
			msg.onResult(0)
		}
		return nil
	}

	resolvedCount := 0
	for _, session := range recipients {
		bus := session.Endpoint.Bus(channelIndex)
		mode := session.Channels[channelIndex].Mode
		sender := delivery.NewSender(parcel)
		sender.AddTransmission(bus, mode)
		sender.OnResult = func(int) {
			resolvedCount++
			if resolvedCount == len(recipients) && msg.onResult != nil {
				msg.onResult(resolvedCount)
			}
		}
		if err := s.submitSender(session, sender, time.Now()); err != nil {
			s.log.Debug().Err(err).Msg("broadcast: submit failed for one recipient")
		}
	}
	return nil
}
