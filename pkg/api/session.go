package api

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/embernet/ember/pkg/delivery"
	"github.com/embernet/ember/pkg/protocol"
)

// SessionID names one session with a generation tag, per spec.md §9's
// arena-with-indices redesign of the source's cyclic socket↔session
// back-pointers: reusing a slot bumps Generation, so a stale SessionID
// held past a disconnect is detectably invalid rather than aliasing a
// different peer's session.
type SessionID struct {
	Index      uint32
	Generation uint32
}

// Session is one connected peer as seen by the API layer: the protocol
// engine's handshake/replay state, the delivery engine's per-channel
// state, and the Channel façades the application actually calls.
type Session struct {
	ID       SessionID
	Socket   *Socket
	Peer     *protocol.Peer // nil on the client-role socket's local session view before connect completes
	Endpoint *delivery.Endpoint
	Channels []*Channel

	RemoteAddr netip.AddrPort
	ClientID   int64
	Connected  bool
}

// GetClientID returns the client id the peer's connect token carried.
func (s *Session) GetClientID() int64 { return s.ClientID }

// GetAddress returns the session's remote address.
func (s *Session) GetAddress() netip.AddrPort { return s.RemoteAddr }

// GetChannel returns the channel at index, or nil if index is out of range,
// per spec.md §4.8's get_channel(index).
func (s *Session) GetChannel(index int) *Channel {
	if index < 0 || index >= len(s.Channels) {
		return nil
	}
	return s.Channels[index]
}

// GetRTT returns the session endpoint's current smoothed round-trip time
// estimate and its variance, per spec.md §4.8's get_rtt.
func (s *Session) GetRTT() (mean, variance time.Duration) {
	return s.Endpoint.RTT.SRTT(), s.Endpoint.RTT.Variance()
}

// SetChannelMode changes the delivery mode future Sends on the channel at
// index use, per spec.md §4.8's set_channel_mode(index, mode). It does not
// affect parcels already submitted to the delivery engine.
func (s *Session) SetChannelMode(index int, mode delivery.Mode) error {
	ch := s.GetChannel(index)
	if ch == nil {
		return fmt.Errorf("api: set channel mode: %w: channel index %d", ErrChannelInvalid, index)
	}
	ch.Mode = mode
	return nil
}

// Send packs and transmits msg on the channel at channelIndex, per
// spec.md §4.8's send(channel_index, message). It's a convenience
// equivalent to GetChannel(channelIndex).Send(msg).
func (s *Session) Send(channelIndex int, msg *Message) error {
	ch := s.GetChannel(channelIndex)
	if ch == nil {
		return fmt.Errorf("api: send: %w: channel index %d", ErrChannelInvalid, channelIndex)
	}
	return ch.Send(msg)
}

// Disconnect tears down the session from the application side, per
// spec.md §4.8's disconnect(). It's a no-op on an already-disconnected
// session.
func (s *Session) Disconnect() {
	if !s.Connected {
		return
	}
	now := time.Now()
	switch s.Socket.role {
	case RoleServer:
		if s.Peer != nil {
			s.Socket.server.Disconnect(s.Peer, now)
		}
	case RoleClient:
		s.Socket.client.Disconnect(now)
	}
}

type sessionSlot struct {
	generation uint32
	inUse      bool
	session    *Session
}

// sessionArena is a growable, index-stable pool of sessions: alloc reuses
// the most recently released slot when one exists, release retires a slot
// and bumps its generation so any SessionID copies still referencing it
// fail get.
type sessionArena struct {
	slots []sessionSlot
	free  []uint32
}

func newSessionArena() *sessionArena {
	return &sessionArena{}
}

func (a *sessionArena) alloc() (SessionID, *Session) {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, sessionSlot{})
	}
	slot := &a.slots[idx]
	slot.inUse = true
	slot.session = &Session{ID: SessionID{Index: idx, Generation: slot.generation}}
	return slot.session.ID, slot.session
}

func (a *sessionArena) get(id SessionID) (*Session, bool) {
	if int(id.Index) >= len(a.slots) {
		return nil, false
	}
	slot := &a.slots[id.Index]
	if !slot.inUse || slot.generation != id.Generation {
		return nil, false
	}
	return slot.session, true
}

func (a *sessionArena) release(id SessionID) {
	if int(id.Index) >= len(a.slots) {
		return
	}
	slot := &a.slots[id.Index]
	if !slot.inUse || slot.generation != id.Generation {
		return
	}
	slot.inUse = false
	slot.session = nil
	slot.generation++
	a.free = append(a.free, id.Index)
}

// each calls fn for every live session, in index order. fn must not
// allocate or free sessions on this arena.
func (a *sessionArena) each(fn func(*Session)) {
	for i := range a.slots {
		if a.slots[i].inUse {
			fn(a.slots[i].session)
		}
	}
}

func (a *sessionArena) findByAddr(addr netip.AddrPort) (*Session, bool) {
	for i := range a.slots {
		if a.slots[i].inUse && a.slots[i].session.RemoteAddr == addr {
			return a.slots[i].session, true
		}
	}
	return nil, false
}
