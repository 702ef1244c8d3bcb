package api

import (
	"testing"
	"time"

	"github.com/embernet/ember/pkg/delivery"
)

func newTestSession(t *testing.T, modes []delivery.Mode) *Session {
	t.Helper()
	s := &Session{
		ClientID:   7,
		RemoteAddr: mustAddr(t, "127.0.0.1:9000"),
		Endpoint:   delivery.NewEndpoint(modes, false),
	}
	for i, mode := range modes {
		s.Channels = append(s.Channels, &Channel{Index: i, Mode: mode, session: s})
	}
	return s
}

func TestSessionAccessors(t *testing.T) {
	s := newTestSession(t, []delivery.Mode{delivery.Reliable, delivery.Sequenced})

	if got := s.GetClientID(); got != 7 {
		t.Fatalf("GetClientID = %d, want 7", got)
	}
	if got := s.GetAddress(); got != mustAddr(t, "127.0.0.1:9000") {
		t.Fatalf("GetAddress = %v, want 127.0.0.1:9000", got)
	}
	if ch := s.GetChannel(1); ch == nil || ch.Mode != delivery.Sequenced {
		t.Fatalf("GetChannel(1) = %+v, want channel in Sequenced mode", ch)
	}
	if ch := s.GetChannel(5); ch != nil {
		t.Fatal("GetChannel out of range returned non-nil")
	}
}

func TestSessionSetChannelMode(t *testing.T) {
	s := newTestSession(t, []delivery.Mode{delivery.Reliable})

	if err := s.SetChannelMode(0, delivery.Unreliable); err != nil {
		t.Fatalf("SetChannelMode: %v", err)
	}
	if s.Channels[0].Mode != delivery.Unreliable {
		t.Fatalf("channel mode = %v, want Unreliable", s.Channels[0].Mode)
	}
	if err := s.SetChannelMode(9, delivery.Reliable); err == nil {
		t.Fatal("SetChannelMode on an out-of-range index: want error, got nil")
	}
}

func TestSessionGetRTTReflectsEstimatorSamples(t *testing.T) {
	s := newTestSession(t, []delivery.Mode{delivery.Reliable})

	if mean, variance := s.GetRTT(); mean != 0 || variance != 0 {
		t.Fatalf("GetRTT before any sample = (%v, %v), want (0, 0)", mean, variance)
	}
	s.Endpoint.RTT.Sample(50 * time.Millisecond)
	s.Endpoint.RTT.Sample(60 * time.Millisecond)
	mean, variance := s.GetRTT()
	if mean <= 0 {
		t.Fatalf("GetRTT mean = %v, want > 0 after samples", mean)
	}
	if variance != s.Endpoint.RTT.Variance() {
		t.Fatalf("GetRTT variance = %v, want %v", variance, s.Endpoint.RTT.Variance())
	}
}

func TestSessionDisconnectNoopWhenNotConnected(t *testing.T) {
	s := newTestSession(t, []delivery.Mode{delivery.Reliable})
	s.Connected = false
	s.Disconnect() // must not panic despite s.Socket being nil
}

func TestSessionArenaAllocGetRelease(t *testing.T) {
	a := newSessionArena()

	id1, s1 := a.alloc()
	if id1.Index != 0 || id1.Generation != 0 {
		t.Fatalf("first alloc id = %+v, want {0 0}", id1)
	}
	if got, ok := a.get(id1); !ok || got != s1 {
		t.Fatal("get immediately after alloc failed")
	}

	id2, _ := a.alloc()
	if id2.Index != 1 {
		t.Fatalf("second alloc index = %d, want 1", id2.Index)
	}

	a.release(id1)
	if _, ok := a.get(id1); ok {
		t.Fatal("get succeeded on a released session id")
	}

	// A new alloc reuses the freed slot with a bumped generation, so the
	// stale id1 copy still fails even though its Index is reused.
	id3, s3 := a.alloc()
	if id3.Index != id1.Index {
		t.Fatalf("third alloc index = %d, want reused index %d", id3.Index, id1.Index)
	}
	if id3.Generation == id1.Generation {
		t.Fatal("reused slot did not bump its generation")
	}
	if _, ok := a.get(id1); ok {
		t.Fatal("stale SessionID aliased the reused slot")
	}
	if got, ok := a.get(id3); !ok || got != s3 {
		t.Fatal("get failed for the fresh id at the reused slot")
	}
}

func TestSessionArenaEachSkipsReleased(t *testing.T) {
	a := newSessionArena()
	id1, _ := a.alloc()
	_, _ = a.alloc()
	a.release(id1)

	var seen int
	a.each(func(*Session) { seen++ })
	if seen != 1 {
		t.Fatalf("each visited %d sessions, want 1", seen)
	}
}

func TestSessionArenaFindByAddr(t *testing.T) {
	a := newSessionArena()
	_, s1 := a.alloc()
	s1.RemoteAddr = mustAddr(t, "127.0.0.1:9000")
	_, s2 := a.alloc()
	s2.RemoteAddr = mustAddr(t, "127.0.0.1:9001")

	found, ok := a.findByAddr(mustAddr(t, "127.0.0.1:9001"))
	if !ok || found != s2 {
		t.Fatal("findByAddr did not locate the matching session")
	}
	if _, ok := a.findByAddr(mustAddr(t, "127.0.0.1:9002")); ok {
		t.Fatal("findByAddr matched an address no session has")
	}
}
