package protocol

import (
	"net/netip"
	"testing"
	"time"

	"github.com/embernet/ember/pkg/codec"
	"github.com/embernet/ember/pkg/crypto"
)

// link wires a Client and Server together synchronously for tests, with
// an optional drop list by packet index.
type link struct {
	server     *Server
	client     *Client
	serverAddr netip.AddrPort
	clientAddr netip.AddrPort
	now        time.Time
	drop       func(fromClient bool, n int) bool
	sent       int
}

func (l *link) Send(addr netip.AddrPort, view []byte) error {
	fromClient := addr == l.serverAddr
	n := l.sent
	l.sent++
	if l.drop != nil && l.drop(fromClient, n) {
		return nil
	}
	cp := append([]byte(nil), view...)
	if fromClient {
		l.server.HandlePacket(l.clientAddr, cp, l.now)
	} else {
		l.client.HandlePacket(l.serverAddr, cp, l.now)
	}
	return nil
}

func newLink(t *testing.T, protocolID uint64, serverKey crypto.Key, now time.Time) *link {
	t.Helper()
	serverAddr := netip.MustParseAddrPort("127.0.0.1:8888")
	clientAddr := netip.MustParseAddrPort("127.0.0.1:9999")

	l := &link{serverAddr: serverAddr, clientAddr: clientAddr, now: now}
	server, err := NewServer(protocolID, serverKey, 16, []netip.AddrPort{serverAddr}, l)
	if err != nil {
		t.Fatal(err)
	}
	l.server = server
	return l
}

func mustIssueToken(t *testing.T, serverKey crypto.Key, protocolID uint64, clientID int64, timeout int32, addrs []netip.AddrPort, now time.Time) (raw []byte, pub codec.Token, priv codec.PrivateToken) {
	t.Helper()
	raw, pub, priv, err := IssueToken(serverKey, protocolID, clientID, timeout, addrs, [codec.UserDataSize]byte{}, time.Minute, now)
	if err != nil {
		t.Fatal(err)
	}
	return raw, pub, priv
}

func TestHandshakeConnectsAndEchoes(t *testing.T) {
	now := time.Now()
	serverKey, _ := crypto.GenerateKey()
	l := newLink(t, 50, serverKey, now)

	raw, pub, priv := mustIssueToken(t, serverKey, 50, 125, -1, []netip.AddrPort{l.serverAddr}, now)

	var clientResult ConnectResult
	client, err := NewClient(raw, pub, priv, l)
	if err != nil {
		t.Fatal(err)
	}
	client.Callbacks.OnConnectResult = func(r ConnectResult) { clientResult = r }
	l.client = client

	var serverConnected *Peer
	l.server.Callbacks.OnConnect = func(p *Peer) { serverConnected = p }

	if err := client.Connect(now); err != nil {
		t.Fatal(err)
	}

	if client.State() != ClientConnected {
		t.Fatalf("client state = %v, want CONNECTED", client.State())
	}
	if clientResult != ConnectSucceeded {
		t.Fatalf("connect result = %v, want ConnectSucceeded", clientResult)
	}
	if serverConnected == nil {
		t.Fatal("server never observed a connect")
	}
	if serverConnected.ClientID != 125 {
		t.Fatalf("server peer client id = %d, want 125", serverConnected.ClientID)
	}

	var serverPayload []byte
	l.server.Callbacks.OnPayload = func(_ *Peer, b []byte) { serverPayload = b }
	if err := client.SendPayload([]byte{12}, now); err != nil {
		t.Fatal(err)
	}
	if len(serverPayload) != 1 || serverPayload[0] != 12 {
		t.Fatalf("server payload = %v, want [12]", serverPayload)
	}

	var clientDisconnected bool
	client.Callbacks.OnDisconnect = func() { clientDisconnected = true }
	var serverDisconnected bool
	l.server.Callbacks.OnDisconnect = func(_ *Peer) { serverDisconnected = true }

	client.Disconnect(now)
	if !clientDisconnected {
		t.Fatal("client never observed its own disconnect")
	}
	if !serverDisconnected {
		t.Fatal("server never observed the client's disconnect")
	}
	if l.server.PeerCount() != 0 {
		t.Fatalf("server peer count = %d, want 0 after disconnect", l.server.PeerCount())
	}
}

func TestProtocolMismatchIsDenied(t *testing.T) {
	now := time.Now()
	serverKey, _ := crypto.GenerateKey()
	l := newLink(t, 50, serverKey, now)

	raw, pub, priv := mustIssueToken(t, serverKey, 51, 1, -1, []netip.AddrPort{l.serverAddr}, now)
	client, err := NewClient(raw, pub, priv, l)
	if err != nil {
		t.Fatal(err)
	}
	var result ConnectResult
	client.Callbacks.OnConnectResult = func(r ConnectResult) { result = r }
	l.client = client

	if err := client.Connect(now); err != nil {
		t.Fatal(err)
	}
	if result != ConnectDenied {
		t.Fatalf("result = %v, want ConnectDenied", result)
	}
	if l.server.PeerCount() != 0 {
		t.Fatal("server allocated a peer for a denied request")
	}
}

func TestReplayedSequenceDoesNotReconnect(t *testing.T) {
	now := time.Now()
	serverKey, _ := crypto.GenerateKey()
	l := newLink(t, 50, serverKey, now)
	raw, pub, priv := mustIssueToken(t, serverKey, 50, 7, -1, []netip.AddrPort{l.serverAddr}, now)
	client, err := NewClient(raw, pub, priv, l)
	if err != nil {
		t.Fatal(err)
	}
	l.client = client
	connects := 0
	l.server.Callbacks.OnConnect = func(_ *Peer) { connects++ }

	if err := client.Connect(now); err != nil {
		t.Fatal(err)
	}
	if connects != 1 {
		t.Fatalf("connects = %d, want 1", connects)
	}

	peer := l.server.Peer(l.clientAddr)
	if peer == nil {
		t.Fatal("no server peer")
	}
	client.sendKeepAlive(now)
	seqBefore := peer.RecvReplay.highWater
	client.sendKeepAlive(now) // a second, distinct sequence — establishes a new high water
	if peer.RecvReplay.highWater == seqBefore {
		t.Fatal("expected a new sequence to raise the high water mark")
	}

	// Replaying an already-accepted KEEP-ALIVE sequence must not fire
	// another connect or otherwise mutate state.
	lastRecv := peer.LastRecv
	l.now = now.Add(time.Second)
	client.peer.SendSequence = seqBefore
	client.sendKeepAlive(l.now)
	if peer.LastRecv != lastRecv || connects != 1 {
		t.Fatal("replayed KEEP-ALIVE sequence was accepted")
	}
}

func TestServerFullDeniesRequest(t *testing.T) {
	now := time.Now()
	serverKey, _ := crypto.GenerateKey()
	l := newLink(t, 50, serverKey, now)
	l.server.MaxPeers = 0

	raw, pub, priv := mustIssueToken(t, serverKey, 50, 1, -1, []netip.AddrPort{l.serverAddr}, now)
	client, err := NewClient(raw, pub, priv, l)
	if err != nil {
		t.Fatal(err)
	}
	var result ConnectResult
	client.Callbacks.OnConnectResult = func(r ConnectResult) { result = r }
	l.client = client

	if err := client.Connect(now); err != nil {
		t.Fatal(err)
	}
	if result != ConnectDenied {
		t.Fatalf("result = %v, want ConnectDenied", result)
	}
}
