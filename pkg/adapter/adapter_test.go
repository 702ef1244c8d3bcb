package adapter

import (
	"net/netip"
	"testing"
	"time"

	"github.com/embernet/ember/pkg/platform"
)

func mustAddr(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return addr
}

func TestCapabilityHas(t *testing.T) {
	c := ClientEncrypted | ServerUnencrypted
	if !c.Has(ClientEncrypted) {
		t.Fatal("Has(ClientEncrypted) = false, want true")
	}
	if c.Has(ServerEncrypted) {
		t.Fatal("Has(ServerEncrypted) = true, want false")
	}
}

func TestRequireCapabilitySucceedsWhenCovered(t *testing.T) {
	have := ClientEncrypted | ServerEncrypted
	if err := RequireCapability(have, ClientEncrypted); err != nil {
		t.Fatalf("RequireCapability: %v", err)
	}
}

func TestRequireCapabilityFailsWhenMissing(t *testing.T) {
	have := ClientEncrypted
	err := RequireCapability(have, ServerEncrypted)
	if err == nil {
		t.Fatal("RequireCapability: want error, got nil")
	}
	if _, ok := err.(*ErrCapabilityMismatch); !ok {
		t.Fatalf("err = %T, want *ErrCapabilityMismatch", err)
	}
}

func TestSimDeliversBetweenListenerAndDialer(t *testing.T) {
	net := NewSimNetwork(0)

	serverLoop := platform.NewLoop(platform.NewSystemClock())
	go serverLoop.Run()
	defer serverLoop.Stop()
	serverAddr := mustAddr(t, "10.0.0.1:9000")

	recvCh := make(chan []byte, 1)
	server := NewSim(net, serverLoop, Callbacks{
		OnRecv: func(_ netip.AddrPort, view []byte, status Status) {
			if status != StatusOK {
				return
			}
			recvCh <- append([]byte(nil), view...)
		},
	})
	if err := server.Listen(serverAddr); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Stop()

	clientLoop := platform.NewLoop(platform.NewSystemClock())
	go clientLoop.Run()
	defer clientLoop.Stop()
	clientAddr := mustAddr(t, "10.0.0.2:9001")

	client := NewSim(net, clientLoop, Callbacks{})
	if err := client.Connect(serverAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client.SetLocalAddr(clientAddr)
	defer client.Stop()

	if err := client.Send(netip.AddrPort{}, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-recvCh:
		if string(got) != "hello" {
			t.Fatalf("received %q, want %q", got, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("server never received the client's datagram")
	}
}

func TestSimDropsAllPacketsAtDropRateOne(t *testing.T) {
	net := NewSimNetwork(1)

	serverLoop := platform.NewLoop(platform.NewSystemClock())
	go serverLoop.Run()
	defer serverLoop.Stop()
	serverAddr := mustAddr(t, "10.0.0.1:9000")

	recvCh := make(chan []byte, 1)
	server := NewSim(net, serverLoop, Callbacks{
		OnRecv: func(_ netip.AddrPort, view []byte, _ Status) { recvCh <- view },
	})
	if err := server.Listen(serverAddr); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Stop()

	clientLoop := platform.NewLoop(platform.NewSystemClock())
	go clientLoop.Run()
	defer clientLoop.Stop()

	client := NewSim(net, clientLoop, Callbacks{})
	if err := client.Connect(serverAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	client.SetLocalAddr(mustAddr(t, "10.0.0.2:9001"))
	defer client.Stop()

	if err := client.Send(netip.AddrPort{}, []byte("dropped")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-recvCh:
		t.Fatal("server received a datagram despite a 100% drop rate")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSimStopUnregistersListener(t *testing.T) {
	net := NewSimNetwork(0)
	loop := platform.NewLoop(platform.NewSystemClock())
	go loop.Run()
	defer loop.Stop()

	addr := mustAddr(t, "10.0.0.1:9000")
	recvCh := make(chan []byte, 1)
	s := NewSim(net, loop, Callbacks{
		OnRecv: func(_ netip.AddrPort, view []byte, _ Status) { recvCh <- view },
	})
	if err := s.Listen(addr); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	senderLoop := platform.NewLoop(platform.NewSystemClock())
	go senderLoop.Run()
	defer senderLoop.Stop()
	sender := NewSim(net, senderLoop, Callbacks{})
	if err := sender.Connect(addr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sender.SetLocalAddr(mustAddr(t, "10.0.0.2:9001"))
	defer sender.Stop()

	// The stopped listener is no longer registered, so a datagram addressed
	// to it is not delivered to its OnRecv.
	if err := sender.Send(netip.AddrPort{}, []byte("x")); err != nil {
		t.Fatalf("Send after peer stop: %v", err)
	}
	select {
	case <-recvCh:
		t.Fatal("stopped listener still received a datagram")
	case <-time.After(100 * time.Millisecond):
	}
}
