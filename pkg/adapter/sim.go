package adapter

import (
	"math/rand"
	"net/netip"
	"sync"

	"github.com/embernet/ember/pkg/platform"
)

// SimNetwork is an in-process, lossy UDP fabric for tests: Sim adapters
// registered on the same SimNetwork can exchange datagrams without a real
// socket, with an optional configurable drop rate standing in for the
// "drop 20% of packets at the adapter" style scenarios.
type SimNetwork struct {
	mu       sync.Mutex
	peers    map[netip.AddrPort]*Sim
	dropRate float64
	rng      *rand.Rand
}

// NewSimNetwork returns a SimNetwork with the given packet drop rate in
// [0,1]; a rate of 1 drops every datagram.
func NewSimNetwork(dropRate float64) *SimNetwork {
	return &SimNetwork{
		peers:    make(map[netip.AddrPort]*Sim),
		dropRate: dropRate,
		rng:      rand.New(rand.NewSource(1)),
	}
}

func (n *SimNetwork) register(addr netip.AddrPort, s *Sim) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[addr] = s
}

func (n *SimNetwork) unregister(addr netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, addr)
}

func (n *SimNetwork) deliver(from, to netip.AddrPort, view []byte) {
	n.mu.Lock()
	if n.dropRate > 0 && n.rng.Float64() < n.dropRate {
		n.mu.Unlock()
		return
	}
	dst, ok := n.peers[to]
	n.mu.Unlock()
	if !ok {
		return
	}
	pkt := make([]byte, len(view))
	copy(pkt, view)
	dst.loop.SubmitMain(func() {
		if dst.cb.OnRecv != nil {
			dst.cb.OnRecv(from, pkt, StatusOK)
		}
	})
}

// Sim is an Adapter backed by a SimNetwork instead of a real socket.
type Sim struct {
	net     *SimNetwork
	loop    *platform.Loop
	cb      Callbacks
	local   netip.AddrPort
	remote  netip.AddrPort // set by Connect; zero for a listening adapter
	started bool
}

// NewSim constructs a Sim adapter bound to loop and attached to net.
func NewSim(net *SimNetwork, loop *platform.Loop, cb Callbacks) *Sim {
	return &Sim{net: net, loop: loop, cb: cb}
}

func (s *Sim) Capabilities() Capability {
	return ClientEncrypted | ServerEncrypted
}

func (s *Sim) Listen(address netip.AddrPort) error {
	s.local = address
	s.net.register(address, s)
	s.started = true
	return nil
}

func (s *Sim) Connect(address netip.AddrPort) error {
	// A connected client needs its own address; tests pick one per client.
	s.remote = address
	s.started = true
	return nil
}

// SetLocalAddr assigns the address other Sim adapters should use to reach
// a connected (client-role) Sim. Dialing a real socket assigns this for
// free via the OS's ephemeral port; the simulator needs it spelled out.
func (s *Sim) SetLocalAddr(addr netip.AddrPort) {
	s.local = addr
	s.net.register(addr, s)
}

func (s *Sim) Send(address netip.AddrPort, view []byte) error {
	to := address
	if !to.IsValid() {
		to = s.remote
	}
	s.net.deliver(s.local, to, view)
	if s.cb.OnSendComplete != nil {
		s.cb.OnSendComplete(view, StatusOK)
	}
	return nil
}

func (s *Sim) Stop() error {
	if s.started {
		s.net.unregister(s.local)
		s.started = false
	}
	return nil
}
