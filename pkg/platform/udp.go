package platform

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// ErrClosed is returned by Send once the socket has been closed.
var ErrClosed = errors.New("platform: socket closed")

// RecvFunc is invoked on the Loop's sequencer for every datagram received.
// b is only valid for the duration of the call; implementations that need
// to retain it must copy.
type RecvFunc func(source netip.AddrPort, b []byte)

// UDPSocket is a UDP socket bound to a Loop: reads happen on a background
// goroutine and hop onto the sequencer before RecvFunc runs, so receive
// handling observes the same single-threaded semantics as everything else.
type UDPSocket struct {
	conn   *net.UDPConn
	loop   *Loop
	onRecv RecvFunc
	done   chan struct{}
}

// ListenUDP binds a server-style socket at addr. Socket options (receive
// buffer size, SO_REUSEPORT) are tuned best-effort via tuneListener.
func ListenUDP(loop *Loop, addr netip.AddrPort, onRecv RecvFunc) (*UDPSocket, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("platform: listen udp %s: %w", addr, err)
	}
	tuneListener(conn)
	return newSocket(loop, conn, onRecv), nil
}

// DialUDP connects a client-style socket to addr.
func DialUDP(loop *Loop, addr netip.AddrPort, onRecv RecvFunc) (*UDPSocket, error) {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("platform: dial udp %s: %w", addr, err)
	}
	return newSocket(loop, conn, onRecv), nil
}

func newSocket(loop *Loop, conn *net.UDPConn, onRecv RecvFunc) *UDPSocket {
	s := &UDPSocket{conn: conn, loop: loop, onRecv: onRecv, done: make(chan struct{})}
	go s.readLoop()
	return s
}

func (s *UDPSocket) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		if s.onRecv != nil {
			s.loop.SubmitMain(func() {
				s.onRecv(addr, pkt)
			})
		}
	}
}

// Send writes b to addr. On a connected (DialUDP) socket, addr may be the
// zero value to send to the dial target.
func (s *UDPSocket) Send(addr netip.AddrPort, b []byte) error {
	var err error
	if addr.IsValid() {
		_, err = s.conn.WriteToUDPAddrPort(b, addr)
	} else {
		_, err = s.conn.Write(b)
	}
	if err != nil {
		return fmt.Errorf("platform: send udp: %w", err)
	}
	return nil
}

// LocalAddr returns the socket's bound local address.
func (s *UDPSocket) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close stops the read goroutine and releases the underlying file
// descriptor.
func (s *UDPSocket) Close() error {
	close(s.done)
	return s.conn.Close()
}
