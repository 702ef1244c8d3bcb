//go:build linux || darwin

package platform

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneListener enables SO_REUSEPORT (so a demo binary can run several
// listeners on the same port for local testing) and grows the receive
// buffer past the OS default, which otherwise causes drops under the burst
// traffic a reliable-delivery retransmit storm can produce.
func tuneListener(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 1<<20)
	})
}
