//go:build !linux && !darwin

package platform

import "net"

// tuneListener is a no-op on platforms without the unix socket option set
// (e.g. Windows); the OS defaults apply.
func tuneListener(conn *net.UDPConn) {}
