// Package adapter defines the abstract UDP I/O boundary between the
// protocol engine and the platform's sockets, plus the default
// implementation over pkg/platform.
package adapter

import (
	"fmt"
	"net/netip"
)

// Capability flags advertise which directions an adapter supports
// encrypted. The protocol engine refuses to start if the negotiated
// direction isn't covered.
type Capability uint8

const (
	ClientEncrypted Capability = 1 << iota
	ServerEncrypted
	ClientUnencrypted
	ServerUnencrypted
)

func (c Capability) Has(flag Capability) bool { return c&flag != 0 }

// Status describes the outcome of a send or receive.
type Status int

const (
	StatusOK Status = iota
	StatusError
)

// Callbacks are invoked by an Adapter as I/O completes. OnRecv delivers an
// inbound datagram; OnSendComplete reports the outcome of an earlier Send.
type Callbacks struct {
	OnRecv         func(source netip.AddrPort, view []byte, status Status)
	OnSendComplete func(buffer []byte, status Status)
}

// Adapter is the contract the protocol engine programs against. The
// default implementation forwards directly to a platform UDP socket;
// a test adapter can inject loss/reordering without touching the
// protocol engine at all.
type Adapter interface {
	// Connect dials a client-role socket toward address.
	Connect(address netip.AddrPort) error
	// Listen binds a server-role socket at address.
	Listen(address netip.AddrPort) error
	// Stop releases the underlying socket. Idempotent.
	Stop() error
	// Send transmits view. address is required for a listening (server)
	// adapter and ignored for a connected (client) one.
	Send(address netip.AddrPort, view []byte) error
	// Capabilities reports which directions this adapter supports
	// encrypted vs. unencrypted.
	Capabilities() Capability
}

// ErrCapabilityMismatch is returned by callers that require a capability
// the adapter doesn't advertise.
type ErrCapabilityMismatch struct {
	Want, Have Capability
}

func (e *ErrCapabilityMismatch) Error() string {
	return fmt.Sprintf("adapter: capability mismatch: want %v, have %v", e.Want, e.Have)
}

// RequireCapability returns ErrCapabilityMismatch unless have covers every
// flag set in want.
func RequireCapability(have, want Capability) error {
	if have&want != want {
		return &ErrCapabilityMismatch{Want: want, Have: have}
	}
	return nil
}
