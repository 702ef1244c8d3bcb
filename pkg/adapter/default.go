package adapter

import (
	"fmt"
	"net/netip"

	"github.com/embernet/ember/pkg/platform"
)

// Default is the adapter implementation used outside of tests: it forwards
// directly to a platform.UDPSocket. It only ever advertises the encrypted
// capability flags — ember has no unencrypted wire mode — so mixing
// encrypted and unencrypted traffic on one socket can never happen.
type Default struct {
	loop *platform.Loop
	cb   Callbacks
	sock *platform.UDPSocket
}

// NewDefault constructs a Default adapter bound to loop, delivering
// received datagrams through cb.
func NewDefault(loop *platform.Loop, cb Callbacks) *Default {
	return &Default{loop: loop, cb: cb}
}

func (d *Default) Capabilities() Capability {
	return ClientEncrypted | ServerEncrypted
}

func (d *Default) onRecv(source netip.AddrPort, b []byte) {
	if d.cb.OnRecv != nil {
		d.cb.OnRecv(source, b, StatusOK)
	}
}

func (d *Default) Listen(address netip.AddrPort) error {
	if d.sock != nil {
		return fmt.Errorf("adapter: already started")
	}
	sock, err := platform.ListenUDP(d.loop, address, d.onRecv)
	if err != nil {
		return err
	}
	d.sock = sock
	return nil
}

func (d *Default) Connect(address netip.AddrPort) error {
	if d.sock != nil {
		return fmt.Errorf("adapter: already started")
	}
	sock, err := platform.DialUDP(d.loop, address, d.onRecv)
	if err != nil {
		return err
	}
	d.sock = sock
	return nil
}

func (d *Default) Send(address netip.AddrPort, view []byte) error {
	if d.sock == nil {
		return fmt.Errorf("adapter: not started")
	}
	err := d.sock.Send(address, view)
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	if d.cb.OnSendComplete != nil {
		d.cb.OnSendComplete(view, status)
	}
	return err
}

func (d *Default) Stop() error {
	if d.sock == nil {
		return nil
	}
	err := d.sock.Close()
	d.sock = nil
	return err
}

// LocalAddr returns the bound local address once Listen or Connect has
// succeeded.
func (d *Default) LocalAddr() netip.AddrPort {
	if d.sock == nil {
		return netip.AddrPort{}
	}
	return d.sock.LocalAddr()
}
