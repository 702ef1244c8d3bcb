package api

import (
	"fmt"
	"time"

	"github.com/embernet/ember/pkg/delivery"
)

// Channel is a thin façade over one delivery bus, carrying the mode the
// socket was configured with for this channel index (spec.md §4.8).
type Channel struct {
	Index   int
	Mode    delivery.Mode
	session *Session
}

// Send packs msg's written bytes into a parcel and hands it to the
// delivery engine for transmission on this channel. Once Send returns,
// msg's cursor is frozen; it must not be written to again.
func (c *Channel) Send(msg *Message) error {
	if msg.reader != nil {
		return fmt.Errorf("api: send: %w: message is in read mode", ErrIllegalState)
	}
	if msg.frozen {
		return fmt.Errorf("api: send: %w: message already sent", ErrIllegalState)
	}
	if !c.session.Connected {
		return fmt.Errorf("api: send: %w", ErrSessionInvalid)
	}

	parcel, err := msg.writer.Pack()
	if err != nil {
		return fmt.Errorf("api: send: %w", err)
	}
	msg.frozen = true

	bus := c.session.Endpoint.Bus(c.Index)
	sender := delivery.NewSender(parcel)
	sender.AddTransmission(bus, c.Mode)
	sender.OnResult = msg.onResult

	return c.session.Socket.submitSender(c.session, sender, time.Now())
}
