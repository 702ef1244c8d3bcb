package api

import (
	"fmt"

	"github.com/embernet/ember/pkg/delivery"
)

// Message is a reference-counted handle (per spec.md §4.5's parcel model
// — here, simply a Go value kept alive by the caller's reference, since
// Go's garbage collector supersedes the source's manual refcounting; see
// DESIGN.md) over a parcel, plus a cursor for write or read. Write and
// read are mutually exclusive; Clone is only defined on a writable,
// unsent message; once Send freezes a message, further writes fail.
type Message struct {
	writer *delivery.Writer
	reader *delivery.Reader
	frozen bool

	// onResult, if set via OnSendResult, is invoked once every
	// transmission this message was sent on resolves.
	onResult func(transmissionCount int)
}

// NewMessage returns an empty, writable message.
func NewMessage() *Message {
	return &Message{writer: delivery.NewWriter()}
}

// newReadMessage wraps a fully reassembled parcel's bytes for reading; used
// internally when delivering an inbound parcel to the application.
func newReadMessage(payload []byte) *Message {
	return &Message{reader: delivery.NewReader(payload), frozen: true}
}

// Write appends p to the message. It fails with ErrIllegalState if the
// message is in read mode or already sent, and ErrMessageOverflow if p
// would exceed the maximum parcel size.
func (m *Message) Write(p []byte) (int, error) {
	if m.reader != nil || m.frozen {
		return 0, fmt.Errorf("api: message write: %w", ErrIllegalState)
	}
	n, err := m.writer.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrMessageOverflow, err)
	}
	return n, nil
}

// Read copies up to len(p) unread bytes into p. It fails with
// ErrIllegalState if the message is in write mode, and
// ErrMessageUnderflow if p is larger than what remains.
func (m *Message) Read(p []byte) (int, error) {
	if m.writer != nil {
		return 0, fmt.Errorf("api: message read: %w", ErrIllegalState)
	}
	n, err := m.reader.Read(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrMessageUnderflow, err)
	}
	return n, nil
}

// Remaining reports the number of unread bytes; valid only in read mode.
func (m *Message) Remaining() int {
	if m.reader == nil {
		return 0
	}
	return m.reader.Remaining()
}

// Len reports the number of bytes written so far; valid only in write mode.
func (m *Message) Len() int {
	if m.writer == nil {
		return 0
	}
	return m.writer.Len()
}

// Clone copies this message's written-so-far bytes into a new, independent
// writable message. It is only defined on a writable, not-yet-sent
// message, matching spec.md §4.5's "clone is only defined on writable
// messages".
func (m *Message) Clone() (*Message, error) {
	if m.writer == nil || m.frozen {
		return nil, fmt.Errorf("api: message clone: %w", ErrIllegalState)
	}
	clone := NewMessage()
	if _, err := clone.writer.Write(m.writer.Bytes()); err != nil {
		return nil, fmt.Errorf("api: message clone: %w", err)
	}
	return clone, nil
}

// OnSendResult registers a callback fired exactly once after every
// transmission this message is sent on (see Channel.Send) resolves, with
// the number of transmissions that resolved.
func (m *Message) OnSendResult(fn func(transmissionCount int)) {
	m.onResult = fn
}
