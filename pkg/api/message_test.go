package api

import (
	"bytes"
	"errors"
	"testing"
)

func TestMessageWriteThenReadIsExclusive(t *testing.T) {
	m := NewMessage()
	if _, err := m.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 5 {
		t.Fatalf("Len() = %d, want 5", m.Len())
	}

	buf := make([]byte, 1)
	if _, err := m.Read(buf); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("Read on a write-mode message: err = %v, want ErrIllegalState", err)
	}
}

func TestReadMessageRejectsWrite(t *testing.T) {
	m := newReadMessage([]byte("abc"))
	if _, err := m.Write([]byte("x")); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("Write on a read-mode message: err = %v, want ErrIllegalState", err)
	}

	buf := make([]byte, 3)
	n, err := m.Read(buf)
	if err != nil || n != 3 || !bytes.Equal(buf, []byte("abc")) {
		t.Fatalf("Read = (%d, %v), want (3, nil) with %q", n, err, buf)
	}
	if m.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0", m.Remaining())
	}

	if _, err := m.Read(make([]byte, 1)); !errors.Is(err, ErrMessageUnderflow) {
		t.Fatalf("Read past end: err = %v, want ErrMessageUnderflow", err)
	}
}

func TestMessageCloneCopiesWrittenBytesIndependently(t *testing.T) {
	m := NewMessage()
	if _, err := m.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	clone, err := m.Clone()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(clone.writer.Bytes(), []byte("abc")) {
		t.Fatalf("clone bytes = %q, want %q", clone.writer.Bytes(), "abc")
	}

	if _, err := clone.Write([]byte("d")); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(m.writer.Bytes(), clone.writer.Bytes()) {
		t.Fatal("clone shares the original writer's backing buffer")
	}
}

func TestMessageCloneFailsOnceFrozen(t *testing.T) {
	m := NewMessage()
	m.frozen = true
	if _, err := m.Clone(); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("Clone on a frozen message: err = %v, want ErrIllegalState", err)
	}
}

func TestMessageOnSendResultFires(t *testing.T) {
	m := NewMessage()
	var got int
	m.OnSendResult(func(n int) { got = n })
	m.onResult(3)
	if got != 3 {
		t.Fatalf("onResult callback got %d, want 3", got)
	}
}
