package crypto

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	nonce := MakeNonce(42)
	plain := []byte("hello ember")
	ad := []byte("associated")

	sealed, err := Seal(nil, plain, key, nonce, ad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if len(sealed) != len(plain)+TagSize {
		t.Fatalf("sealed length = %d, want %d", len(sealed), len(plain)+TagSize)
	}

	opened, err := Open(nil, sealed, key, nonce, ad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatalf("opened = %q, want %q", opened, plain)
	}
}

func TestOpenRejectsTamperedByte(t *testing.T) {
	key, _ := GenerateKey()
	nonce := MakeNonce(1)
	plain := []byte("don't tamper with me")
	sealed, err := Seal(nil, plain, key, nonce, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	for k := 0; k < len(sealed); k++ {
		tampered := append([]byte(nil), sealed...)
		tampered[k] ^= 0xff
		if _, err := Open(nil, tampered, key, nonce, nil); err != ErrCryptoFailed {
			t.Fatalf("byte %d: tamper not detected, err=%v", k, err)
		}
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key, _ := GenerateKey()
	other, _ := GenerateKey()
	nonce := MakeNonce(7)
	sealed, err := Seal(nil, []byte("payload"), key, nonce, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := Open(nil, sealed, other, nonce, nil); err != ErrCryptoFailed {
		t.Fatalf("wrong key accepted: %v", err)
	}
}

func TestMakeNonceLayout(t *testing.T) {
	n := MakeNonce(0x0102030405060708)
	want := Nonce{0, 0, 0, 0, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	if n != want {
		t.Fatalf("nonce = %x, want %x", n, want)
	}
}

func TestChecksumDeterministic(t *testing.T) {
	a := Checksum([]byte("abc"))
	b := Checksum([]byte("abc"))
	if a != b {
		t.Fatal("checksum not deterministic")
	}
	c := Checksum([]byte("abd"))
	if a == c {
		t.Fatal("checksum collided on distinct input")
	}
}

func FuzzOpen(f *testing.F) {
	key, _ := GenerateKey()
	nonce := MakeNonce(9)
	sealed, _ := Seal(nil, []byte("seed"), key, nonce, nil)
	f.Add(sealed)
	f.Add([]byte{})
	f.Add([]byte{0x00})

	f.Fuzz(func(t *testing.T, b []byte) {
		// must never panic regardless of input shape
		Open(nil, b, key, nonce, nil)
	})
}
