package packet

import (
	"bytes"
	"testing"

	"github.com/embernet/ember/pkg/codec"
	"github.com/embernet/ember/pkg/crypto"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	body := KeepAlive{ClientID: 125}.Encode(nil)

	wire, err := Encode(nil, codec.PacketKeepAlive, 7, 50, key, body)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	header, plain, err := Decode(wire, 50, key)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if header.Type != codec.PacketKeepAlive || header.Sequence != 7 {
		t.Fatalf("header = %+v", header)
	}
	ka, err := DecodeKeepAlive(plain)
	if err != nil {
		t.Fatalf("decode keep-alive: %v", err)
	}
	if ka.ClientID != 125 {
		t.Fatalf("client id = %d, want 125", ka.ClientID)
	}
}

func TestEnvelopeWrongProtocolIDFails(t *testing.T) {
	key, _ := crypto.GenerateKey()
	body := Disconnect{}.Encode(nil)
	wire, err := Encode(nil, codec.PacketDisconnect, 1, 50, key, body)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := Decode(wire, 51, key); err != crypto.ErrCryptoFailed {
		t.Fatalf("err = %v, want ErrCryptoFailed", err)
	}
}

func TestEnvelopeTamperEveryByteFails(t *testing.T) {
	key, _ := crypto.GenerateKey()
	body := Payload{Fragments: []byte("fragment bytes go here")}.Encode(nil)
	wire, err := Encode(nil, codec.PacketPayload, 99, 50, key, body)
	if err != nil {
		t.Fatal(err)
	}
	for i := range wire {
		tampered := append([]byte(nil), wire...)
		tampered[i] ^= 0xff
		if _, _, err := Decode(tampered, 50, key); err == nil {
			t.Fatalf("byte %d: tamper accepted", i)
		}
	}
}

func TestRequestBypassesEnvelope(t *testing.T) {
	key, _ := crypto.GenerateKey()
	var tok [codec.TokenSize]byte
	copy(tok[:], bytes.Repeat([]byte{0xAB}, codec.TokenSize))
	body := Request{Token: tok}.Encode(nil)

	wire, err := Encode(nil, codec.PacketRequest, 0, 50, key, body)
	if err != nil {
		t.Fatal(err)
	}
	// REQUEST isn't sealed, so decoding with any key yields the same body.
	header, plain, err := Decode(wire, 50, crypto.Key{})
	if err != nil {
		t.Fatal(err)
	}
	if header.Type != codec.PacketRequest {
		t.Fatalf("type = %v, want REQUEST", header.Type)
	}
	req, err := DecodeRequest(plain)
	if err != nil {
		t.Fatal(err)
	}
	if req.Token != tok {
		t.Fatal("request token did not round trip")
	}
}

func TestChallengeResponseRoundTrip(t *testing.T) {
	var data [ChallengeTokenSize]byte
	copy(data[:], bytes.Repeat([]byte{0x42}, ChallengeTokenSize))
	c := Challenge{TokenSequence: 3, TokenData: data}
	enc := c.Encode(nil)
	dec, err := DecodeChallenge(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != c {
		t.Fatalf("challenge round trip mismatch")
	}

	r := Response{TokenSequence: c.TokenSequence, TokenData: c.TokenData}
	encR := r.Encode(nil)
	decR, err := DecodeResponse(encR)
	if err != nil {
		t.Fatal(err)
	}
	if decR != r {
		t.Fatalf("response round trip mismatch")
	}
}

func FuzzDecodePacket(f *testing.F) {
	key, _ := crypto.GenerateKey()
	wire, _ := Encode(nil, codec.PacketPayload, 1, 50, key, Payload{Fragments: []byte("x")}.Encode(nil))
	f.Add(wire)
	f.Add([]byte{})
	f.Add([]byte{0x00})

	f.Fuzz(func(t *testing.T, b []byte) {
		Decode(b, 50, key)
	})
}
