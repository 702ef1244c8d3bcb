package delivery

import (
	"bytes"
	"testing"
	"time"
)

func packParcel(t *testing.T, data []byte) *Parcel {
	t.Helper()
	w := NewWriter()
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	p, err := w.Pack()
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestUnreliableDeliversImmediatelyAndResolves(t *testing.T) {
	a := NewEndpoint([]Mode{Unreliable}, true)
	b := NewEndpoint([]Mode{Unreliable}, false)
	now := time.Now()

	data := []byte("ping")
	p := packParcel(t, data)
	s := NewSender(p)
	resolved := 0
	s.OnResult = func(n int) { resolved = n }
	s.AddTransmission(a.Bus(0), Unreliable)

	var delivered []byte
	err := a.Submit(s, now, func(busIndex int, wire []byte) error {
		ds, err := b.HandleFragment(busIndex, wire, now)
		if err != nil {
			t.Fatal(err)
		}
		for _, d := range ds {
			delivered = d.Payload
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if resolved != 1 {
		t.Fatalf("resolved transmissions = %d, want 1", resolved)
	}
	if !bytes.Equal(delivered, data) {
		t.Fatalf("delivered = %q, want %q", delivered, data)
	}
}

func TestSequencedDropsMiddleParcel(t *testing.T) {
	a := NewEndpoint([]Mode{Sequenced}, true)
	b := NewEndpoint([]Mode{Sequenced}, false)
	now := time.Now()

	var delivered [][]byte
	send := func(data []byte, drop bool) {
		p := packParcel(t, data)
		s := NewSender(p)
		s.AddTransmission(a.Bus(0), Sequenced)
		err := a.Submit(s, now, func(busIndex int, wire []byte) error {
			if drop {
				return nil
			}
			ds, err := b.HandleFragment(busIndex, wire, now)
			if err != nil {
				t.Fatal(err)
			}
			for _, d := range ds {
				delivered = append(delivered, d.Payload)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	send([]byte("one"), false)
	send([]byte("two"), true) // dropped entirely at the adapter
	send([]byte("three"), false)

	if len(delivered) != 2 {
		t.Fatalf("delivered %d parcels, want 2", len(delivered))
	}
	if string(delivered[0]) != "one" || string(delivered[1]) != "three" {
		t.Fatalf("delivered = %q, %q", delivered[0], delivered[1])
	}
}

// TestReliableRetransmitsUntilAcked sends a 2-fragment parcel reliably,
// drops the second fragment on the first attempt, and confirms the
// retransmit path redelivers it and the sender resolves only once the
// receiver's ack round-trips back.
func TestReliableRetransmitsUntilAcked(t *testing.T) {
	a := NewEndpoint([]Mode{Reliable}, true)
	b := NewEndpoint([]Mode{Reliable}, false)
	now := time.Now()

	data := bytes.Repeat([]byte{1}, FragmentCapacity+10) // forces 2 fragments
	p := packParcel(t, data)
	s := NewSender(p)
	resolved := 0
	s.OnResult = func(n int) { resolved = n }
	s.AddTransmission(a.Bus(0), Reliable)

	attempt := 0
	var delivered []byte
	deliverToB := func(busIndex int, wire []byte) error {
		f, _, err := DecodeFragment(wire)
		if err != nil {
			t.Fatal(err)
		}
		if attempt == 0 && f.Index == 1 {
			return nil // drop fragment 1 on the first attempt only
		}
		ds, err := b.HandleFragment(busIndex, wire, now)
		if err != nil {
			t.Fatal(err)
		}
		for _, d := range ds {
			delivered = d.Payload
		}
		return nil
	}

	if err := a.Submit(s, now, deliverToB); err != nil {
		t.Fatal(err)
	}
	if delivered != nil {
		t.Fatal("parcel should not be complete yet: fragment 1 was dropped")
	}

	// Retransmit after the RTO elapses; this time let it through.
	attempt = 1
	later := now.Add(a.RTT.RTO() + time.Millisecond)
	a.Retransmit(later, deliverToB)

	if !bytes.Equal(delivered, data) {
		t.Fatalf("delivered = %d bytes, want %d", len(delivered), len(data))
	}
	if resolved != 0 {
		t.Fatal("sender resolved before any ack arrived")
	}

	// B's own outgoing reliable traffic piggybacks the ack for what it
	// received; a trivial empty parcel is enough to carry it back to A,
	// arriving 20ms after the retransmit so the RTT sample is non-zero.
	ackAt := later.Add(20 * time.Millisecond)
	ackParcel := packParcel(t, nil)
	ackSender := NewSender(ackParcel)
	ackSender.AddTransmission(b.Bus(0), Reliable)
	if err := b.Submit(ackSender, ackAt, func(busIndex int, wire []byte) error {
		if _, err := a.HandleFragment(busIndex, wire, ackAt); err != nil {
			t.Fatal(err)
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if resolved != 1 {
		t.Fatalf("resolved = %d, want 1 once B's ack round-trips", resolved)
	}
	if len(a.Bus(0).unacked) != 0 {
		t.Fatalf("%d fragments still unacked after ack round-trip", len(a.Bus(0).unacked))
	}
	if a.RTT.SRTT() <= 0 {
		t.Fatal("expected the ack round-trip to have fed an RTT sample automatically")
	}
}

// TestReliableDeliversInStrictOrderDespiteOutOfOrderArrival covers
// spec.md §5's "parcels in RELIABLE mode are delivered in strict
// sequence": a later parcel that reassembles first must be held back
// until the gap in front of it fills, then both release in order.
func TestReliableDeliversInStrictOrderDespiteOutOfOrderArrival(t *testing.T) {
	a := NewEndpoint([]Mode{Reliable}, true)
	b := NewEndpoint([]Mode{Reliable}, false)
	now := time.Now()

	send := func(data []byte) []byte {
		p := packParcel(t, data)
		s := NewSender(p)
		s.AddTransmission(a.Bus(0), Reliable)
		var wire []byte
		if err := a.Submit(s, now, func(_ int, w []byte) error {
			wire = append([]byte(nil), w...)
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		return wire
	}

	wireFour := send([]byte("four"))
	wireFive := send([]byte("five"))

	// Parcel "five" arrives and reassembles (a single fragment) first,
	// but must not be delivered yet: "four" hasn't arrived.
	ds, err := b.HandleFragment(0, wireFive, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 0 {
		t.Fatalf("parcel delivered out of order before its gap filled: %v", ds)
	}

	// "four" fills the gap: both parcels release together, in order.
	ds, err = b.HandleFragment(0, wireFour, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 2 {
		t.Fatalf("got %d deliveries once the gap filled, want 2", len(ds))
	}
	if string(ds[0].Payload) != "four" || string(ds[1].Payload) != "five" {
		t.Fatalf("delivered out of order: %q, %q", ds[0].Payload, ds[1].Payload)
	}
}
