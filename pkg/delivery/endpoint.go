package delivery

import "time"

// EmitFunc hands one wire-ready fragment blob to the protocol layer for
// the bus at busIndex. Errors abort the remainder of that transmission's
// fragments but never retroactively undo hand-off already completed.
type EmitFunc func(busIndex int, wire []byte) error

type reliableKey struct {
	bus       int
	parcelSeq uint64
}

// Endpoint is the delivery engine's per-peer state (spec.md §4.7): N
// buses, a receiver-side reassembly table, an RTT estimator and — client
// side only — a clock-offset estimator. Owned 1:1 by a protocol peer.
type Endpoint struct {
	Buses       []*Bus
	Receiver    *Receiver
	RTT         *RTTEstimator
	ClockOffset *ClockOffset // nil on the server side

	reliable map[reliableKey]*transmission
}

// NewEndpoint builds an endpoint with one bus per entry in modes.
// ClockOffset is allocated only when clientSide is true.
func NewEndpoint(modes []Mode, clientSide bool) *Endpoint {
	e := &Endpoint{
		Receiver: NewReceiver(),
		RTT:      NewRTTEstimator(),
		reliable: make(map[reliableKey]*transmission),
	}
	for i, m := range modes {
		e.Buses = append(e.Buses, NewBus(i, m))
	}
	if clientSide {
		e.ClockOffset = NewClockOffset()
	}
	return e
}

// Bus returns the bus at index i, or nil if out of range.
func (e *Endpoint) Bus(i int) *Bus {
	if i < 0 || i >= len(e.Buses) {
		return nil
	}
	return e.Buses[i]
}

// Submit fragments s's parcel across every target Sender.AddTransmission
// registered, handing each fragment's wire bytes to emit. UNRELIABLE and
// SEQUENCED transmissions resolve immediately after hand-off; RELIABLE
// transmissions resolve only once every fragment's ack has arrived,
// tracked via Endpoint.HandleFragment / Retransmit.
func (e *Endpoint) Submit(s *Sender, now time.Time, emit EmitFunc) error {
	total := s.parcel.TotalFragments()
	for _, t := range s.targets {
		t.parcelSeq = t.bus.nextParcelSeq()
		if t.mode == Reliable {
			t.pending = total
			e.reliable[reliableKey{t.bus.Index, t.parcelSeq}] = t
		}
		for i, chunk := range s.parcel.Chunks {
			f := Fragment{
				Mode:           t.mode,
				ParcelSeq:      t.parcelSeq,
				Index:          uint64(i),
				Last:           i == total-1,
				TotalFragments: uint64(total),
				Bytes:          chunk,
				AckIndex:       noAck,
			}
			if t.mode == Reliable {
				if ackSeq, ackIdx, ok := t.bus.pendingAck(); ok {
					f.AckParcelSeq, f.AckIndex = ackSeq, ackIdx
				}
				t.bus.unacked[fragKey{t.parcelSeq, uint64(i)}] = &outgoingFragment{
					frag:     f,
					deadline: now.Add(e.RTT.RTO()),
					sentAt:   now,
				}
			}
			if err := emit(t.bus.Index, f.Encode(nil)); err != nil {
				return err
			}
		}
		if t.mode != Reliable {
			s.resolve(t)
		}
	}
	return nil
}

// HandleFragment decodes and processes one inbound fragment for the bus
// at busIndex: it applies any piggybacked RELIABLE ack, feeds the
// fragment into the reassembly table, and reports every parcel the
// fragment makes newly deliverable, in delivery order. On a RELIABLE bus
// this is usually zero or one parcel, but can be more than one: a
// fragment that fills the one gap blocking several already-reassembled
// parcels releases all of them at once (spec.md §5's strict-sequence
// ordering guarantee).
func (e *Endpoint) HandleFragment(busIndex int, wire []byte, now time.Time) (delivered []Delivery, err error) {
	bus := e.Bus(busIndex)
	if bus == nil {
		return nil, nil
	}
	f, _, err := DecodeFragment(wire)
	if err != nil {
		return nil, err
	}
	if f.Mode == Reliable && f.AckIndex != noAck {
		e.applyAck(bus, f.AckParcelSeq, f.AckIndex, now)
	}
	return e.Receiver.Accept(bus, f, now), nil
}

// applyAck clears every unacked fragment the incoming ack covers, feeds
// each one's round-trip time into the RTO estimator, and resolves the
// matching transmission once nothing on that parcel remains outstanding.
func (e *Endpoint) applyAck(bus *Bus, parcelSeq, index uint64, now time.Time) {
	removed := bus.ack(parcelSeq, index)
	for _, of := range removed {
		e.RTT.Sample(now.Sub(of.sentAt))
	}
	key := reliableKey{bus.Index, parcelSeq}
	t, ok := e.reliable[key]
	if !ok {
		return
	}
	remaining := 0
	for k := range bus.unacked {
		if k.parcelSeq == parcelSeq {
			remaining++
		}
	}
	if remaining == 0 {
		delete(e.reliable, key)
		t.parent.resolve(t)
	}
}

// Retransmit resends every RELIABLE fragment whose retransmit deadline
// has passed, refreshing the deadline from the current RTT estimate.
func (e *Endpoint) Retransmit(now time.Time, emit EmitFunc) {
	for _, bus := range e.Buses {
		if bus.Mode != Reliable {
			continue
		}
		for _, of := range bus.unacked {
			if now.Before(of.deadline) {
				continue
			}
			f := of.frag
			if ackSeq, ackIdx, ok := bus.pendingAck(); ok {
				f.AckParcelSeq, f.AckIndex = ackSeq, ackIdx
			}
			of.deadline = now.Add(e.RTT.RTO())
			of.sentAt = now
			emit(bus.Index, f.Encode(nil))
		}
	}
}

// Sweep discards stale, never-completed reassembly entries.
func (e *Endpoint) Sweep(now time.Time, timeout time.Duration) {
	e.Receiver.Sweep(now, timeout)
}
