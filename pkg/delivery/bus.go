package delivery

import "time"

// fragKey identifies one outgoing fragment awaiting ACK.
type fragKey struct {
	parcelSeq uint64
	index     uint64
}

type outgoingFragment struct {
	frag     Fragment
	deadline time.Time
	sentAt   time.Time
}

// Bus holds the per-(endpoint, channel) delivery state named in spec.md
// §4.7: the active mode, the SEQUENCED high-water mark, and the RELIABLE
// window of unacked outgoing fragments.
type Bus struct {
	Index int
	Mode  Mode

	nextSendSeq uint64

	haveDelivered    bool
	highestDelivered uint64

	// reliableNextDeliver is the next RELIABLE parcel sequence this bus
	// will hand to the application; Receiver.drainReliable advances it.
	reliableNextDeliver uint64

	unacked map[fragKey]*outgoingFragment

	// lastReceivedParcel/lastReceivedIndex track the highest contiguously
	// received fragment index of the RELIABLE parcel most recently added
	// to on this bus, piggybacked as an ack on the next outgoing RELIABLE
	// fragment.
	haveReceived      bool
	lastReceivedParcel uint64
	lastReceivedIndex  uint64
}

// NewBus constructs a bus in the given mode.
func NewBus(index int, mode Mode) *Bus {
	return &Bus{Index: index, Mode: mode, unacked: make(map[fragKey]*outgoingFragment)}
}

func (b *Bus) nextParcelSeq() uint64 {
	seq := b.nextSendSeq
	b.nextSendSeq++
	return seq
}

// AcceptSequenced reports whether a SEQUENCED parcel at seq is newer than
// the bus's last delivered sequence, advancing the high-water mark if so.
func (b *Bus) AcceptSequenced(seq uint64) bool {
	if b.haveDelivered && seq <= b.highestDelivered {
		return false
	}
	b.highestDelivered = seq
	b.haveDelivered = true
	return true
}

// noteReceived records the highest contiguously received fragment index
// of a RELIABLE parcel, for the next outgoing ack piggyback.
func (b *Bus) noteReceived(parcelSeq, index uint64) {
	b.haveReceived = true
	b.lastReceivedParcel = parcelSeq
	b.lastReceivedIndex = index
}

// pendingAck returns the ack to piggyback on the next outgoing RELIABLE
// fragment, if any.
func (b *Bus) pendingAck() (parcelSeq, index uint64, ok bool) {
	return b.lastReceivedParcel, b.lastReceivedIndex, b.haveReceived
}

// ack marks every unacked fragment at or before (parcelSeq, index) within
// the same parcel as acknowledged, per spec.md §4.7's cumulative-ack
// intent ("retransmission stops on ACK receipt"), returning the removed
// entries so the caller can feed their send timestamps into an RTT
// sample.
func (b *Bus) ack(parcelSeq, index uint64) []outgoingFragment {
	var removed []outgoingFragment
	for k, of := range b.unacked {
		if k.parcelSeq == parcelSeq && k.index <= index {
			removed = append(removed, *of)
			delete(b.unacked, k)
		}
	}
	return removed
}
