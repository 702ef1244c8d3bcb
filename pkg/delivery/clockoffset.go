package delivery

import "time"

// ClockOffset estimates the difference between the server's clock and
// the local (client) clock, client side only, so applications can
// interpret server-stamped timestamps in local time. Each sample derives
// from one KEEP-ALIVE round trip: offset = server_time − (local
// send time + rtt/2), folded with the same EMA weight as RTT.
type ClockOffset struct {
	offset time.Duration
	primed bool
}

// NewClockOffset returns a zeroed estimator.
func NewClockOffset() *ClockOffset { return &ClockOffset{} }

// Sample folds one (serverTime, localSendTime, rtt) observation in.
func (c *ClockOffset) Sample(serverTime, localSendTime time.Time, rtt time.Duration) {
	sample := serverTime.Sub(localSendTime.Add(rtt / 2))
	if !c.primed {
		c.offset = sample
		c.primed = true
		return
	}
	c.offset = time.Duration((1-rttAlpha)*float64(c.offset) + rttAlpha*float64(sample))
}

// Offset returns the current estimated server-minus-local clock offset.
func (c *ClockOffset) Offset() time.Duration { return c.offset }

// Primed reports whether at least one sample has been folded in yet,
// per spec.md §4.8's "synchronized time if available, else 0".
func (c *ClockOffset) Primed() bool { return c.primed }

// ToServerTime converts a local time into the estimated server time.
func (c *ClockOffset) ToServerTime(local time.Time) time.Time { return local.Add(c.offset) }
