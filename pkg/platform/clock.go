// Package platform implements the event-loop primitives the rest of ember
// is built on: clocks, timers, deferred/worker task submission and UDP
// sockets. Everything above this package talks to it through small
// interfaces so tests can swap in a fake clock or an in-memory socket.
package platform

import "time"

// Clock exposes the two time sources the protocol and delivery engines
// need: a monotonic high-resolution clock for RTT/timeout math, and a
// wall clock for timestamps that cross the wire (token expiry, clock-offset
// sync).
type Clock interface {
	// HRTime returns a monotonic nanosecond counter. Only differences
	// between two calls are meaningful.
	HRTime() int64
	// Now returns the current wall-clock time in milliseconds since the
	// Unix epoch.
	Now() int64
}

// SystemClock is the production Clock backed by the Go runtime's
// monotonic and wall clocks.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a Clock whose HRTime is relative to the moment
// it's constructed, using the runtime's monotonic reading.
func NewSystemClock() SystemClock {
	return SystemClock{start: time.Now()}
}

func (c SystemClock) HRTime() int64 {
	return int64(time.Since(c.start))
}

func (SystemClock) Now() int64 {
	return time.Now().UnixMilli()
}
