package delivery

import "time"

const (
	rttAlpha  = 0.125 // srtt smoothing factor
	rttBeta   = 0.25  // rttvar smoothing factor
	minRTO    = 100 * time.Millisecond
	maxRTO    = 60 * time.Second
	initialRTO = 1 * time.Second
)

// RTTEstimator maintains a Jacobson-style smoothed RTT and variance,
// per spec.md §4.7, used to derive the RELIABLE-mode retransmit timeout.
type RTTEstimator struct {
	srtt    time.Duration
	rttvar  time.Duration
	primed  bool
}

// NewRTTEstimator returns an estimator with no samples yet; RTO returns
// a conservative default until the first Sample call.
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{}
}

// Sample folds one measured round-trip sample into the estimate.
func (e *RTTEstimator) Sample(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	if !e.primed {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.primed = true
		return
	}
	diff := e.srtt - rtt
	if diff < 0 {
		diff = -diff
	}
	e.rttvar = time.Duration((1-rttBeta)*float64(e.rttvar) + rttBeta*float64(diff))
	e.srtt = time.Duration((1-rttAlpha)*float64(e.srtt) + rttAlpha*float64(rtt))
}

// SRTT returns the current smoothed RTT estimate.
func (e *RTTEstimator) SRTT() time.Duration { return e.srtt }

// Variance returns the current smoothed RTT variance estimate, backing
// Session.GetRTT's variance half per spec.md §4.8.
func (e *RTTEstimator) Variance() time.Duration { return e.rttvar }

// RTO returns the current retransmit timeout, clamped to [minRTO, maxRTO].
func (e *RTTEstimator) RTO() time.Duration {
	if !e.primed {
		return initialRTO
	}
	rto := e.srtt + 4*e.rttvar
	if rto < minRTO {
		return minRTO
	}
	if rto > maxRTO {
		return maxRTO
	}
	return rto
}
