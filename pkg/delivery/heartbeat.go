package delivery

import "time"

// HeartbeatInterval returns the keep-alive/retransmit-check cadence for a
// peer with the given idle timeout, per spec.md §8 scenario 6
// ("DISCONNECTED within (timeout, timeout+heartbeat_interval)"):
// roughly a quarter of the timeout, so at least three heartbeats land
// inside any timeout window.
func HeartbeatInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval < minRTO {
		return minRTO
	}
	return interval
}
