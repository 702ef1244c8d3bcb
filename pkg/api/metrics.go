package api

import (
	"io"

	"github.com/VictoriaMetrics/metrics"

	"github.com/embernet/ember/pkg/metricsx"
)

// socketMetrics mirrors the source's pomelo_statistic_* counters (per
// SPEC_FULL.md §6/§12) as VictoriaMetrics counters/histograms scoped to
// one Socket's private metrics.Set, so multiple sockets in one process
// never collide on metric names.
type socketMetrics struct {
	set *metrics.Set

	packetsTotal        func(packetType string) *metrics.Counter
	packetsDroppedTotal func(reason string) *metrics.Counter
	fragmentsRetransmittedTotal *metrics.Counter
	replayRejectedTotal         *metrics.Counter
	rttSeconds                  *metrics.Histogram
	sessionsConnectedTotal      *metrics.Counter
	sessionsDisconnectedTotal   *metrics.Counter
}

func newSocketMetrics() *socketMetrics {
	set := metrics.NewSet()
	return &socketMetrics{
		set: set,
		packetsTotal: func(packetType string) *metrics.Counter {
			return set.GetOrCreateCounter(metricsx.Name("ember_packets_total", "type", packetType))
		},
		packetsDroppedTotal: func(reason string) *metrics.Counter {
			return set.GetOrCreateCounter(metricsx.Name("ember_packets_dropped_total", "reason", reason))
		},
		fragmentsRetransmittedTotal: set.GetOrCreateCounter("ember_fragments_retransmitted_total"),
		replayRejectedTotal:         set.GetOrCreateCounter("ember_replay_rejected_total"),
		rttSeconds:                  set.GetOrCreateHistogram("ember_rtt_seconds"),
		sessionsConnectedTotal:      set.GetOrCreateCounter("ember_sessions_connected_total"),
		sessionsDisconnectedTotal:   set.GetOrCreateCounter("ember_sessions_disconnected_total"),
	}
}

// WritePrometheus exposes this socket's metrics in Prometheus exposition
// format, mirroring the teacher's Listener.WritePrometheus convention.
func (s *Socket) WritePrometheus(w io.Writer) {
	s.metrics.set.WritePrometheus(w)
}
