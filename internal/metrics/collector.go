// Package metrics exposes engine-wide Prometheus instrumentation: PCB pool
// occupancy, segment counts, and retransmission/fast-recovery events. The
// collector style (a struct of pre-built prometheus.Metric instances wired
// into a prometheus.Registerer by the caller) follows the exporter package
// retrieved alongside this engine's other dependencies, trimmed to the
// gauges/counters this engine actually produces rather than that package's
// per-socket TCPInfo scrape.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector bundles the counters and gauges the engine updates as it
// processes segments and timer events. The zero value is not usable; build
// one with New or NewNop.
type Collector struct {
	PcbPoolInUse      prometheus.Gauge
	PcbPoolCapacity   prometheus.Gauge
	SegmentsReceived  prometheus.Counter
	SegmentsSent      prometheus.Counter
	SegmentsDropped   prometheus.Counter
	Retransmissions   prometheus.Counter
	FastRetransmits   prometheus.Counter
	ChecksumFailures  prometheus.Counter
	ConnectionsOpened prometheus.Counter
	ConnectionsClosed prometheus.Counter
}

// New builds a Collector and registers every metric with reg under the
// "tcpcore_" prefix. Panics on a duplicate-registration collision, matching
// the usual promauto failure mode for a misused registry.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		PcbPoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpcore_pcb_pool_in_use",
			Help: "Number of PCBs currently allocated out of the fixed pool.",
		}),
		PcbPoolCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpcore_pcb_pool_capacity",
			Help: "Fixed capacity of the PCB pool.",
		}),
		SegmentsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpcore_segments_received_total",
			Help: "TCP segments accepted for processing.",
		}),
		SegmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpcore_segments_sent_total",
			Help: "TCP segments emitted, including retransmissions.",
		}),
		SegmentsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpcore_segments_dropped_total",
			Help: "Inbound segments dropped (checksum, unacceptable window, spoof).",
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpcore_retransmissions_total",
			Help: "Segments retransmitted by the RTO timer.",
		}),
		FastRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpcore_fast_retransmits_total",
			Help: "Fast-retransmit events triggered by duplicate ACKs.",
		}),
		ChecksumFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpcore_checksum_failures_total",
			Help: "Inbound segments dropped for a bad TCP checksum.",
		}),
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpcore_connections_opened_total",
			Help: "Connections that reached ESTABLISHED.",
		}),
		ConnectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcpcore_connections_closed_total",
			Help: "PCBs that reached CLOSED.",
		}),
	}
	reg.MustRegister(
		c.PcbPoolInUse, c.PcbPoolCapacity, c.SegmentsReceived, c.SegmentsSent,
		c.SegmentsDropped, c.Retransmissions, c.FastRetransmits,
		c.ChecksumFailures, c.ConnectionsOpened, c.ConnectionsClosed,
	)
	return c
}

// NewNop returns a Collector whose metrics are never registered with any
// registry, for callers (and tests) that don't want Prometheus wiring.
func NewNop() *Collector {
	return &Collector{
		PcbPoolInUse:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "noop_pool_in_use"}),
		PcbPoolCapacity:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "noop_pool_capacity"}),
		SegmentsReceived:  prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_segments_received"}),
		SegmentsSent:      prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_segments_sent"}),
		SegmentsDropped:   prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_segments_dropped"}),
		Retransmissions:   prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_retransmissions"}),
		FastRetransmits:   prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_fast_retransmits"}),
		ChecksumFailures:  prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_checksum_failures"}),
		ConnectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_connections_opened"}),
		ConnectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{Name: "noop_connections_closed"}),
	}
}
