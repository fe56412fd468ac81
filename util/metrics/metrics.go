package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Throughput tracks the last known frames-per-second estimate per surface
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canvasgov_throughput_fps",
			Help: "Last known rendering throughput in frames per second",
		},
		[]string{"surface"},
	)

	// ThroughputKnown is 1 while the sampler has a valid estimate and 0 while it is stalled or warming up
	ThroughputKnown = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canvasgov_throughput_known",
			Help: "Whether the throughput estimate is currently known (1) or unknown (0)",
		},
		[]string{"surface"},
	)

	// NodesRegistered tracks the number of live nodes per tier
	NodesRegistered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canvasgov_nodes_registered",
			Help: "Number of registered visual nodes",
		},
		[]string{"surface", "tier"},
	)

	// NodesIsolated tracks the number of isolated nodes per isolation reason
	NodesIsolated = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canvasgov_nodes_isolated",
			Help: "Number of isolated visual nodes",
		},
		[]string{"surface", "reason"},
	)

	// TransitionsTotal counts isolate/restore transitions
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvasgov_transitions_total",
			Help: "Total number of node isolation transitions",
		},
		[]string{"surface", "transition", "reason"},
	)

	// RejectedTotal counts operations the governor refused or skipped
	RejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvasgov_rejected_operations_total",
			Help: "Total number of rejected or skipped governor operations",
		},
		[]string{"surface", "operation", "kind"},
	)

	// TickDuration tracks how long one decision tick takes in seconds
	TickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canvasgov_tick_duration_seconds",
			Help:    "Duration of governor decision ticks in seconds",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		},
		[]string{"surface"},
	)

	// TickPanicsTotal counts recovered panics inside the decision tick
	TickPanicsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvasgov_tick_panics_total",
			Help: "Total number of recovered panics in the governor tick",
		},
		[]string{"surface"},
	)

	// JournalDroppedTotal counts transition events the journal could not buffer
	JournalDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canvasgov_journal_dropped_total",
			Help: "Total number of transition events dropped by the journal because its buffer was full",
		},
	)
)

// SetThroughput records the current throughput estimate for a surface
func SetThroughput(surface string, fps float64, known bool) {
	if known {
		Throughput.WithLabelValues(surface).Set(fps)
		ThroughputKnown.WithLabelValues(surface).Set(1)
		return
	}
	ThroughputKnown.WithLabelValues(surface).Set(0)
}

// SetNodesRegistered sets the registered node count for a surface and tier
func SetNodesRegistered(surface, tier string, count int) {
	NodesRegistered.WithLabelValues(surface, tier).Set(float64(count))
}

// SetNodesIsolated sets the isolated node count for a surface and reason
func SetNodesIsolated(surface, reason string, count int) {
	NodesIsolated.WithLabelValues(surface, reason).Set(float64(count))
}

// RecordTransition increments the transition counter; transition is "isolate" or "restore"
func RecordTransition(surface, transition, reason string) {
	TransitionsTotal.WithLabelValues(surface, transition, reason).Inc()
}

// RecordRejected increments the rejected operation counter
func RecordRejected(surface, operation, kind string) {
	RejectedTotal.WithLabelValues(surface, operation, kind).Inc()
}

// RecordTickDuration records the duration of one tick in seconds
func RecordTickDuration(surface string, durationSeconds float64) {
	TickDuration.WithLabelValues(surface).Observe(durationSeconds)
}

// RecordTickPanic increments the recovered tick panic counter
func RecordTickPanic(surface string) {
	TickPanicsTotal.WithLabelValues(surface).Inc()
}

// RecordJournalDropped increments the dropped journal event counter
func RecordJournalDropped() {
	JournalDroppedTotal.Inc()
}
