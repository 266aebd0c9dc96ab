// Package metrics provides Prometheus instrumentation for the consensus
// engine and the HTTP server that exposes it.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	VotesAccepted       prometheus.Counter
	VotesRejected       *prometheus.CounterVec
	LocationUpdates     prometheus.Counter
	BusDropped          *prometheus.CounterVec
	TickDuration        prometheus.Histogram
	SnapshotsBroadcast  prometheus.Counter
	Participants        prometheus.Gauge
	ConnectedClients    prometheus.Gauge
	ConnectedPerformers prometheus.Gauge
	ActiveOverrides     prometheus.Gauge
	BufferedVotes       prometheus.Gauge
}

// Singleton instance; promauto registers with the default registry, which
// panics on duplicate registration, so collectors are created exactly once
// per process.
var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			VotesAccepted: promauto.NewCounter(prometheus.CounterOpts{
				Name: "engine_votes_accepted_total",
				Help: "Total number of votes accepted by the input gateway",
			}),
			VotesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "engine_votes_rejected_total",
				Help: "Total number of votes rejected by the input gateway",
			}, []string{"reason"}),
			LocationUpdates: promauto.NewCounter(prometheus.CounterOpts{
				Name: "engine_location_updates_total",
				Help: "Total number of client location updates",
			}),
			BusDropped: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "engine_bus_dropped_total",
				Help: "Total number of events dropped by the event bus",
			}, []string{"kind"}),
			TickDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "engine_tick_duration_seconds",
				Help:    "Duration of one aggregation and broadcast tick",
				Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05},
			}),
			SnapshotsBroadcast: promauto.NewCounter(prometheus.CounterOpts{
				Name: "engine_snapshots_broadcast_total",
				Help: "Total number of snapshots fanned out to subscribers",
			}),
			Participants: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "engine_tick_participants",
				Help: "Participants whose votes contributed to the last tick",
			}),
			ConnectedClients: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "engine_connected_clients",
				Help: "Number of currently connected voter clients",
			}),
			ConnectedPerformers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "engine_connected_performers",
				Help: "Number of currently connected performer clients",
			}),
			ActiveOverrides: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "engine_active_overrides",
				Help: "Number of currently active performer overrides",
			}),
			BufferedVotes: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "engine_buffered_votes",
				Help: "Votes currently held in the rolling aggregation buffers",
			}),
		}
	})
	return instance
}

// RecordRejection increments the rejection counter for a reason label.
func (m *Metrics) RecordRejection(reason string) {
	m.VotesRejected.WithLabelValues(reason).Inc()
}
