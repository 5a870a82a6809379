// Package metrics exposes the relay's observability surface (spec.md
// §4.8): live-client and pair gauges, per-kind signal counters, and an
// error counter, backed by the Prometheus client the donor codebase
// already wires into its monitoring package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the Prometheus instruments the relay updates as
// connections come and go and signals are forwarded.
type Collector struct {
	clients prometheus.Gauge
	pairs   prometheus.Gauge
	signals *prometheus.CounterVec
	errors  prometheus.Counter

	connectionDuration prometheus.Histogram
}

// New registers the relay's metrics against the default Prometheus
// registry. Call once per process.
func New() *Collector {
	return &Collector{
		clients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ws_clients",
			Help: "Number of live signaling connections on this instance.",
		}),
		pairs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ws_pairs",
			Help: "Number of mutual peer pairings on this instance.",
		}),
		signals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_signals_total",
			Help: "Signals successfully forwarded, by kind.",
		}, []string{"kind"}),
		errors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ws_errors_total",
			Help: "Parse, validation and rate-limit failures.",
		}),
		connectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ws_connection_duration_seconds",
			Help:    "Lifetime of a signaling connection.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

func (c *Collector) ClientConnected()    { c.clients.Inc() }
func (c *Collector) ClientDisconnected() { c.clients.Dec() }

// SetPairs overwrites the ws_pairs gauge; the pairing table is scanned by
// the caller (it owns the lock) and the count handed in.
func (c *Collector) SetPairs(n int) { c.pairs.Set(float64(n)) }

func (c *Collector) SignalForwarded(kind string) { c.signals.WithLabelValues(kind).Inc() }

func (c *Collector) Error() { c.errors.Inc() }

func (c *Collector) ObserveConnectionSeconds(seconds float64) {
	c.connectionDuration.Observe(seconds)
}
