// Package metrics exposes prometheus collectors for the simulation loop, the
// window registry and the websocket hub.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tangled"

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	// ComputeDuration tracks the wall time of each simulation tick.
	ComputeDuration prometheus.Histogram
	// Ticks counts completed simulation ticks.
	Ticks prometheus.Counter
	// Windows is the number of windows the local registry view holds.
	Windows prometheus.Gauge
	// StoreErrors counts failed store calls by operation.
	StoreErrors *prometheus.CounterVec
	// StaleRemovals counts records dropped by the staleness sweep.
	StaleRemovals prometheus.Counter
	// WSClients is the number of connected websocket participants.
	WSClients prometheus.Gauge
	// WSFrames counts frames handled by the hub by direction.
	WSFrames *prometheus.CounterVec
}

// New creates the collectors and registers them together with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ComputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compute_duration_seconds",
			Help:      "Time spent advancing the simulation by one tick",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .016, .025, .05, .1, .25},
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Completed simulation ticks",
		}),
		Windows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "windows",
			Help:      "Windows in the local registry view, this one included",
		}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed registry store operations",
		}, []string{"op"}),
		StaleRemovals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_removals_total",
			Help:      "Window records removed for missing heartbeats",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected websocket participants",
		}),
		WSFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_total",
			Help:      "Websocket frames by direction",
		}, []string{"direction"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ComputeDuration,
		m.Ticks,
		m.Windows,
		m.StoreErrors,
		m.StaleRemovals,
		m.WSClients,
		m.WSFrames,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTick records one simulation tick. It matches the engine's tick
// observer signature.
func (m *Metrics) ObserveTick(d time.Duration) {
	m.ComputeDuration.Observe(d.Seconds())
	m.Ticks.Inc()
}

// StoreError implements winreg.Observer.
func (m *Metrics) StoreError(op string) { m.StoreErrors.WithLabelValues(op).Inc() }

// StaleRemoved implements winreg.Observer.
func (m *Metrics) StaleRemoved(n int) { m.StaleRemovals.Add(float64(n)) }

// WindowCount implements winreg.Observer.
func (m *Metrics) WindowCount(n int) { m.Windows.Set(float64(n)) }

// ClientConnected marks a websocket participant as connected.
func (m *Metrics) ClientConnected() { m.WSClients.Inc() }

// ClientDisconnected marks a websocket participant as gone.
func (m *Metrics) ClientDisconnected() { m.WSClients.Dec() }

// Frame counts one websocket frame; inbound is true for frames read from a
// client.
func (m *Metrics) Frame(inbound bool) {
	dir := "out"
	if inbound {
		dir = "in"
	}
	m.WSFrames.WithLabelValues(dir).Inc()
}

// FormatCount renders n for table output.
func FormatCount(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// TickStats returns the number of observed ticks and their mean compute time.
func (m *Metrics) TickStats() (float64, time.Duration, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return 0, 0, err
	}
	for _, f := range families {
		if f.GetName() != namespace+"_compute_duration_seconds" || len(f.GetMetric()) == 0 {
			continue
		}
		h := f.GetMetric()[0].GetHistogram()
		n := h.GetSampleCount()
		if n == 0 {
			return 0, 0, nil
		}
		mean := time.Duration(h.GetSampleSum() / float64(n) * float64(time.Second))
		return float64(n), mean, nil
	}
	return 0, 0, nil
}
