package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/energizer-project/blockbridge/internal/bridge"
	"github.com/energizer-project/blockbridge/internal/protocol"
)

const namespace = "blockbridge"

// Metrics collects relay counters on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	sessionsClosed *prometheus.CounterVec
	dials          *prometheus.CounterVec
	dialSeconds    prometheus.Histogram
	frames         *prometheus.CounterVec
	bytes          *prometheus.CounterVec
	framesDropped  prometheus.Counter
	packets        *prometheus.CounterVec
	rejected       *prometheus.CounterVec
	healthUp       *prometheus.GaugeVec
}

// NewMetrics registers the relay collectors together with the Go runtime
// and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Client sessions currently open.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Client sessions accepted.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Client sessions closed, by reason.",
		}, []string{"reason"}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dials_total",
			Help:      "Upstream dial attempts, by result.",
		}, []string{"result"}),
		dialSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Time taken to connect to the upstream server.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames written upstream (up) and reads relayed to clients (down).",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Bytes relayed, by direction.",
		}, []string{"direction"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Client frames discarded while the upstream connection was being established.",
		}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_observed_total",
			Help:      "Client frames inspected, by protocol state.",
		}, []string{"state"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused at accept time, by reason.",
		}, []string{"reason"}),
		healthUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_check_up",
			Help:      "1 when the named self-check last passed, 0 when it failed.",
		}, []string{"check"}),
	}

	m.registry.MustRegister(
		m.sessionsActive, m.sessionsTotal, m.sessionsClosed,
		m.dials, m.dialSeconds,
		m.frames, m.bytes, m.framesDropped,
		m.packets, m.rejected, m.healthUp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionOpened() {
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) ConnectionRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) PacketObserved(state protocol.State) {
	m.packets.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) DialStarted() {}

func (m *Metrics) DialFinished(err error, elapsed time.Duration) {
	switch {
	case err == nil:
		m.dials.WithLabelValues("ok").Inc()
		m.dialSeconds.Observe(elapsed.Seconds())
	case errors.Is(err, context.Canceled):
		m.dials.WithLabelValues("cancelled").Inc()
	default:
		m.dials.WithLabelValues("failed").Inc()
	}
}

func (m *Metrics) Forwarded(n int) {
	m.frames.WithLabelValues("up").Inc()
	m.bytes.WithLabelValues("up").Add(float64(n))
}

func (m *Metrics) Dropped(n int) {
	m.framesDropped.Inc()
}

func (m *Metrics) Relayed(n int) {
	m.frames.WithLabelValues("down").Inc()
	m.bytes.WithLabelValues("down").Add(float64(n))
}

func (m *Metrics) Closed(reason error) {
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(closeLabel(reason)).Inc()
}

// CheckResult records the outcome of a health check.
func (m *Metrics) CheckResult(check string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	m.healthUp.WithLabelValues(check).Set(v)
}

// closeLabel maps a session's terminal error onto a bounded label set.
func closeLabel(err error) string {
	switch {
	case err == nil:
		return "closed"
	case errors.Is(err, bridge.ErrPeerClosed):
		return "peer_closed"
	case errors.Is(err, bridge.ErrDialFailure):
		return "dial_failed"
	case errors.Is(err, protocol.ErrFrameTooLarge), errors.Is(err, protocol.ErrMalformedPacket):
		return "malformed"
	}
	return "error"
}
