// Package metrics implements a Prometheus-backed metrics.Sink, wired in by
// cmd/ftpd when collect_metrics is enabled.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a metrics.Sink that records into a prometheus.Registerer.
type Prometheus struct {
	sessionsOpened   prometheus.Counter
	sessionsClosed   prometheus.Counter
	sessionsActive   prometheus.Gauge
	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	transfersTotal   *prometheus.CounterVec
	transferBytes    *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec
	authAttempts     *prometheus.CounterVec
}

// New creates and registers ftpd's metrics with reg. If reg is nil, the
// collectors are created but never registered, which is useful for tests.
func New(reg prometheus.Registerer) *Prometheus {
	m := &Prometheus{
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ftpd",
			Subsystem: "sessions",
			Name:      "opened_total",
			Help:      "Total number of control connections accepted.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ftpd",
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Total number of control connections closed.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ftpd",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Current number of open control connections.",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Subsystem: "commands",
			Name:      "total",
			Help:      "Total commands handled, labeled by verb and reply code.",
		}, []string{"verb", "code"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ftpd",
			Subsystem: "commands",
			Name:      "duration_seconds",
			Help:      "Command handling latency in seconds, labeled by verb.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"verb"}),
		transfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Subsystem: "transfers",
			Name:      "total",
			Help:      "Total data transfers completed, labeled by kind and outcome.",
		}, []string{"kind", "outcome"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Subsystem: "transfers",
			Name:      "bytes_total",
			Help:      "Total bytes transferred, labeled by kind.",
		}, []string{"kind"}),
		transferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ftpd",
			Subsystem: "transfers",
			Name:      "duration_seconds",
			Help:      "Data transfer duration in seconds, labeled by kind.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"kind"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpd",
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Total login attempts, labeled by outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		collectors := []prometheus.Collector{
			m.sessionsOpened, m.sessionsClosed, m.sessionsActive,
			m.commandsTotal, m.commandDuration,
			m.transfersTotal, m.transferBytes, m.transferDuration,
			m.authAttempts,
		}
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	}

	return m
}

func (m *Prometheus) SessionOpened() {
	m.sessionsOpened.Inc()
	m.sessionsActive.Inc()
}

func (m *Prometheus) SessionClosed() {
	m.sessionsClosed.Inc()
	m.sessionsActive.Dec()
}

func (m *Prometheus) CommandHandled(verb string, code int, dur time.Duration) {
	m.commandsTotal.WithLabelValues(verb, codeLabel(code)).Inc()
	m.commandDuration.WithLabelValues(verb).Observe(dur.Seconds())
}

func (m *Prometheus) TransferCompleted(kind string, bytes int64, dur time.Duration, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.transfersTotal.WithLabelValues(kind, outcome).Inc()
	m.transferBytes.WithLabelValues(kind).Add(float64(bytes))
	m.transferDuration.WithLabelValues(kind).Observe(dur.Seconds())
}

func (m *Prometheus) AuthAttempt(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.authAttempts.WithLabelValues(outcome).Inc()
}

func codeLabel(code int) string {
	return strconv.Itoa(code)
}
