// Package monitor exposes hub traffic and publish statistics as Prometheus
// metrics.
package monitor

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ISF-H-BRS/ReDeX-sub001/internal/events"
)

const namespace = "redex"

// Metrics holds the collectors on a private registry so several instances
// can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	connected    prometheus.Gauge
	bytes        prometheus.Counter
	frames       *prometheus.CounterVec
	frameErrors  prometheus.Counter
	sessionsLost prometheus.Counter
	events       *prometheus.CounterVec
	publish      *prometheus.HistogramVec
	publishErrs  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_connected",
			Help:      "1 while a hub session is open.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Bytes read from the hub.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames parsed, by tag.",
		}, []string{"tag"}),
		frameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Frames rejected by the parser.",
		}),
		sessionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_lost_total",
			Help:      "Hub connections that ended with an error.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events emitted, by type.",
		}, []string{"type"}),
		publish: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time spent publishing one event, by sink.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sink"}),
		publishErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed publishes, by sink.",
		}, []string{"sink"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connected,
		m.bytes,
		m.frames,
		m.frameErrors,
		m.sessionsLost,
		m.events,
		m.publish,
		m.publishErrs,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) SetConnected(up bool) {
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) BytesReceived(n int) { m.bytes.Add(float64(n)) }

func (m *Metrics) FrameParsed(tag string, err error) {
	if err != nil {
		m.frameErrors.Inc()
		return
	}
	m.frames.WithLabelValues(tag).Inc()
}

func (m *Metrics) SessionLost() {
	m.sessionsLost.Inc()
	m.connected.Set(0)
}

// ObservePublish matches events.PublishObserver.
func (m *Metrics) ObservePublish(sink string, took time.Duration, err error) {
	m.publish.WithLabelValues(sink).Observe(took.Seconds())
	if err != nil {
		m.publishErrs.WithLabelValues(sink).Inc()
	}
}

// Name and Publish let Metrics count events as a bridge sink.
func (m *Metrics) Name() string { return "metrics" }

func (m *Metrics) Publish(_ context.Context, e events.Event) error {
	m.events.WithLabelValues(string(e.Type)).Inc()
	return nil
}
