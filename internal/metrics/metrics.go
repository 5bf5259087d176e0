// Package metrics holds the Prometheus collectors for the live-query server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livequery"

// Metrics is the set of collectors shared by engine, stream and server.
type Metrics struct {
	registry *prometheus.Registry

	Subscribes        prometheus.Counter
	Unsubscribes      prometheus.Counter
	Recomputes        prometheus.Counter
	RecomputeFailures prometheus.Counter
	SkippedUnlistened prometheus.Counter
	Resyncs           prometheus.Counter
	Pruned            prometheus.Counter
	Deltas            *prometheus.CounterVec
	RecomputeSeconds  prometheus.Histogram
	StreamClients     prometheus.Gauge
	FramesSent        prometheus.Counter
	FramesReplayed    prometheus.Counter
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Subscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribes_total",
			Help:      "Subscriptions created or renewed.",
		}),
		Unsubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unsubscribes_total",
			Help:      "Subscriptions explicitly released.",
		}),
		Recomputes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recomputes_total",
			Help:      "Query re-executions triggered by item changes.",
		}),
		RecomputeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recompute_failures_total",
			Help:      "Query re-executions that failed and were skipped.",
		}),
		SkippedUnlistened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_unlistened_total",
			Help:      "Recomputations skipped because nobody listened to the channel.",
		}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Full resyncs published.",
		}),
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_total",
			Help:      "Subscriptions removed by the TTL sweep.",
		}),
		Deltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deltas_total",
			Help:      "Deltas published, by type.",
		}, []string{"type"}),
		RecomputeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_seconds",
			Help:      "Time spent re-executing and diffing one subscription.",
			Buckets:   prometheus.DefBuckets,
		}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Open stream connections.",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Stream frames written to clients, heartbeats excluded.",
		}),
		FramesReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_replayed_total",
			Help:      "Frames replayed from history after Last-Event-ID.",
		}),
	}
	m.registry.MustRegister(
		m.Subscribes,
		m.Unsubscribes,
		m.Recomputes,
		m.RecomputeFailures,
		m.SkippedUnlistened,
		m.Resyncs,
		m.Pruned,
		m.Deltas,
		m.RecomputeSeconds,
		m.StreamClients,
		m.FramesSent,
		m.FramesReplayed,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
