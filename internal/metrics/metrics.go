// Package metrics holds the Prometheus collectors of the cache server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stash"

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	ArtifactHits     prometheus.Counter
	ArtifactMisses   prometheus.Counter
	ArtifactUploads  prometheus.Counter
	StorageErrors    *prometheus.CounterVec
	SweepRuns        *prometheus.CounterVec
	SweepDeleted     prometheus.Counter
	SweepDuration    prometheus.Histogram
	S3Retries        prometheus.Counter
	StorageBackend   *prometheus.GaugeVec
	RequestsInFlight prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ArtifactHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_hits_total",
			Help:      "Artifact downloads that found the artifact.",
		}),
		ArtifactMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_misses_total",
			Help:      "Artifact downloads for artifacts that do not exist.",
		}),
		ArtifactUploads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_uploads_total",
			Help:      "Artifacts stored.",
		}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Requests that failed because of the storage backend.",
		}, []string{"operation"}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Expiry sweeps by outcome.",
		}, []string{"outcome"}),
		SweepDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_deleted_objects_total",
			Help:      "Objects removed by expiry sweeps.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of expiry sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		S3Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "s3_retries_total",
			Help:      "S3 requests retried after a transient failure.",
		}),
		StorageBackend: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_backend_info",
			Help:      "The selected storage backend.",
		}, []string{"backend"}),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
	}

	m.registry.MustRegister(
		m.ArtifactHits,
		m.ArtifactMisses,
		m.ArtifactUploads,
		m.StorageErrors,
		m.SweepRuns,
		m.SweepDeleted,
		m.SweepDuration,
		m.S3Retries,
		m.StorageBackend,
		m.RequestsInFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveSweep records the outcome of one expiry sweep.
func (m *Metrics) ObserveSweep(deleted int, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.SweepRuns.WithLabelValues(outcome).Inc()
	m.SweepDeleted.Add(float64(deleted))
	m.SweepDuration.Observe(duration.Seconds())
}

// ObserveRetry matches the s3wire retry callback.
func (m *Metrics) ObserveRetry(error, time.Duration) {
	m.S3Retries.Inc()
}
