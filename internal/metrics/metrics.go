package metrics

import (
	"net/http"
	"time"

	"github.com/cruciblehq/berth/internal/build"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "berth"

// Result label values.
const (
	resultSuccess = "success"
	resultFailure = "failure"
	resultHit     = "hit"
	resultMiss    = "miss"
)

// Build and stage collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	builds        *prometheus.CounterVec
	buildDuration prometheus.Histogram
	active        prometheus.Gauge
	stageDuration *prometheus.HistogramVec
	stageCache    *prometheus.CounterVec
	stageFailures *prometheus.CounterVec
}

// Creates and registers the collectors, along with the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		builds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_total",
				Help:      "Builds finished, by result.",
			},
			[]string{"result"},
		),
		buildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Wall time of finished builds.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "builds_active",
				Help:      "Builds in progress.",
			},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall time of build stages, including cache lookups.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"stage"},
		),
		stageCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_cache_total",
				Help:      "Successful stages, by whether the layer cache served them.",
			},
			[]string{"stage", "result"},
		),
		stageFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Failed build stages.",
			},
			[]string{"stage"},
		),
	}

	m.registry.MustRegister(
		m.builds,
		m.buildDuration,
		m.active,
		m.stageDuration,
		m.stageCache,
		m.stageFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Records a finished stage.
func (m *Metrics) StageDone(kind build.StageKind, cached bool, elapsed time.Duration, err error) {
	stage := string(kind)
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())

	switch {
	case err != nil:
		m.stageFailures.WithLabelValues(stage).Inc()
	case cached:
		m.stageCache.WithLabelValues(stage, resultHit).Inc()
	default:
		m.stageCache.WithLabelValues(stage, resultMiss).Inc()
	}
}

// Records a finished build.
func (m *Metrics) BuildDone(elapsed time.Duration, err error) {
	result := resultSuccess
	if err != nil {
		result = resultFailure
	}
	m.builds.WithLabelValues(result).Inc()
	m.buildDuration.Observe(elapsed.Seconds())
}

// Marks a build as started. The returned function marks it finished.
func (m *Metrics) Track() func() {
	m.active.Inc()
	return m.active.Dec
}

// Serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
