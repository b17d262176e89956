// Package metrics exposes build counters and latencies to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Build outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeCanceled = "canceled"
)

// Metrics records build activity.
type Metrics interface {
	IncBuildsStarted()
	IncBuildsCompleted(outcome, stage string)
	ObserveBuildDuration(outcome string, durationSeconds float64)
	ObserveArtifactSize(signed, merged bool, bytes int)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncBuildsStarted()                    {}
func (Noop) IncBuildsCompleted(string, string)    {}
func (Noop) ObserveBuildDuration(string, float64) {}
func (Noop) ObserveArtifactSize(bool, bool, int)  {}

// Prom implements Metrics on a private registry.
type Prom struct {
	registry       *prometheus.Registry
	buildsStarted  prometheus.Counter
	buildsFinished *prometheus.CounterVec
	buildDuration  *prometheus.HistogramVec
	artifactSize   *prometheus.HistogramVec
}

// NewProm registers the build collectors and the Go runtime collectors under namespace.
func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		buildsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_started_total",
			Help:      "Package builds started",
		}),
		buildsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_completed_total",
			Help:      "Package builds completed by outcome and failing stage",
		}, []string{"outcome", "stage"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Package build latency by outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		artifactSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "artifact_size_bytes",
			Help:      "Size of delivered artifacts",
			Buckets:   prometheus.ExponentialBuckets(1<<10, 4, 10),
		}, []string{"signed", "merged"}),
	}

	p.registry.MustRegister(
		p.buildsStarted,
		p.buildsFinished,
		p.buildDuration,
		p.artifactSize,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return p
}

func (p *Prom) IncBuildsStarted() {
	p.buildsStarted.Inc()
}

func (p *Prom) IncBuildsCompleted(outcome, stage string) {
	p.buildsFinished.WithLabelValues(outcome, stage).Inc()
}

func (p *Prom) ObserveBuildDuration(outcome string, durationSeconds float64) {
	p.buildDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

func (p *Prom) ObserveArtifactSize(signed, merged bool, bytes int) {
	p.artifactSize.WithLabelValues(boolLabel(signed), boolLabel(merged)).Observe(float64(bytes))
}

// Registry returns the registry the collectors live in.
func (p *Prom) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns an HTTP handler for /metrics.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}

	return "false"
}
