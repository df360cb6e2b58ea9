package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Entity kinds used as the "kind" label.
const (
	KindTest   = "test"
	KindSeries = "series"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pavr",
			Subsystem: "status",
			Name:      "transitions_total",
			Help:      "Number of status entries appended, by entity kind and new state.",
		}, []string{"kind", "state"},
	)
	schedules = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pavr",
			Subsystem: "scheduler",
			Name:      "kickoffs_total",
			Help:      "Number of test runs handed to a scheduler plugin, by outcome.",
		}, []string{"scheduler", "result"},
	)
	cancels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pavr",
			Subsystem: "cancel",
			Name:      "requests_total",
			Help:      "Number of cancel requests, by entity kind and whether a state was recorded.",
		}, []string{"kind", "result"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pavr",
			Subsystem: "test",
			Name:      "run_duration_seconds",
			Help:      "Wall time of the run phase of a test.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
		}, []string{"test", "state"},
	)
	buildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pavr",
			Subsystem: "test",
			Name:      "build_duration_seconds",
			Help:      "Wall time of the build phase of a test.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"test", "state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{stateTransitions, schedules, cancels, runDuration, buildDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WriteTextfile dumps g in the text exposition format for a node exporter
// textfile collector. The file is replaced atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RecordTransition(kind, state string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(kind, state).Inc()
	}
}

func IncSchedule(scheduler string, ok bool) {
	if regOK.Load() {
		schedules.WithLabelValues(scheduler, result(ok)).Inc()
	}
}

func IncCancel(kind string, recorded bool) {
	if regOK.Load() {
		r := "recorded"
		if !recorded {
			r = "noop"
		}
		cancels.WithLabelValues(kind, r).Inc()
	}
}

func ObserveRunDuration(test, state string, seconds float64) {
	if regOK.Load() {
		runDuration.WithLabelValues(test, state).Observe(seconds)
	}
}

func ObserveBuildDuration(test, state string, seconds float64) {
	if regOK.Load() {
		buildDuration.WithLabelValues(test, state).Observe(seconds)
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
