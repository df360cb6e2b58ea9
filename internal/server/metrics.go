package server

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/loykin/pavr/internal/config"
	"github.com/loykin/pavr/internal/metrics"
	"github.com/loykin/pavr/internal/series"
	"github.com/loykin/pavr/internal/testrun"
)

// Metrics bundles the registry served at /metrics and the sampler of live
// test process groups.
type Metrics struct {
	Registry *prometheus.Registry
	Groups   *metrics.GroupMetricsCollector
	cfg      *config.Config
}

// NewMetrics registers the pavr collectors, per-state gauges computed from
// the working directory and process group samples of running tests.
func NewMetrics(cfg *config.Config, interval time.Duration) (*Metrics, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := metrics.Register(reg); err != nil {
		return nil, err
	}
	if err := reg.Register(metrics.NewStateCollector(metrics.KindTest, func() (map[string]int, error) {
		return TestStateCounts(cfg)
	})); err != nil {
		return nil, err
	}
	if err := reg.Register(metrics.NewStateCollector(metrics.KindSeries, func() (map[string]int, error) {
		return SeriesStateCounts(cfg)
	})); err != nil {
		return nil, err
	}
	groups := metrics.NewGroupMetricsCollector(metrics.GroupMetricsConfig{Enabled: true, Interval: interval})
	if err := groups.RegisterMetrics(reg); err != nil {
		return nil, err
	}
	return &Metrics{Registry: reg, Groups: groups, cfg: cfg}, nil
}

// Start samples running test groups until ctx ends or Stop is called.
func (m *Metrics) Start(ctx context.Context) {
	m.Groups.Start(ctx, func() []metrics.Target { return RunningTargets(m.cfg) })
}

// Stop stops sampling.
func (m *Metrics) Stop() { m.Groups.Stop() }

// TestStateCounts counts test runs by current state.
func TestStateCounts(cfg *config.Config) (map[string]int, error) {
	runs, err := testrun.List(cfg)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, r := range runs {
		out[string(r.Status.Current().State)]++
	}
	return out, nil
}

// SeriesStateCounts counts series by current state.
func SeriesStateCounts(cfg *config.Config) (map[string]int, error) {
	all, err := series.List(cfg)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, s := range all {
		out[string(s.Status.Current().State)]++
	}
	return out, nil
}

// RunningTargets lists unfinished runs whose recorded process group is
// still the one that was started.
func RunningTargets(cfg *config.Config) []metrics.Target {
	runs, err := testrun.List(cfg)
	if err != nil {
		return nil
	}
	var out []metrics.Target
	for _, r := range runs {
		if r.Complete() {
			continue
		}
		rec, err := r.PGID()
		if err != nil || rec.Reason() != "" {
			continue
		}
		out = append(out, metrics.Target{ID: r.FullID(), Test: r.Name, PID: int32(rec.PGID)})
	}
	return out
}
