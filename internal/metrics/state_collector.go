package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// CountFunc returns the number of entities currently in each state.
type CountFunc func() (map[string]int, error)

// StateCollector reports how many entities of one kind are in each state.
// Counts are computed on every scrape, so a server process shows what is on
// disk rather than what it happened to observe itself.
type StateCollector struct {
	kind  string
	count CountFunc
	desc  *prometheus.Desc
}

// NewStateCollector returns a collector for entities of kind.
func NewStateCollector(kind string, count CountFunc) *StateCollector {
	return &StateCollector{
		kind:  kind,
		count: count,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName("pavr", kind, "current_state"),
			"Number of entities whose current status is the given state.",
			[]string{"state"}, nil,
		),
	}
}

func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.count()
	if err != nil {
		slog.Debug("metrics: state count failed", "kind", c.kind, "error", err)
		return
	}
	for st, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), st)
	}
}
