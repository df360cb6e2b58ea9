package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// GroupSample holds resource usage of a test's process group leader.
type GroupSample struct {
	ID         string    `json:"id"`
	Test       string    `json:"test"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Target is one running test to sample.
type Target struct {
	ID   string
	Test string
	PID  int32
}

// GroupMetricsConfig holds configuration for resource sampling.
type GroupMetricsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// GroupMetricsCollector periodically samples CPU and memory of running tests.
type GroupMetricsCollector struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	latest map[string]GroupSample

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
}

// NewGroupMetricsCollector creates a collector; it does nothing until Start.
func NewGroupMetricsCollector(cfg GroupMetricsConfig) *GroupMetricsCollector {
	interval := cfg.Interval
	if interval == 0 {
		interval = 5 * time.Second
	}
	labels := []string{"test", "id"}
	return &GroupMetricsCollector{
		enabled:  cfg.Enabled,
		interval: interval,
		latest:   make(map[string]GroupSample),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pavr", Subsystem: "run", Name: "cpu_percent",
			Help: "CPU usage of the test's group leader.",
		}, labels),
		memoryRSS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pavr", Subsystem: "run", Name: "memory_rss_bytes",
			Help: "Resident memory of the test's group leader.",
		}, labels),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pavr", Subsystem: "run", Name: "threads",
			Help: "Thread count of the test's group leader.",
		}, labels),
	}
}

// RegisterMetrics registers the gauges with the provided registerer.
func (c *GroupMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	for _, col := range []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads} {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling of the targets returned by list.
func (c *GroupMetricsCollector) Start(ctx context.Context, list func() []Target) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(list())
			}
		}
	}()
}

// Stop stops sampling.
func (c *GroupMetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples every target once and drops gauges of targets that are gone.
func (c *GroupMetricsCollector) Collect(targets []Target) {
	now := time.Now()
	fresh := make(map[string]GroupSample, len(targets))
	for _, t := range targets {
		if t.PID <= 0 {
			continue
		}
		s, err := sample(t, now)
		if err != nil {
			slog.Debug("metrics: sample failed", "id", t.ID, "pid", t.PID, "error", err)
			continue
		}
		fresh[t.ID] = s
		c.cpuPercent.WithLabelValues(t.Test, t.ID).Set(s.CPUPercent)
		c.memoryRSS.WithLabelValues(t.Test, t.ID).Set(float64(s.MemoryRSS))
		c.numThreads.WithLabelValues(t.Test, t.ID).Set(float64(s.NumThreads))
	}

	c.mu.Lock()
	for id, old := range c.latest {
		if _, ok := fresh[id]; !ok {
			c.cpuPercent.DeleteLabelValues(old.Test, id)
			c.memoryRSS.DeleteLabelValues(old.Test, id)
			c.numThreads.DeleteLabelValues(old.Test, id)
		}
	}
	c.latest = fresh
	c.mu.Unlock()
}

// Latest returns the most recent sample for a test id.
func (c *GroupMetricsCollector) Latest(id string) (GroupSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.latest[id]
	return s, ok
}

func sample(t Target, now time.Time) (GroupSample, error) {
	proc, err := process.NewProcess(t.PID)
	if err != nil {
		return GroupSample{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return GroupSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	return GroupSample{
		ID: t.ID, Test: t.Test, PID: t.PID,
		CPUPercent: cpu, MemoryRSS: mem.RSS, NumThreads: threads,
		Timestamp: now,
	}, nil
}
