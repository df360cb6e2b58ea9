// Package scheduler defines the scheduler plugin contract and the name-keyed
// registry plugins are looked up in.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loykin/pavr/internal/status"
	"github.com/loykin/pavr/internal/testrun"
)

var (
	ErrDuplicate = errors.New("scheduler already registered")
	ErrNotFound  = errors.New("scheduler not found")
)

// Plugin launches test runs as process groups and signals them.
type Plugin interface {
	Name() string
	// Available reports whether the back end can be used on this host.
	Available() bool
	// Schedule launches every run. Failures are recorded on the runs
	// themselves as terminal states, never returned.
	Schedule(ctx context.Context, runs []*testrun.TestRun)
	// Cancel signals process group pgid. A group that no longer exists is
	// not an error.
	Cancel(pgid int) error
}

// Registry maps plugin names to plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register binds p under its name. Rebinding a name is an error.
func (r *Registry) Register(p Plugin) error {
	name := p.Name()
	if name == "" {
		return errors.New("scheduler plugin has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.plugins[name] = p
	return nil
}

// Get returns the plugin bound to name.
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ScheduleAll groups runs by scheduler name and hands each group to its
// plugin. Runs whose scheduler is unknown or unavailable get SCHED_ERROR.
func (r *Registry) ScheduleAll(ctx context.Context, runs []*testrun.TestRun) {
	groups := make(map[string][]*testrun.TestRun)
	var order []string
	for _, run := range runs {
		name := run.Scheduler()
		if _, seen := groups[name]; !seen {
			order = append(order, name)
		}
		groups[name] = append(groups[name], run)
	}
	for _, name := range order {
		p, err := r.Get(name)
		if err == nil && !p.Available() {
			err = fmt.Errorf("scheduler %s is not available on this host", name)
		}
		if err != nil {
			for _, run := range groups[name] {
				run.Finish(status.SchedError, err.Error())
			}
			continue
		}
		p.Schedule(ctx, groups[name])
	}
}

// Canceler returns the plugin for run, for use with testrun.Cancel.
func (r *Registry) Canceler(run *testrun.TestRun) (testrun.Canceler, error) {
	return r.Get(run.Scheduler())
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry populated at startup.
func Default() *Registry { return defaultRegistry }

// Register adds p to the default registry.
func Register(p Plugin) error { return defaultRegistry.Register(p) }

// Get looks name up in the default registry.
func Get(name string) (Plugin, error) { return defaultRegistry.Get(name) }
