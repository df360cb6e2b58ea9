package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/pavr/internal/metrics"
	"github.com/loykin/pavr/internal/process"
	"github.com/loykin/pavr/internal/status"
	"github.com/loykin/pavr/internal/testrun"
)

// RawName is the name of the local scheduler.
const RawName = "raw"

// defaultConcurrent bounds simultaneous kickoffs when a test does not say.
const defaultConcurrent = 8

// RawOptions configures the local scheduler.
type RawOptions struct {
	// Executable is the pavr binary started as "<Executable> [Args...] _run <id>".
	Executable string
	// Args precede the _run subcommand, e.g. a --config flag.
	Args []string
}

// Raw runs tests directly on the local host. Each run is a detached
// "_run" child process that leads its own process group and records the
// run's progress itself.
type Raw struct {
	opts RawOptions
}

// NewRaw returns the local scheduler. An empty Executable means this binary.
func NewRaw(opts RawOptions) *Raw {
	if opts.Executable == "" {
		if exe, err := os.Executable(); err == nil {
			opts.Executable = exe
		} else {
			opts.Executable = os.Args[0]
		}
	}
	return &Raw{opts: opts}
}

func (r *Raw) Name() string { return RawName }

func (r *Raw) Available() bool { return runtime.GOOS != "windows" }

// Schedule kicks every run off. The number of kickoffs in flight is bounded
// by the smallest positive "concurrent" request among the runs.
func (r *Raw) Schedule(ctx context.Context, runs []*testrun.TestRun) {
	limit := defaultConcurrent
	for _, run := range runs {
		if c := run.Config.Schedule.Concurrent; c > 0 && c < limit {
			limit = c
		}
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, run := range runs {
		g.Go(func() error {
			r.kickoff(ctx, run)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Raw) kickoff(ctx context.Context, run *testrun.TestRun) {
	if ctx.Err() != nil {
		run.Finish(status.SchedError, fmt.Sprintf("Scheduling aborted: %v", ctx.Err()))
		metrics.IncSchedule(RawName, false)
		return
	}
	if n := run.Config.Schedule.Nodes; n > 1 {
		run.Finish(status.SchedError, fmt.Sprintf("The raw scheduler runs on this host only; %d nodes requested.", n))
		metrics.IncSchedule(RawName, false)
		return
	}
	if !run.Advance(status.Scheduled, "Kicked off by the raw scheduler.") {
		// Canceled before it could start.
		return
	}

	args := append(append([]string(nil), r.opts.Args...), "_run", run.FullID())
	// #nosec G204 -- the executable is this program
	cmd := exec.Command(r.opts.Executable, args...)
	cmd.Dir = run.Path
	pgid, err := process.StartGroup(cmd, true)
	if err != nil {
		run.Finish(status.SchedError, fmt.Sprintf("Could not start test process: %v", err))
		metrics.IncSchedule(RawName, false)
		return
	}
	// Reap the child if this process outlives it.
	go func() { _ = cmd.Wait() }()

	if err := run.SetGroup(pgid); err != nil {
		// Without a pgid file the run could never be canceled.
		_ = process.SignalGroup(pgid, syscall.SIGKILL)
		run.Finish(status.SchedError, fmt.Sprintf("Could not record process group: %v", err))
		metrics.IncSchedule(RawName, false)
		return
	}
	slog.Debug("test kicked off", "id", run.FullID(), "pgid", pgid)
	metrics.IncSchedule(RawName, true)
}

// Cancel sends SIGTERM to the group.
func (r *Raw) Cancel(pgid int) error {
	return process.SignalGroup(pgid, syscall.SIGTERM)
}

// RegisterBuiltins adds the plugins shipped with pavr to reg.
func RegisterBuiltins(reg *Registry, raw RawOptions) error {
	return reg.Register(NewRaw(raw))
}
