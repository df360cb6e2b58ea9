package series

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/pavr/internal/dirdb"
	"github.com/loykin/pavr/internal/process"
	"github.com/loykin/pavr/internal/scheduler"
	"github.com/loykin/pavr/internal/seriesconfig"
	"github.com/loykin/pavr/internal/status"
	"github.com/loykin/pavr/internal/testrun"
)

// errCanceled stops the controller once the series has been canceled.
var errCanceled = errors.New("series canceled")

// Launcher starts the controlling process of a managed series as
// "<Executable> [Args...] _series <sid>".
type Launcher struct {
	Executable string
	Args       []string
}

// Run starts the series. An ad hoc series builds and schedules its members
// from this process. A managed series starts its controller as a new process
// group and records the group in series.pgid.
func (s *Series) Run(ctx context.Context, reg *scheduler.Registry, l Launcher) error {
	if s.markerExists() {
		return nil
	}
	if s.Kind == Managed {
		return s.launch(l)
	}

	runs := s.Tests()
	if !s.advance(status.Running, fmt.Sprintf("Building and scheduling %d test(s).", len(runs))) {
		return nil
	}
	ready := buildAll(ctx, runs)
	reg.ScheduleAll(ctx, ready)
	s.advance(status.AllStarted, "All tests started.")
	return nil
}

func (s *Series) launch(l Launcher) error {
	exe := l.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			exe = os.Args[0]
		}
	}
	if !s.advance(status.Running, "Starting the series controller.") {
		return nil
	}
	args := append(append([]string(nil), l.Args...), "_series", s.SID())
	// #nosec G204 -- the executable is this program
	cmd := exec.Command(exe, args...)
	cmd.Dir = s.Path
	pgid, err := process.StartGroup(cmd, true)
	if err != nil {
		s.fail(fmt.Sprintf("Could not start the series controller: %v", err))
		return fmt.Errorf("series %s: %w", s.SID(), err)
	}
	go func() { _ = cmd.Wait() }()
	if err := dirdb.WriteFileAtomic(s.file(PGIDFile), process.NewGroupRecord(pgid).Encode(), 0o640); err != nil {
		slog.Warn("series: could not record controller group; cancel will only reach members", "sid", s.SID(), "pgid", pgid, "error", err)
	}
	slog.Debug("series controller started", "sid", s.SID(), "pgid", pgid)
	return nil
}

// PGID reads the controller's process group record.
func (s *Series) PGID() (process.GroupRecord, error) {
	return process.ReadGroupFile(s.file(PGIDFile))
}

// ClearGroup removes series.pgid once the controller has finished. A
// controller that dies leaves the file behind, which is how Complete tells
// an orphaned series from a running one.
func (s *Series) ClearGroup() {
	if err := os.Remove(s.file(PGIDFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Debug("series: could not remove pgid file", "sid", s.SID(), "error", err)
	}
}

// Definition loads the staged definition saved at creation.
func (s *Series) Definition() (*seriesconfig.Definition, error) {
	return seriesconfig.Load(s.file(DefinitionFile))
}

// RunStages is the body of the controlling process of a managed series.
// Each stage's tests are created, built and scheduled only after every test
// of the previous stage has finished. A stage marked depends_pass is skipped
// unless every test of the stage before it passed. The stages run Passes()
// times, or until the series is canceled when the definition repeats forever.
func (s *Series) RunStages(ctx context.Context, reg *scheduler.Registry) error {
	def, err := s.Definition()
	if err != nil {
		s.fail(fmt.Sprintf("Could not load series definition: %v", err))
		return err
	}
	passes := def.Passes()
	for pass := 1; passes == 0 || pass <= passes; pass++ {
		if pass > 1 {
			if err := sleep(ctx, PollInterval); err != nil {
				return s.stopped(reg, err)
			}
		}
		var prev []*testrun.TestRun
		for i, stage := range def.Stages {
			if s.markerExists() {
				return nil
			}
			s.advance(status.Running, stageNote(stage, i, len(def.Stages), pass, passes))

			runs := s.createStage(def, stage)
			if s.markerExists() {
				s.cancelRuns(reg, runs)
				return nil
			}
			last := passes != 0 && pass == passes && i == len(def.Stages)-1
			if stage.DependsPass && i > 0 && !allPassed(prev) {
				skipRuns(runs, fmt.Sprintf("Skipped: not every test of stage %s passed.", def.Stages[i-1].Name))
				if last {
					s.advance(status.AllStarted, "All tests started.")
				}
				prev = runs
				continue
			}
			ready := buildAll(ctx, runs)
			if err := s.scheduleStage(ctx, reg, ready, def.Simultaneous); err != nil {
				return s.stopped(reg, err)
			}
			if last {
				s.advance(status.AllStarted, "All tests started.")
			}
			if err := s.waitRuns(ctx, runs); err != nil {
				return s.stopped(reg, err)
			}
			prev = runs
		}
	}
	s.finish(status.Complete, "All stages complete.")
	return nil
}

func stageNote(stage seriesconfig.Stage, i, stages, pass, passes int) string {
	note := fmt.Sprintf("Starting stage %s (%d of %d).", stage.Name, i+1, stages)
	switch {
	case passes == 0:
		note += fmt.Sprintf(" Pass %d, repeating until canceled.", pass)
	case passes > 1:
		note += fmt.Sprintf(" Pass %d of %d.", pass, passes)
	}
	return note
}

// allPassed reports whether runs is non-empty and every run saved a PASS result.
func allPassed(runs []*testrun.TestRun) bool {
	if len(runs) == 0 {
		return false
	}
	for _, r := range runs {
		res, err := r.Results()
		if err != nil || res.Result != testrun.ResultPass {
			return false
		}
	}
	return true
}

func skipRuns(runs []*testrun.TestRun, note string) {
	for _, r := range runs {
		r.Finish(status.Skipped, note)
	}
}

func (s *Series) createStage(def *seriesconfig.Definition, stage seriesconfig.Stage) []*testrun.TestRun {
	var runs []*testrun.TestRun
	for _, name := range stage.Tests {
		r, err := testrun.Create(s.cfg, def.Tests[name])
		if err != nil {
			s.advance(status.Error, fmt.Sprintf("Could not create test %s in stage %s: %v", name, stage.Name, err))
			if r == nil {
				continue
			}
		}
		if err := s.AddTest(r); err != nil {
			s.advance(status.Error, fmt.Sprintf("Could not register test %s: %v", r.FullID(), err))
			continue
		}
		runs = append(runs, r)
	}
	return runs
}

// stopped handles the controller being interrupted or the series canceled.
func (s *Series) stopped(reg *scheduler.Registry, err error) error {
	if errors.Is(err, errCanceled) || s.markerExists() {
		return nil
	}
	slog.Warn("series controller interrupted", "sid", s.SID(), "error", err)
	s.finish(status.Canceled, fmt.Sprintf("Series controller was interrupted: %v", err))
	return s.cancelMembers(reg)
}

func (s *Series) cancelRuns(reg *scheduler.Registry, runs []*testrun.TestRun) {
	for _, r := range runs {
		c, _ := reg.Canceler(r)
		if _, err := r.Cancel(c); err != nil {
			slog.Warn("series: cancel failed", "sid", s.SID(), "id", r.FullID(), "error", err)
		}
	}
}

// buildAll builds runs in parallel and returns the ones ready to schedule.
func buildAll(ctx context.Context, runs []*testrun.TestRun) []*testrun.TestRun {
	ok := make([]bool, len(runs))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i, r := range runs {
		g.Go(func() error {
			ok[i] = r.Build(ctx)
			return nil
		})
	}
	_ = g.Wait()
	var ready []*testrun.TestRun
	for i, r := range runs {
		if ok[i] {
			ready = append(ready, r)
		}
	}
	return ready
}

// scheduleStage hands runs to their schedulers. With limit > 0 no more than
// limit of them are unfinished at any time.
func (s *Series) scheduleStage(ctx context.Context, reg *scheduler.Registry, runs []*testrun.TestRun, limit int) error {
	if limit <= 0 {
		reg.ScheduleAll(ctx, runs)
		return nil
	}
	pending := runs
	var active []*testrun.TestRun
	for len(pending) > 0 {
		active = unfinished(active)
		for len(active) < limit && len(pending) > 0 {
			if s.markerExists() {
				return errCanceled
			}
			next := pending[0]
			pending = pending[1:]
			reg.ScheduleAll(ctx, []*testrun.TestRun{next})
			active = append(active, next)
		}
		if len(pending) == 0 {
			break
		}
		if err := sleep(ctx, PollInterval); err != nil {
			return err
		}
	}
	return nil
}

func (s *Series) waitRuns(ctx context.Context, runs []*testrun.TestRun) error {
	for len(unfinished(runs)) > 0 {
		if s.markerExists() {
			return errCanceled
		}
		if err := sleep(ctx, PollInterval); err != nil {
			return err
		}
	}
	return nil
}

func unfinished(runs []*testrun.TestRun) []*testrun.TestRun {
	var out []*testrun.TestRun
	for _, r := range runs {
		if !r.Complete() {
			out = append(out, r)
		}
	}
	return out
}
