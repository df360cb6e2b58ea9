// Package testrun implements a single schedulable test instance. Everything a
// test run knows about itself lives in its directory, so any process can load
// it by id and observe or cancel it.
package testrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/pavr/internal/config"
	"github.com/loykin/pavr/internal/dirdb"
	"github.com/loykin/pavr/internal/logger"
	"github.com/loykin/pavr/internal/metrics"
	"github.com/loykin/pavr/internal/process"
	"github.com/loykin/pavr/internal/status"
)

// Directory and file names of a test run.
const (
	RunsDir = "test_runs"

	StatusFile   = "status"
	CompleteFile = "RUN_COMPLETE"
	PGIDFile     = "run.pgid"
	ConfigFile   = "config.json"
	ResultsFile  = "results.json"
	BuildLog     = "build.log"
	RunLog       = "run.log"
	KickoffLog   = "kickoff.log"
)

// Result values stored in results.json.
const (
	ResultPass = "PASS"
	ResultFail = "FAIL"
)

var (
	ErrInvalidID  = errors.New("invalid test id")
	ErrNotFound   = errors.New("test run not found")
	ErrUnknownLog = errors.New("unknown log")
)

// Logs maps log names to the files a run writes them to.
var Logs = map[string]string{
	"kickoff": KickoffLog,
	"build":   BuildLog,
	"run":     RunLog,
}

// Canceler signals the process group of a scheduled run.
type Canceler interface {
	Cancel(pgid int) error
}

// TestRun is one test instance and its on-disk state.
type TestRun struct {
	ID        int
	Namespace string
	Name      string
	Path      string
	Created   time.Time
	Config    config.TestConfig
	Status    *status.Store

	logCfg logger.Config
}

type meta struct {
	ID        int               `json:"id"`
	Namespace string            `json:"namespace"`
	Created   time.Time         `json:"created"`
	Config    config.TestConfig `json:"config"`
}

// Results is the outcome summary written when the run command exits.
type Results struct {
	Result   string    `json:"result"`
	ExitCode int       `json:"exit_code"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Duration float64   `json:"duration"`
}

// Info is the report of a run's current state.
type Info struct {
	ID        int          `json:"id"`
	FullID    string       `json:"full_id"`
	Name      string       `json:"name"`
	Scheduler string       `json:"scheduler"`
	State     status.State `json:"state"`
	Note      string       `json:"note"`
	When      time.Time    `json:"time"`
	Result    string       `json:"result,omitempty"`
	Complete  bool         `json:"complete"`
	Created   time.Time    `json:"created"`
	Path      string       `json:"path"`
}

// Create allocates a new test run for tc. The test's environment is resolved
// against the global environment here and saved, so later processes run
// exactly what was configured at creation time.
func Create(cfg *config.Config, tc config.TestConfig) (*TestRun, error) {
	id, path, err := dirdb.Create(cfg.Path(RunsDir))
	if err != nil {
		return nil, fmt.Errorf("create test run for %s: %w", tc.Name, err)
	}
	r := &TestRun{
		ID:        id,
		Namespace: cfg.Namespace,
		Name:      tc.Name,
		Path:      path,
		Created:   time.Now().UTC(),
		Config:    tc,
		logCfg:    cfg.Logger(),
	}
	r.Status = status.Open(filepath.Join(path, StatusFile), r.FullID())

	global, err := cfg.GlobalEnv()
	if err != nil {
		r.Finish(status.EnvFailed, fmt.Sprintf("Could not resolve environment: %v", err))
		return r, fmt.Errorf("test %s: %w", r.FullID(), err)
	}
	r.Config.Env = append(global, tc.Env...)

	b, err := json.MarshalIndent(meta{ID: id, Namespace: r.Namespace, Created: r.Created, Config: r.Config}, "", "  ")
	if err == nil {
		err = dirdb.WriteFileAtomic(r.file(ConfigFile), b, 0o640)
	}
	if err != nil {
		r.Finish(status.CreationError, fmt.Sprintf("Could not save test config: %v", err))
		return r, fmt.Errorf("test %s: %w", r.FullID(), err)
	}
	r.Status.Set(status.Created, fmt.Sprintf("Created test run %s.", tc.Name))
	return r, nil
}

// ParseID splits "<namespace>.<id>" or a bare "<id>". The namespace is
// empty for a bare id.
func ParseID(s string) (string, int, error) {
	s = strings.TrimSpace(s)
	ns, num := "", s
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		ns, num = s[:i], s[i+1:]
		if ns == "" {
			return "", 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
		}
	}
	id, err := strconv.Atoi(num)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ns, id, nil
}

// Load reads the test run named by id, which may be bare or namespaced.
func Load(cfg *config.Config, id string) (*TestRun, error) {
	ns, n, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	r, err := LoadID(cfg, n)
	if err != nil {
		return nil, err
	}
	if ns != "" && ns != r.Namespace {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// LoadID reads the test run with numeric id.
func LoadID(cfg *config.Config, id int) (*TestRun, error) {
	path := dirdb.IDPath(cfg.Path(RunsDir), id)
	// #nosec G304 -- path is inside the working directory
	b, err := os.ReadFile(filepath.Join(path, ConfigFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("test run %d: bad %s: %w", id, ConfigFile, err)
	}
	r := &TestRun{
		ID:        id,
		Namespace: m.Namespace,
		Name:      m.Config.Name,
		Path:      path,
		Created:   m.Created,
		Config:    m.Config,
		logCfg:    cfg.Logger(),
	}
	r.Status = status.Open(filepath.Join(path, StatusFile), r.FullID())
	return r, nil
}

// List loads every test run in the working directory in id order. Runs that
// cannot be loaded are skipped.
func List(cfg *config.Config) ([]*TestRun, error) {
	ids, err := dirdb.Select(cfg.Path(RunsDir))
	if err != nil {
		return nil, err
	}
	out := make([]*TestRun, 0, len(ids))
	for _, id := range ids {
		r, err := LoadID(cfg, id)
		if err != nil {
			slog.Debug("skipping test run", "id", id, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// FullID returns "<namespace>.<id>".
func (r *TestRun) FullID() string {
	return r.Namespace + "." + strconv.Itoa(r.ID)
}

// Scheduler returns the name of the scheduler plugin the run uses.
func (r *TestRun) Scheduler() string {
	if r.Config.Scheduler == "" {
		return config.DefaultScheduler
	}
	return r.Config.Scheduler
}

// Timeout is the run phase limit, or zero for none.
func (r *TestRun) Timeout() time.Duration {
	if r.Config.RunTimeout > 0 {
		return r.Config.RunTimeout
	}
	return r.Config.Schedule.Timeout
}

func (r *TestRun) file(name string) string { return filepath.Join(r.Path, name) }

// File returns the path of a file in the run directory.
func (r *TestRun) File(name string) string { return r.file(name) }

// Complete reports whether the completion marker exists.
func (r *TestRun) Complete() bool {
	_, err := os.Stat(r.file(CompleteFile))
	return err == nil
}

func notTerminal(cur status.Entry) bool { return !status.TestTerminal.Has(cur.State) }

// Advance appends a non-terminal state unless the run has already finished.
func (r *TestRun) Advance(state status.State, note string) bool {
	_, ok := r.Status.SetIf(notTerminal, state, note)
	return ok
}

// Finish records a terminal state and then writes the completion marker.
// Only the first terminal state is kept; later calls return false.
func (r *TestRun) Finish(state status.State, note string) bool {
	if !status.TestTerminal.Has(state) {
		slog.Warn("testrun: finish with non-terminal state", "id", r.FullID(), "state", state)
		return r.Advance(state, note)
	}
	_, ok := r.Status.SetIf(notTerminal, state, note)
	// A previous process may have died between its terminal entry and the
	// marker; writing it here restores the pairing either way.
	r.markComplete()
	return ok
}

func (r *TestRun) markComplete() {
	if _, err := dirdb.Touch(r.file(CompleteFile)); err != nil {
		slog.Warn("testrun: could not write completion marker", "id", r.FullID(), "error", err)
	}
}

func (r *TestRun) workDir() string {
	wd := r.Config.WorkDir
	if wd == "" {
		return r.Path
	}
	if !filepath.IsAbs(wd) {
		return filepath.Join(r.Path, wd)
	}
	return wd
}

func (r *TestRun) runEnv() []string {
	return append(append([]string(nil), r.Config.Env...),
		"PAVR_TEST_ID="+r.FullID(),
		"PAVR_TEST_NAME="+r.Name,
		"PAVR_TEST_PATH="+r.Path,
	)
}

// Build runs the configured build steps. Failures are recorded on the run and
// reported only through the return value.
func (r *TestRun) Build(ctx context.Context) bool {
	if len(r.Config.Build) == 0 {
		return !r.Complete()
	}
	if !r.Advance(status.Building, fmt.Sprintf("Running %d build step(s).", len(r.Config.Build))) {
		return false
	}
	if r.Config.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Config.BuildTimeout)
		defer cancel()
	}
	w := r.logCfg.OutputWriter(r.file(BuildLog))
	defer func() { _ = w.Close() }()

	start := time.Now()
	err := process.RunSteps(ctx, r.Config.Build, r.workDir(), w)
	state, note := status.BuildDone, "Build completed."
	var se *process.StepError
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		state, note = status.BuildTimeout, fmt.Sprintf("Build timed out: %v", err)
	case errors.Is(err, context.Canceled):
		state, note = status.BuildError, "Build interrupted."
	case errors.As(err, &se):
		state, note = status.BuildFailed, fmt.Sprintf("Build failed: %v", err)
	default:
		state, note = status.BuildError, fmt.Sprintf("Build error: %v", err)
	}
	metrics.ObserveBuildDuration(r.Name, string(state), time.Since(start).Seconds())
	if state == status.BuildDone {
		return r.Advance(state, note)
	}
	r.Finish(state, note)
	return false
}

// Run executes the test command and records its outcome. It returns true
// only when the run completed. Nothing is recorded if the run was canceled
// while the command was running.
func (r *TestRun) Run(ctx context.Context) bool {
	if !r.Advance(status.Running, "Starting the run command.") {
		slog.Info("test run already finished; not running", "id", r.FullID())
		return false
	}
	timeout := r.Timeout()
	rctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	w := r.logCfg.OutputWriter(r.file(RunLog))
	defer func() { _ = w.Close() }()

	started := time.Now().UTC()
	var grouped bool
	code, err := process.RunCommand(rctx, process.Command{
		Line: r.Config.Command,
		Dir:  r.workDir(),
		Env:  r.runEnv(),
		// The pgid file names the group the command itself runs in, so a
		// cancel still reaches it if this process dies.
		OnStart: func(pgid int) {
			if err := r.SetGroup(pgid); err != nil {
				slog.Warn("could not record test process group", "id", r.FullID(), "pgid", pgid, "error", err)
				return
			}
			grouped = true
		},
	}, w)
	if grouped {
		r.ClearGroup()
	}
	finished := time.Now().UTC()
	if r.Complete() {
		return false
	}

	var state status.State
	var note string
	switch {
	case errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		state, note = status.RunTimeout, fmt.Sprintf("Run timed out after %s.", timeout)
	case ctx.Err() != nil:
		state, note = status.RunError, fmt.Sprintf("Run interrupted: %v", ctx.Err())
	case code < 0:
		state, note = status.RunError, fmt.Sprintf("Could not run test: %v", err)
	default:
		res := Results{
			Result:   ResultPass,
			ExitCode: code,
			Started:  started,
			Finished: finished,
			Duration: finished.Sub(started).Seconds(),
		}
		if code != 0 {
			res.Result = ResultFail
		}
		if werr := r.saveResults(res); werr != nil {
			state, note = status.ResultsError, fmt.Sprintf("Could not save results: %v", werr)
		} else {
			state, note = status.Complete, fmt.Sprintf("Test completed with exit status %d (%s).", code, res.Result)
		}
	}
	metrics.ObserveRunDuration(r.Name, string(state), finished.Sub(started).Seconds())
	r.Finish(state, note)
	return state == status.Complete
}

func (r *TestRun) saveResults(res Results) error {
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return dirdb.WriteFileAtomic(r.file(ResultsFile), b, 0o640)
}

// Results returns the saved outcome of a finished run.
func (r *TestRun) Results() (Results, error) {
	var res Results
	// #nosec G304 -- path is inside the run directory
	b, err := os.ReadFile(r.file(ResultsFile))
	if err != nil {
		return res, err
	}
	err = json.Unmarshal(b, &res)
	return res, err
}

// LogPath returns the path of the named log of the run.
func (r *TestRun) LogPath(kind string) (string, error) {
	name, ok := Logs[kind]
	if !ok {
		return "", fmt.Errorf("%w %q: want kickoff, build or run", ErrUnknownLog, kind)
	}
	return r.file(name), nil
}

// SetGroup records the process group the scheduler started for this run.
func (r *TestRun) SetGroup(pgid int) error {
	return dirdb.WriteFileAtomic(r.file(PGIDFile), process.NewGroupRecord(pgid).Encode(), 0o640)
}

// PGID reads the recorded process group.
func (r *TestRun) PGID() (process.GroupRecord, error) {
	return process.ReadGroupFile(r.file(PGIDFile))
}

// ClearGroup removes the pgid file once the run's group has finished.
func (r *TestRun) ClearGroup() {
	if err := os.Remove(r.file(PGIDFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Debug("testrun: could not remove pgid file", "id", r.FullID(), "error", err)
	}
}

// Cancel stops the run. A finished run is left untouched and the call still
// succeeds. Otherwise SCHED_CANCELLED and the marker are recorded before the
// run's process group is signaled, so the group is never signaled after the
// run has finished. It reports whether this call recorded the cancellation.
func (r *TestRun) Cancel(c Canceler) (bool, error) {
	if r.Complete() {
		metrics.IncCancel(metrics.KindTest, false)
		return false, nil
	}
	if _, ok := r.Status.SetIf(notTerminal, status.SchedCancelled, "Canceled by user."); !ok {
		r.markComplete()
		metrics.IncCancel(metrics.KindTest, false)
		return false, nil
	}
	r.markComplete()
	metrics.IncCancel(metrics.KindTest, true)

	rec, err := r.PGID()
	if errors.Is(err, process.ErrNoGroupFile) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("test %s: %w", r.FullID(), err)
	}
	if why := rec.Reason(); why != "" {
		slog.Debug("not signaling test run", "id", r.FullID(), "reason", why)
		return true, nil
	}
	if c == nil {
		return true, fmt.Errorf("test %s: no scheduler available to signal process group %d", r.FullID(), rec.PGID)
	}
	if err := c.Cancel(rec.PGID); err != nil {
		return true, fmt.Errorf("test %s: %w", r.FullID(), err)
	}
	return true, nil
}

// Info reports the current state of the run.
func (r *TestRun) Info() Info {
	cur := r.Status.Current()
	info := Info{
		ID:        r.ID,
		FullID:    r.FullID(),
		Name:      r.Name,
		Scheduler: r.Scheduler(),
		State:     cur.State,
		Note:      cur.Note,
		When:      cur.When,
		Complete:  r.Complete(),
		Created:   r.Created,
		Path:      r.Path,
	}
	if res, err := r.Results(); err == nil {
		info.Result = res.Result
	}
	return info
}
