package scheduler

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/loykin/pavr/internal/config"
	"github.com/loykin/pavr/internal/process"
	"github.com/loykin/pavr/internal/status"
	"github.com/loykin/pavr/internal/testrun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlugin struct {
	name      string
	available bool

	mu        sync.Mutex
	scheduled []string
	canceled  []int
}

func (f *fakePlugin) Name() string    { return f.name }
func (f *fakePlugin) Available() bool { return f.available }
func (f *fakePlugin) Schedule(_ context.Context, runs []*testrun.TestRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range runs {
		f.scheduled = append(f.scheduled, r.FullID())
		r.Advance(status.Scheduled, "fake")
	}
}
func (f *fakePlugin) Cancel(pgid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, pgid)
	return nil
}

func newConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.Default()
	c.WorkingDir = t.TempDir()
	return c
}

func newRun(t *testing.T, cfg *config.Config, tc config.TestConfig) *testrun.TestRun {
	t.Helper()
	if tc.Name == "" {
		tc.Name = "t"
	}
	if tc.Command == "" {
		tc.Command = "true"
	}
	r, err := testrun.Create(cfg, tc)
	require.NoError(t, err)
	return r
}

func TestRegistry_RegisterGet(t *testing.T) {
	reg := NewRegistry()
	p := &fakePlugin{name: "fake", available: true}
	require.NoError(t, reg.Register(p))

	got, err := reg.Get("fake")
	require.NoError(t, err)
	assert.Same(t, p, got)

	err = reg.Register(&fakePlugin{name: "fake"})
	assert.True(t, errors.Is(err, ErrDuplicate))

	_, err = reg.Get("slurm")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, reg.Register(&fakePlugin{name: "another"}))
	assert.Equal(t, []string{"another", "fake"}, reg.Names())

	assert.Error(t, reg.Register(&fakePlugin{}))
}

func TestRegistry_Canceler(t *testing.T) {
	reg := NewRegistry()
	cfg := newConfig(t)
	run := newRun(t, cfg, config.TestConfig{Scheduler: "missing"})
	c, err := reg.Canceler(run)
	assert.Error(t, err)
	assert.Nil(t, c)
}

func TestScheduleAll_GroupsAndUnknown(t *testing.T) {
	cfg := newConfig(t)
	reg := NewRegistry()
	fake := &fakePlugin{name: "fake", available: true}
	off := &fakePlugin{name: "off", available: false}
	require.NoError(t, reg.Register(fake))
	require.NoError(t, reg.Register(off))

	a := newRun(t, cfg, config.TestConfig{Name: "a", Scheduler: "fake"})
	b := newRun(t, cfg, config.TestConfig{Name: "b", Scheduler: "nope"})
	c := newRun(t, cfg, config.TestConfig{Name: "c", Scheduler: "off"})
	d := newRun(t, cfg, config.TestConfig{Name: "d", Scheduler: "fake"})

	reg.ScheduleAll(context.Background(), []*testrun.TestRun{a, b, c, d})

	assert.Equal(t, []string{a.FullID(), d.FullID()}, fake.scheduled)
	assert.Equal(t, status.Scheduled, a.Status.Current().State)
	for _, r := range []*testrun.TestRun{b, c} {
		assert.Equal(t, status.SchedError, r.Status.Current().State)
		assert.True(t, r.Complete(), "SCHED_ERROR must come with the marker")
	}
	assert.Contains(t, c.Status.Current().Note, "not available")
}

func TestDefaultRegistry(t *testing.T) {
	p := &fakePlugin{name: "default-registry-test", available: true}
	require.NoError(t, Register(p))
	got, err := Get(p.name)
	require.NoError(t, err)
	assert.Same(t, p, got)
	assert.Contains(t, Default().Names(), p.name)
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires process groups")
	}
}

// sleeper stands in for "pavr _run": sh ignores the trailing arguments.
func sleeper() RawOptions {
	return RawOptions{Executable: "/bin/sh", Args: []string{"-c", "sleep 30", "sh"}}
}

func TestRaw_KickoffAndCancel(t *testing.T) {
	requireUnix(t)
	cfg := newConfig(t)
	raw := NewRaw(sleeper())
	run := newRun(t, cfg, config.TestConfig{Name: "long"})

	raw.Schedule(context.Background(), []*testrun.TestRun{run})
	require.Equal(t, status.Scheduled, run.Status.Current().State)

	rec, err := run.PGID()
	require.NoError(t, err)
	require.True(t, process.GroupAlive(rec.PGID))
	assert.Equal(t, "", rec.Reason())

	recorded, err := run.Cancel(raw)
	require.NoError(t, err)
	assert.True(t, recorded)
	assert.Equal(t, status.SchedCancelled, run.Status.Current().State)
	assert.True(t, run.Complete())

	assert.Eventually(t, func() bool { return !process.GroupAlive(rec.PGID) }, 5*time.Second, 50*time.Millisecond)

	// A second cancel is a successful no-op.
	recorded, err = run.Cancel(raw)
	require.NoError(t, err)
	assert.False(t, recorded)
	assert.Equal(t, status.SchedCancelled, run.Status.Current().State)
}

func TestRaw_RejectsMultiNode(t *testing.T) {
	cfg := newConfig(t)
	run := newRun(t, cfg, config.TestConfig{Name: "mpi", Schedule: config.ScheduleConfig{Nodes: 4}})
	NewRaw(sleeper()).Schedule(context.Background(), []*testrun.TestRun{run})
	assert.Equal(t, status.SchedError, run.Status.Current().State)
	assert.True(t, run.Complete())
}

func TestRaw_StartFailure(t *testing.T) {
	cfg := newConfig(t)
	run := newRun(t, cfg, config.TestConfig{Name: "x"})
	NewRaw(RawOptions{Executable: "/definitely/not/a/binary"}).Schedule(context.Background(), []*testrun.TestRun{run})
	assert.Equal(t, status.SchedError, run.Status.Current().State)
	assert.True(t, run.Complete())
	_, err := os.Stat(run.File(testrun.PGIDFile))
	assert.True(t, os.IsNotExist(err))
}

func TestRaw_SkipsCanceledRun(t *testing.T) {
	cfg := newConfig(t)
	run := newRun(t, cfg, config.TestConfig{Name: "x"})
	_, err := run.Cancel(nil)
	require.NoError(t, err)
	NewRaw(sleeper()).Schedule(context.Background(), []*testrun.TestRun{run})
	assert.Equal(t, status.SchedCancelled, run.Status.Current().State)
	_, err = os.Stat(run.File(testrun.PGIDFile))
	assert.True(t, os.IsNotExist(err))
}

func TestRaw_CancelGoneGroup(t *testing.T) {
	assert.NoError(t, NewRaw(sleeper()).Cancel(999999))
}
