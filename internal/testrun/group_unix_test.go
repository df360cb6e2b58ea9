//go:build !windows

package testrun

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pavr/internal/config"
	"github.com/loykin/pavr/internal/process"
	"github.com/loykin/pavr/internal/status"
)

type groupSignaler struct{}

func (groupSignaler) Cancel(pgid int) error { return process.SignalGroup(pgid, syscall.SIGTERM) }

// run.pgid names the group the test command runs in, and cancel reaches it
// without help from the process that started it.
func TestRun_PGIDFileNamesWorkloadGroup(t *testing.T) {
	cfg := newConfig(t)
	pidFile := filepath.Join(t.TempDir(), "pid")
	r := create(t, cfg, config.TestConfig{Command: "sleep 30 & echo $! > " + pidFile + "; wait"})

	done := make(chan bool, 1)
	// The context is never canceled: only the group signal can end the run.
	go func() { done <- r.Run(context.Background()) }()

	var child int
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		if err != nil || !strings.HasSuffix(string(b), "\n") {
			return false
		}
		child, _ = strconv.Atoi(strings.TrimSpace(string(b)))
		_, err = r.PGID()
		return child > 0 && err == nil
	}, 5*time.Second, 20*time.Millisecond)

	rec, err := r.PGID()
	require.NoError(t, err)
	got, err := syscall.Getpgid(child)
	require.NoError(t, err)
	assert.Equal(t, rec.PGID, got, "pgid file must name the workload's group")
	assert.NotEqual(t, syscall.Getpgrp(), got)
	assert.Empty(t, rec.Reason())

	recorded, err := r.Cancel(groupSignaler{})
	require.NoError(t, err)
	assert.True(t, recorded)

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(10 * time.Second):
		t.Fatal("cancel did not stop the workload")
	}
	assert.Equal(t, status.SchedCancelled, r.Status.Current().State)
	assertMarkerInvariant(t, r)
	_, err = r.PGID()
	assert.ErrorIs(t, err, process.ErrNoGroupFile, "pgid file is removed once the group exits")
}
