//go:build !windows

package server

import (
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pavr/internal/process"
)

func TestRunningTargets_LiveGroup(t *testing.T) {
	cfg := newConfig(t)
	r := newRun(t, cfg, "a")
	cmd := exec.Command("sleep", "30")
	pgid, err := process.StartGroup(cmd, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = process.SignalGroup(pgid, syscall.SIGKILL)
		_ = cmd.Wait()
	})
	require.NoError(t, r.SetGroup(pgid))

	targets := RunningTargets(cfg)
	require.Len(t, targets, 1)
	assert.Equal(t, r.FullID(), targets[0].ID)
	assert.Equal(t, "a", targets[0].Test)
	assert.Equal(t, int32(pgid), targets[0].PID)
}
