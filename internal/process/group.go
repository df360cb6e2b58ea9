package process

import (
	"fmt"
	"os/exec"
	"syscall"
)

// StartGroup starts cmd as the leader of a new process group and returns the
// group id, which equals the leader's pid.
func StartGroup(cmd *exec.Cmd, detached bool) (int, error) {
	configureSysProcAttr(cmd, detached)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	return cmd.Process.Pid, nil
}

// SignalGroup sends sig to every process in group pgid. Group ids are
// ephemeral: a group that has already disappeared is not an error.
func SignalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 1 {
		return fmt.Errorf("refusing to signal process group %d", pgid)
	}
	if err := killGroup(pgid, sig); err != nil && !isGone(err) {
		return fmt.Errorf("signal process group %d: %w", pgid, err)
	}
	return nil
}

// GroupAlive reports whether any process remains in group pgid.
func GroupAlive(pgid int) bool {
	if pgid <= 1 {
		return false
	}
	return groupExists(pgid)
}
