//go:build windows

package process

import (
	"errors"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

var errNoProcess = errors.New("process does not exist")

// killGroup terminates the leader only. Windows has no group-wide signal and
// the raw scheduler is not offered there, so this serves local cleanup.
func killGroup(pid int, sig syscall.Signal) error {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return errNoProcess
	}
	if sig == 0 {
		return nil
	}
	return p.Kill()
}

func groupExists(pid int) bool {
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

func isGone(err error) bool { return errors.Is(err, errNoProcess) }
