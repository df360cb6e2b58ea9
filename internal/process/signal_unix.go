//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// killGroup sends sig to every member of process group pgid.
func killGroup(pgid int, sig syscall.Signal) error {
	return syscall.Kill(-pgid, sig)
}

// groupExists reports whether any process is still in group pgid.
// EPERM means the group exists but belongs to someone else.
func groupExists(pgid int) bool {
	err := syscall.Kill(-pgid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func isGone(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}
