//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// Windows creation flags
const (
	CREATE_NEW_PROCESS_GROUP = 0x00000200
	DETACHED_PROCESS         = 0x00000008
)

// configureSysProcAttr creates a new process group; with detached the child
// also gets no console.
func configureSysProcAttr(cmd *exec.Cmd, detached bool) {
	flags := uint32(CREATE_NEW_PROCESS_GROUP)
	if detached {
		flags |= DETACHED_PROCESS
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: flags}
}
