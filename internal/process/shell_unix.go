//go:build !windows

package process

import (
	"context"
	"os/exec"
)

// shellCommand runs script with the POSIX shell. The absolute path keeps it
// independent of PATH in the test environment.
func shellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204 -- test commands come from the harness configuration
	return exec.CommandContext(ctx, "/bin/sh", "-c", script)
}

func trueCommand(ctx context.Context) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/true")
}
