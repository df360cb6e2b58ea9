//go:build windows

package process

import (
	"context"
	"os/exec"
)

func shellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204 -- test commands come from the harness configuration
	return exec.CommandContext(ctx, "cmd", "/c", script)
}

func trueCommand(ctx context.Context) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "cmd", "/c", "rem")
}
