package process

import (
	"context"
	"os/exec"
	"strings"
)

// Command describes one shell command line to execute.
type Command struct {
	Line string   `json:"line" mapstructure:"line"`
	Dir  string   `json:"dir" mapstructure:"dir"`
	Env  []string `json:"env" mapstructure:"env"` // appended to the inherited environment

	// OnStart, when set, receives the id of the process group the command
	// was started in before RunCommand waits for it.
	OnStart func(pgid int) `json:"-" mapstructure:"-"`
}

// Build constructs an *exec.Cmd for the command line bound to ctx. Every
// line goes through the shell so builtins such as cd, export, exit and
// source behave as they do in a job script. A line that already starts
// with "sh -c" is not wrapped a second time.
func (c Command) Build(ctx context.Context) *exec.Cmd {
	cmd := buildCmd(ctx, c.Line)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	return cmd
}

func buildCmd(ctx context.Context, line string) *exec.Cmd {
	line = strings.TrimSpace(line)
	if line == "" {
		return trueCommand(ctx)
	}
	if _, afterC, ok := parseExplicitShell(line); ok {
		return shellCommand(ctx, afterC)
	}
	return shellCommand(ctx, line)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of line. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(line string) (string, string, bool) {
	trim := strings.TrimLeft(line, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// Strip one pair of wrapping quotes so the shell parses the script itself.
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
