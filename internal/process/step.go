package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Step is one named command of a multi-command phase such as a test build.
type Step struct {
	Name        string        `json:"name" mapstructure:"name"`
	Command     string        `json:"command" mapstructure:"command"`
	WorkDir     string        `json:"work_dir" mapstructure:"work_dir"`
	Env         []string      `json:"env" mapstructure:"env"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	FailureMode FailureMode   `json:"failure_mode" mapstructure:"failure_mode"`
	Retries     int           `json:"retries" mapstructure:"retries"`
}

// FailureMode defines how a failing step affects the phase.
type FailureMode string

const (
	FailureModeIgnore FailureMode = "ignore" // continue with the next step
	FailureModeFail   FailureMode = "fail"   // abort the phase
	FailureModeRetry  FailureMode = "retry"  // rerun up to Retries times, then abort
)

const (
	maxSteps       = 50
	defaultTimeout = 30 * time.Minute
)

// StepError reports which step failed and whether it ran out of time.
type StepError struct {
	Step     string
	TimedOut bool
	Err      error
}

func (e *StepError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("step %q timed out: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Validate checks a single step.
func (s *Step) Validate() error {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return fmt.Errorf("step name is required")
	}
	if strings.ContainsAny(name, " \t\n\r/\\<>:\"|?*") {
		return fmt.Errorf("step %q: name contains invalid characters", name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("step %q requires command", name)
	}
	switch s.FailureMode {
	case "", FailureModeIgnore, FailureModeFail, FailureModeRetry:
	default:
		return fmt.Errorf("step %q: invalid failure_mode %q, must be one of: ignore, fail, retry", name, s.FailureMode)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("step %q: timeout cannot be negative", name)
	}
	if s.Retries < 0 {
		return fmt.Errorf("step %q: retries cannot be negative", name)
	}
	if strings.Contains(s.WorkDir, "..") {
		return fmt.Errorf("step %q: work_dir cannot contain '..' path traversal", name)
	}
	for i, env := range s.Env {
		key, _, ok := strings.Cut(env, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("step %q: env[%d] %q must be in KEY=VALUE format", name, i, env)
		}
	}
	return nil
}

// GetDefaults fills unset fields.
func (s *Step) GetDefaults() {
	if s.FailureMode == "" {
		s.FailureMode = FailureModeFail
	}
	if s.Timeout == 0 {
		s.Timeout = defaultTimeout
	}
	if s.FailureMode == FailureModeRetry && s.Retries == 0 {
		s.Retries = 1
	}
}

// ValidateSteps validates every step and rejects duplicate names.
func ValidateSteps(steps []Step) error {
	if len(steps) > maxSteps {
		return fmt.Errorf("too many steps (%d), maximum is %d", len(steps), maxSteps)
	}
	seen := make(map[string]int, len(steps))
	for i := range steps {
		if err := steps[i].Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if j, dup := seen[steps[i].Name]; dup {
			return fmt.Errorf("duplicate step name %q at %d and %d", steps[i].Name, j, i)
		}
		seen[steps[i].Name] = i
	}
	return nil
}

// RunSteps runs steps in order in dir, sending all output to out. It returns
// a *StepError for the first step that aborts the phase.
func RunSteps(ctx context.Context, steps []Step, dir string, out io.Writer) error {
	for _, st := range steps {
		st.GetDefaults()
		wd := dir
		if st.WorkDir != "" {
			wd = st.WorkDir
		}
		attempts := 1
		if st.FailureMode == FailureModeRetry {
			attempts += st.Retries
		}
		var err error
		for a := 0; a < attempts; a++ {
			_, _ = fmt.Fprintf(out, "==> %s: %s\n", st.Name, st.Command)
			err = runStep(ctx, st, wd, out)
			if err == nil || ctx.Err() != nil {
				break
			}
		}
		if err == nil {
			continue
		}
		var se *StepError
		if errors.As(err, &se) && se.TimedOut {
			return err
		}
		if st.FailureMode == FailureModeIgnore && ctx.Err() == nil {
			_, _ = fmt.Fprintf(out, "==> %s failed, ignored: %v\n", st.Name, err)
			continue
		}
		return err
	}
	return nil
}

func runStep(ctx context.Context, st Step, dir string, out io.Writer) error {
	sctx, cancel := context.WithTimeout(ctx, st.Timeout)
	defer cancel()
	_, err := RunCommand(sctx, Command{Line: st.Command, Dir: dir, Env: st.Env}, out)
	if err == nil {
		return nil
	}
	timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	return &StepError{Step: st.Name, TimedOut: timedOut, Err: err}
}

// RunCommand runs c in its own process group and waits for it. When ctx ends
// the whole group is killed, so grandchildren do not outlive the command.
// c.OnStart is told the group id once the command is running.
// The exit code is -1 when the command did not exit normally.
func RunCommand(ctx context.Context, c Command, out io.Writer) (int, error) {
	cmd := c.Build(ctx)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return SignalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
	pgid, err := StartGroup(cmd, false)
	if err != nil {
		return -1, err
	}
	if c.OnStart != nil {
		c.OnStart(pgid)
	}
	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), err
	}
	return -1, err
}
