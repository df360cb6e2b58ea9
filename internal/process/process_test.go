package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell and process groups")
	}
}

// An explicit "sh -c" prefix must not be wrapped in another shell.
func TestBuild_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnix(t)
	cmd := Command{Line: "sh -c 'echo hi'"}.Build(context.Background())
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if strings.HasPrefix(cmd.Args[2], "sh -c ") {
		t.Fatalf("command was double-wrapped: %q", cmd.Args[2])
	}
	if cmd.Args[2] != "echo hi" {
		t.Errorf("script = %q, want %q", cmd.Args[2], "echo hi")
	}
}

func TestBuild_MetacharTriggersShell(t *testing.T) {
	requireUnix(t)
	cmd := Command{Line: "echo hi | wc -c"}.Build(context.Background())
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestBuild_PlainCommandUsesShell(t *testing.T) {
	requireUnix(t)
	cmd := Command{Line: "  sleep 10 ", Dir: "/tmp", Env: []string{"A=1"}}.Build(context.Background())
	if len(cmd.Args) != 3 || cmd.Args[0] != "/bin/sh" || cmd.Args[2] != "sleep 10" {
		t.Fatalf("argv = %#v", cmd.Args)
	}
	if cmd.Dir != "/tmp" {
		t.Errorf("Dir = %q", cmd.Dir)
	}
	if cmd.Env[len(cmd.Env)-1] != "A=1" {
		t.Errorf("extra env not appended: %v", cmd.Env[len(cmd.Env)-1])
	}
}

func TestRunCommand_ShellBuiltins(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	cases := []struct {
		line string
		code int
		out  string
	}{
		{line: "exit 3", code: 3},
		{line: "cd " + dir, code: 0},
		{line: "export FOO=1", code: 0},
		{line: "ulimit -n", code: 0},
	}
	for _, tc := range cases {
		var out bytes.Buffer
		code, err := RunCommand(context.Background(), Command{Line: tc.line}, &out)
		if code != tc.code {
			t.Errorf("RunCommand(%q) = %d, %v; want exit %d", tc.line, code, err, tc.code)
		}
		if code < 0 {
			t.Errorf("RunCommand(%q) did not start: %v", tc.line, err)
		}
	}
}

func TestRunCommand_ExitCodes(t *testing.T) {
	requireUnix(t)
	var out bytes.Buffer
	code, err := RunCommand(context.Background(), Command{Line: "echo hello"}, &out)
	if err != nil || code != 0 {
		t.Fatalf("RunCommand() = %d, %v", code, err)
	}
	if strings.TrimSpace(out.String()) != "hello" {
		t.Errorf("output = %q", out.String())
	}

	code, err = RunCommand(context.Background(), Command{Line: "sh -c 'exit 3'"}, &out)
	if err == nil || code != 3 {
		t.Fatalf("RunCommand(exit 3) = %d, %v", code, err)
	}
}

func TestRunCommand_DeadlineKillsGroup(t *testing.T) {
	requireUnix(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	// The grandchild sleep must be killed with the group for Wait to return early.
	_, err := RunCommand(ctx, Command{Line: "sh -c 'sleep 30 & sleep 30'"}, &bytes.Buffer{})
	if err == nil || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("RunCommand did not stop the group promptly")
	}
}

func TestSignalGroup(t *testing.T) {
	requireUnix(t)
	cmd := exec.Command("sleep", "30")
	pgid, err := StartGroup(cmd, false)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if !GroupAlive(pgid) {
		t.Fatalf("group %d should be alive", pgid)
	}
	if err := SignalGroup(pgid, syscall.SIGTERM); err != nil {
		t.Fatalf("SignalGroup() = %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after SIGTERM")
	}
	// Signaling a group that is gone is a successful no-op.
	if err := SignalGroup(pgid, syscall.SIGTERM); err != nil {
		t.Errorf("SignalGroup(gone) = %v, want nil", err)
	}
	if GroupAlive(pgid) {
		t.Errorf("group %d should be gone", pgid)
	}
}

func TestSignalGroup_RefusesInit(t *testing.T) {
	if err := SignalGroup(1, syscall.SIGTERM); err == nil {
		t.Fatal("expected refusal for pgid 1")
	}
	if err := SignalGroup(0, syscall.SIGTERM); err == nil {
		t.Fatal("expected refusal for pgid 0")
	}
}

func TestGroupFile_RoundTrip(t *testing.T) {
	requireUnix(t)
	path := filepath.Join(t.TempDir(), "run.pgid")
	rec := NewGroupRecord(os.Getpid())
	if err := os.WriteFile(path, rec.Encode(), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := ReadGroupFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.PGID != os.Getpid() || got.StartUnix != rec.StartUnix || got.Host != rec.Host {
		t.Fatalf("ReadGroupFile() = %+v, want %+v", got, rec)
	}
	first, _, _ := strings.Cut(string(rec.Encode()), "\n")
	if first != strings.TrimSpace(first) || first == "" {
		t.Errorf("first line must be the bare pgid, got %q", first)
	}
}

func TestGroupFile_LegacyAndInvalid(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "legacy.pgid")
	if err := os.WriteFile(legacy, []byte("4242\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	rec, err := ReadGroupFile(legacy)
	if err != nil || rec.PGID != 4242 || rec.StartUnix != 0 {
		t.Fatalf("legacy: %+v %v", rec, err)
	}

	bad := filepath.Join(dir, "bad.pgid")
	if err := os.WriteFile(bad, []byte("abc"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadGroupFile(bad); err == nil {
		t.Fatal("expected error for invalid pgid")
	}

	if _, err := ReadGroupFile(filepath.Join(dir, "missing")); !errors.Is(err, ErrNoGroupFile) {
		t.Fatalf("missing: err = %v", err)
	}
}

func TestGroupRecord_Reason(t *testing.T) {
	requireUnix(t)
	cmd := exec.Command("sleep", "30")
	pgid, err := StartGroup(cmd, false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = SignalGroup(pgid, syscall.SIGKILL)
		_ = cmd.Wait()
	})

	rec := NewGroupRecord(pgid)
	if r := rec.Reason(); r != "" {
		t.Fatalf("fresh record should be signalable, got %q", r)
	}

	reused := rec
	reused.StartUnix = rec.StartUnix - 1000
	if rec.StartUnix > 0 && reused.Reason() == "" {
		t.Error("a start time mismatch must be reported as reuse")
	}

	foreign := rec
	foreign.Host = "some-other-host.invalid"
	if foreign.Reason() == "" {
		t.Error("a record from another host must not be signaled")
	}
}

func TestStartTime(t *testing.T) {
	requireUnix(t)
	st := StartTime(os.Getpid())
	if st <= 0 {
		t.Skip("start time not available on this platform")
	}
	if st > time.Now().Unix()+1 {
		t.Errorf("start time %d is in the future", st)
	}
	if StartTime(-1) != 0 {
		t.Error("StartTime(-1) should be 0")
	}
}
