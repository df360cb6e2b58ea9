package logger

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestOutputWriter_Defaults(t *testing.T) {
	w := Config{}.OutputWriter(filepath.Join(t.TempDir(), "run.log"))
	defer closeIf(w)
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is %T, not lumberjack.Logger", w)
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 || l.Compress {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
}

func TestOutputWriter_Overrides(t *testing.T) {
	cfg := Config{File: FileConfig{MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	w := cfg.OutputWriter(filepath.Join(t.TempDir(), "kickoff.log"))
	defer closeIf(w)
	l := w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestOutputWriter_CreatesFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "build.log")
	w := Config{}.OutputWriter(p)
	if _, err := w.Write([]byte("==> make\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	closeIf(w)
	b, err := os.ReadFile(p)
	if err != nil || string(b) != "==> make\n" {
		t.Fatalf("build.log = %q, %v", b, err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warning": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewSloggerTo_Formats(t *testing.T) {
	var buf bytes.Buffer
	l := Config{Slog: SlogConfig{Level: LevelInfo, Format: FormatJSON}}.NewSloggerTo(&buf)
	l.Debug("hidden")
	l.Info("shown", "entity", "main.1")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record leaked at info level: %s", out)
	}
	if !strings.Contains(out, `"entity":"main.1"`) || strings.Contains(out, `"time"`) {
		t.Errorf("unexpected json output: %s", out)
	}

	buf.Reset()
	l = Config{Slog: SlogConfig{Color: true, TimeStamps: true}}.NewSloggerTo(&buf)
	l.Warn("careful")
	if !strings.Contains(buf.String(), "[33mWARN") {
		t.Errorf("expected colored level prefix, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "time=") {
		t.Errorf("expected timestamp, got %q", buf.String())
	}
}

func TestColorTextHandler_EntityAndDerived(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	l.Info("scheduled", "id", "main.7")
	if !strings.Contains(buf.String(), "[1mmain.7") {
		t.Fatalf("entity not highlighted: %q", buf.String())
	}
	buf.Reset()
	l.With("stage", "one").Error("failed")
	if !strings.Contains(buf.String(), "[31mERROR") || !strings.Contains(buf.String(), "stage=one") {
		t.Fatalf("derived logger lost coloring: %q", buf.String())
	}
}

func TestReadLog(t *testing.T) {
	p := filepath.Join(t.TempDir(), "run.log")
	if err := os.WriteFile(p, []byte("one\ntwo\nthree\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		tail int
		want string
	}{
		{0, "one\ntwo\nthree\n"},
		{2, "two\nthree\n"},
		{10, "one\ntwo\nthree\n"},
	}
	for _, tc := range cases {
		got, err := ReadLog(p, tc.tail)
		if err != nil {
			t.Fatalf("ReadLog(%d) = %v", tc.tail, err)
		}
		if string(got) != tc.want {
			t.Errorf("ReadLog(%d) = %q, want %q", tc.tail, got, tc.want)
		}
	}
	if got := string(lastLines([]byte("a\nb\nc"), 1)); got != "c" {
		t.Errorf("lastLines(no trailing newline) = %q", got)
	}
	if got := lastLines(nil, 3); len(got) != 0 {
		t.Errorf("lastLines(nil) = %q", got)
	}
	if _, err := ReadLog(filepath.Join(t.TempDir(), "missing.log"), 0); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadLog(missing) = %v, want ErrNotExist", err)
	}
}
