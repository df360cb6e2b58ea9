package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/pavr/internal/config"
	"github.com/loykin/pavr/internal/history"
	"github.com/loykin/pavr/internal/history/factory"
	"github.com/loykin/pavr/internal/metrics"
	"github.com/loykin/pavr/internal/scheduler"
	"github.com/loykin/pavr/internal/series"
	"github.com/loykin/pavr/internal/status"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// app is the state shared by every command of one pavr process.
type app struct {
	cfg      *config.Config
	reg      *scheduler.Registry
	recorder *history.Recorder
	// childArgs precede the hidden subcommands of processes pavr starts.
	childArgs []string
	out       io.Writer
	errOut    io.Writer
}

// execute runs the command line and returns the exit code. Command errors
// exit 1; unexpected panics leave a trace file and exit -1.
func execute(args []string, stdout, stderr io.Writer) (code int) {
	a := &app{out: stdout, errOut: stderr}
	defer func() {
		if p := recover(); p != nil {
			code = a.crash(p)
		}
	}()
	defer a.close()

	root := buildRoot(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

// buildRoot creates the root command and its subcommands.
func buildRoot(a *app) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "pavr",
		Short: "Build, run and track tests on a cluster without a daemon",
		Long: `pavr builds and runs tests as process groups and records their progress
in the working directory. Every command reconstructs state from disk, so the
process that started a test may exit right away.

Examples:
  pavr run hello world          # ad hoc series of two tests
  pavr status                   # tests of your last series
  pavr wait --summary s3
  pavr series run nightly
  pavr log run 12
  pavr series cancel`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(*globalFlags)
		},
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to TOML config file (default $PAVR_CONFIG, ./pavr.toml, ~/.pavr/pavr.toml)")
	root.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		createRunCommand(a),
		createStatusCommand(a),
		createWaitCommand(a),
		createCancelCommand(a),
		createLogCommand(a),
		createSeriesCommand(a),
		createServeCommand(a),
		createMetricsCommand(a),
		createTemplateCommand(a),
		createRunChildCommand(a),
		createSeriesChildCommand(a),
	)
	return root
}

// setup loads the configuration and wires logging, schedulers, history and
// metrics. Any error here is fatal before an entity is touched.
func (a *app) setup(f GlobalFlags) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return err
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	a.cfg = cfg
	series.PollInterval = cfg.PollInterval

	lc := cfg.Logger()
	slog.SetDefault(lc.NewSloggerTo(a.errOut))

	a.childArgs = nil
	if cfg.ConfigFile != "" {
		p, err := filepath.Abs(cfg.ConfigFile)
		if err != nil {
			p = cfg.ConfigFile
		}
		a.childArgs = []string{"--config", p}
	}
	a.reg = scheduler.NewRegistry()
	if err := scheduler.RegisterBuiltins(a.reg, scheduler.RawOptions{Args: a.childArgs}); err != nil {
		return fmt.Errorf("register schedulers: %w", err)
	}

	status.ResetObservers()
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		status.RegisterObserver(history.ObserveMetrics)
	}
	if cfg.History.Enabled && len(cfg.History.Sinks) > 0 {
		sinks, err := factory.NewSinks(cfg.History.Sinks)
		if err != nil {
			return err
		}
		a.recorder = history.NewRecorder(sinks...)
		a.recorder.Install()
	}
	return nil
}

func (a *app) launcher() series.Launcher {
	return series.Launcher{Args: a.childArgs}
}

// close flushes history sinks.
func (a *app) close() {
	if a.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.recorder.Close(ctx); err != nil {
		slog.Warn("history: flush failed", "error", err)
	}
	a.recorder = nil
}

// crash persists the panic and its stack to a per-process trace file.
func (a *app) crash(p any) int {
	dir := os.TempDir()
	if a.cfg != nil {
		dir = a.cfg.Path("logs")
	}
	path := filepath.Join(dir, fmt.Sprintf("pavr.%d.trace", os.Getpid()))
	body := fmt.Sprintf("%s\npanic: %v\n\n%s", time.Now().UTC().Format(time.RFC3339), p, debug.Stack())
	if err := os.MkdirAll(dir, 0o750); err == nil {
		err = os.WriteFile(path, []byte(body), 0o640)
		if err == nil {
			_, _ = fmt.Fprintf(a.errOut, "pavr hit an internal error. Details were saved to %s\n", path)
			return -1
		}
	}
	_, _ = fmt.Fprintf(a.errOut, "pavr hit an internal error and could not save the details:\n%s", body)
	return -1
}

// logTo sends this process's log records to a rotating file inside an
// entity directory. Detached children have no terminal to write to.
func (a *app) logTo(path string) io.Closer {
	lc := a.cfg.Logger()
	w := lc.OutputWriter(path)
	slog.SetDefault(lc.NewSloggerTo(w))
	return w
}
