package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/pavr/internal/config"
	"github.com/loykin/pavr/internal/logger"
	"github.com/loykin/pavr/internal/metrics"
	"github.com/loykin/pavr/internal/series"
	"github.com/loykin/pavr/internal/seriesconfig"
	"github.com/loykin/pavr/internal/server"
	"github.com/loykin/pavr/internal/status"
	"github.com/loykin/pavr/internal/testrun"
	pavrtls "github.com/loykin/pavr/internal/tls"
	"github.com/loykin/pavr/pkg/template"
)

func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func createRunCommand(a *app) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run TEST...",
		Short: "Create, build and schedule tests as a new ad hoc series",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTests(*flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "series name (default: the test names)")
	return cmd
}

func (a *app) runTests(f RunFlags, names []string) error {
	for _, n := range names {
		if _, err := a.cfg.Test(n); err != nil {
			return err
		}
	}
	runs, err := a.createRuns(names, func(tc config.TestConfig) (*testrun.TestRun, error) {
		return testrun.Create(a.cfg, tc)
	})
	if err != nil {
		return err
	}
	name := f.Name
	if name == "" {
		name = strings.Join(names, ",")
	}
	s, err := series.CreateAdHoc(a.cfg, name, runs)
	if err != nil {
		return err
	}
	if err := series.SaveUserSeries(a.cfg, s.SID()); err != nil {
		_, _ = fmt.Fprintf(a.errOut, "warning: %v\n", err)
	}

	ctx, stop := interruptible()
	defer stop()
	if err := s.Run(ctx, a.reg, a.launcher()); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(a.out, "Series %s: %d test(s).\n", s.SID(), len(runs))
	printTests(a.out, infos(runs))
	return nil
}

// createRuns creates one run per name. A run that failed setup is kept with
// a warning. When no run could be created at all the ones already created
// are finished with CREATION_ERROR so none is left outside a series.
func (a *app) createRuns(names []string, create func(config.TestConfig) (*testrun.TestRun, error)) ([]*testrun.TestRun, error) {
	var runs []*testrun.TestRun
	for _, n := range names {
		tc, _ := a.cfg.Test(n)
		r, err := create(tc)
		if r == nil {
			for _, done := range runs {
				done.Finish(status.CreationError, fmt.Sprintf("Aborted: could not create test %s: %v", n, err))
			}
			return nil, err
		}
		if err != nil {
			_, _ = fmt.Fprintf(a.errOut, "warning: %v\n", err)
		}
		runs = append(runs, r)
	}
	return runs, nil
}

func createStatusCommand(a *app) *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [ID...]",
		Short: "Show the state of tests (series ids expand to their tests)",
		Long: `Show the current state of tests. With no ids the tests of your last series
are shown. --set appends a state to the named tests; a terminal state also
marks them complete.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.Set != "" {
				return a.setStatus(*flags, args)
			}
			return a.showStatus(*flags, args)
		},
	}
	cmd.Flags().BoolVarP(&flags.JSON, "json", "j", false, "print JSON")
	cmd.Flags().BoolVar(&flags.History, "history", false, "print the full state history")
	cmd.Flags().StringVar(&flags.Set, "set", "", "append STATE to the named tests")
	cmd.Flags().StringVarP(&flags.Note, "note", "n", "", "note recorded with --set")
	return cmd
}

func (a *app) showStatus(f StatusFlags, ids []string) error {
	t, err := resolve(a.cfg, ids)
	if err != nil {
		return err
	}
	runs := t.runs()
	if f.History {
		if f.JSON {
			out := make(map[string][]status.Entry, len(runs))
			for _, r := range runs {
				out[r.FullID()] = r.Status.History()
			}
			printJSON(a.out, out)
			return nil
		}
		for _, r := range runs {
			printHistory(a.out, r.FullID(), r.Status.History())
		}
		return nil
	}
	if f.JSON {
		printJSON(a.out, infos(runs))
		return nil
	}
	printTests(a.out, infos(runs))
	return nil
}

func (a *app) setStatus(f StatusFlags, ids []string) error {
	st := status.State(strings.ToUpper(f.Set))
	if !status.Valid(st) {
		return fmt.Errorf("unknown state %q", f.Set)
	}
	if !status.TestStates.Has(st) {
		return fmt.Errorf("state %s does not apply to tests", st)
	}
	if len(ids) == 0 {
		return errors.New("--set needs explicit test ids")
	}
	for _, id := range ids {
		if series.IsSID(id) {
			return fmt.Errorf("--set applies to tests only, not series %s", id)
		}
	}
	t, err := resolve(a.cfg, ids)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range t.tests {
		var ok bool
		if status.TestTerminal.Has(st) {
			ok = r.Finish(st, f.Note)
		} else {
			ok = r.Advance(st, f.Note)
		}
		if !ok {
			errs = append(errs, fmt.Errorf("test %s is already complete (%s)", r.FullID(), r.Status.Current().State))
			continue
		}
		_, _ = fmt.Fprintf(a.out, "%s: %s\n", r.FullID(), st)
	}
	return errors.Join(errs...)
}

func createLogCommand(a *app) *cobra.Command {
	flags := &LogFlags{}
	cmd := &cobra.Command{
		Use:   "log {kickoff|build|run|series} ID",
		Short: "Print a log of a test, or the controller output of a series",
		Long: `Print one of the logs a test writes (kickoff, build or run), or with
"series" the output of a managed series controller.

Examples:
  pavr log run 12
  pavr log build -n 20 main.12
  pavr log series s3`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.showLog(*flags, args[0], args[1])
		},
	}
	cmd.Flags().IntVarP(&flags.Tail, "tail", "n", 0, "print only the last N lines")
	return cmd
}

func (a *app) showLog(f LogFlags, kind, id string) error {
	var path string
	if kind == "series" {
		s, err := series.Load(a.cfg, id)
		if err != nil {
			return err
		}
		path = s.File(series.OutputFile)
	} else {
		r, err := testrun.Load(a.cfg, id)
		if err != nil {
			return err
		}
		if path, err = r.LogPath(kind); err != nil {
			return err
		}
	}
	b, err := logger.ReadLog(path, f.Tail)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("log file does not exist: %s", path)
	}
	if err != nil {
		return err
	}
	_, err = a.out.Write(b)
	return err
}

func createWaitCommand(a *app) *cobra.Command {
	flags := &WaitFlags{}
	cmd := &cobra.Command{
		Use:   "wait [ID...]",
		Short: "Wait until tests and series are complete",
		Long: `Wait until every named test and series is complete. With no ids your last
series is used. Reaching --timeout is not an error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.wait(*flags, args)
		},
	}
	cmd.Flags().Float64Var(&flags.Timeout, "timeout", 0, "give up after SECONDS (0 waits forever)")
	cmd.Flags().BoolVarP(&flags.Silent, "silent", "s", false, "print nothing")
	cmd.Flags().BoolVar(&flags.Summary, "summary", false, "print per-state counts instead of every test")
	return cmd
}

func (a *app) wait(f WaitFlags, ids []string) error {
	t, err := resolve(a.cfg, ids)
	if err != nil {
		return err
	}
	var deadline time.Time
	if f.Timeout > 0 {
		deadline = time.Now().Add(time.Duration(f.Timeout * float64(time.Second)))
	}
	done := func() bool {
		for _, r := range t.tests {
			if !r.Complete() {
				return false
			}
		}
		for _, s := range t.series {
			if !s.Complete() {
				return false
			}
		}
		return true
	}
	report := func() {
		list := infos(t.runs())
		switch {
		case f.Silent:
		case f.Summary:
			_, _ = fmt.Fprintln(a.out, summary(list))
		default:
			printTests(a.out, list)
		}
	}

	ctx, stop := interruptible()
	defer stop()
	err = series.Poll(ctx, deadline, series.PollInterval, done, nil)
	for _, s := range t.series {
		_ = s.Refresh()
	}
	report()
	if errors.Is(err, series.ErrTimeout) {
		if !f.Silent {
			_, _ = fmt.Fprintf(a.errOut, "Timed out after %gs; not everything is complete.\n", f.Timeout)
		}
		return nil
	}
	return err
}

func createCancelCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [ID...]",
		Short: "Cancel tests and series",
		Long:  "Cancel the named tests and series. With no ids your last series is canceled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := resolve(a.cfg, args)
			if err != nil {
				return err
			}
			return a.cancel(t)
		},
	}
}

func (a *app) cancel(t targets) error {
	var errs []error
	for _, s := range t.series {
		ok, err := s.Cancel(a.reg)
		if err != nil {
			errs = append(errs, err)
		}
		a.reportCancel("Series "+s.SID(), ok)
	}
	for _, r := range t.tests {
		c, err := a.reg.Canceler(r)
		if err != nil && !r.Complete() {
			errs = append(errs, err)
		}
		ok, err := r.Cancel(c)
		if err != nil {
			errs = append(errs, err)
		}
		a.reportCancel("Test "+r.FullID(), ok)
	}
	return errors.Join(errs...)
}

func (a *app) reportCancel(what string, ok bool) {
	if ok {
		_, _ = fmt.Fprintf(a.out, "%s canceled.\n", what)
		return
	}
	_, _ = fmt.Fprintf(a.out, "%s was already complete.\n", what)
}

func createSeriesCommand(a *app) *cobra.Command {
	flags := &SeriesFlags{}
	cmd := &cobra.Command{
		Use:   "series",
		Short: "Run and inspect series",
	}
	cmd.PersistentFlags().BoolVarP(&flags.JSON, "json", "j", false, "print JSON")

	cmd.AddCommand(&cobra.Command{
		Use:   "run NAME",
		Short: "Start a configured series under its own controller process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := seriesconfig.FromConfig(a.cfg, args[0])
			if err != nil {
				return err
			}
			s, err := series.CreateManaged(a.cfg, def)
			if err != nil {
				return err
			}
			if err := series.SaveUserSeries(a.cfg, s.SID()); err != nil {
				_, _ = fmt.Fprintf(a.errOut, "warning: %v\n", err)
			}
			if err := s.Run(cmd.Context(), a.reg, a.launcher()); err != nil {
				return err
			}
			if flags.JSON {
				printJSON(a.out, s.Info())
				return nil
			}
			_, _ = fmt.Fprintf(a.out, "Series %s (%s) started with %d test(s).\n", s.SID(), def.Name, def.TestCount())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "cancel [SID]",
		Short: "Cancel a series and its tests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.loadSeries(args)
			if err != nil {
				return err
			}
			return a.cancel(targets{series: []*series.Series{s}})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all series",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := series.List(a.cfg)
			if err != nil {
				return err
			}
			list := make([]series.Info, 0, len(all))
			for _, s := range all {
				list = append(list, s.Info())
			}
			if flags.JSON {
				printJSON(a.out, list)
				return nil
			}
			printSeries(a.out, list)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status [SID]",
		Short: "Show a series and its tests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.loadSeries(args)
			if err != nil {
				return err
			}
			info := s.Info()
			tests := s.TestInfos()
			if flags.JSON {
				printJSON(a.out, server.SeriesDetail{Info: info, Tests: tests})
				return nil
			}
			printSeries(a.out, []series.Info{info})
			_, _ = fmt.Fprintln(a.out)
			printTests(a.out, tests)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "history [SID]",
		Short: "Show the state history of a series",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.loadSeries(args)
			if err != nil {
				return err
			}
			h := s.Status.History()
			if flags.JSON {
				printJSON(a.out, h)
				return nil
			}
			printHistory(a.out, s.SID(), h)
			return nil
		},
	})
	return cmd
}

func (a *app) loadSeries(args []string) (*series.Series, error) {
	if len(args) == 1 {
		return series.Load(a.cfg, args[0])
	}
	t, err := resolve(a.cfg, nil)
	if err != nil {
		return nil, err
	}
	return t.series[0], nil
}

func createServeCommand(a *app) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a read-only JSON API and Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address (default server.listen or :8080)")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "API prefix (default server.base_path or /api)")
	cmd.Flags().DurationVar(&flags.SampleInterval, "sample-interval", 5*time.Second, "how often running test groups are sampled")
	return cmd
}

func (a *app) serve(f ServeFlags) error {
	listen := firstOf(f.Listen, a.cfg.Server.Listen, ":8080")
	base := firstOf(f.BasePath, a.cfg.Server.BasePath, "/api")

	m, err := server.NewMetrics(a.cfg, f.SampleInterval)
	if err != nil {
		return err
	}
	ctx, stop := interruptible()
	defer stop()
	m.Start(ctx)
	defer m.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HandlerFor(m.Registry))
	mux.Handle("/", server.NewRouter(a.cfg, base, nil).Handler())
	srv := server.NewServer(listen, mux)
	tlsCfg, err := pavrtls.Setup(a.cfg.Server.TLS)
	if err != nil {
		return err
	}
	srv.TLSConfig = tlsCfg

	errCh := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()
	_, _ = fmt.Fprintf(a.out, "Serving %s on %s (tls=%t)\n", base, listen, tlsCfg != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func createMetricsCommand(a *app) *cobra.Command {
	flags := &MetricsFlags{}
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Write current test and series gauges to a node_exporter textfile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := firstOf(flags.Textfile, a.cfg.Metrics.Textfile)
			if path == "" {
				return errors.New("no textfile path: pass --textfile or set metrics.textfile")
			}
			m, err := server.NewMetrics(a.cfg, 0)
			if err != nil {
				return err
			}
			m.Groups.Collect(server.RunningTargets(a.cfg))
			if err := metrics.WriteTextfile(path, m.Registry); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.out, "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Textfile, "textfile", "", "output path (default metrics.textfile)")
	return cmd
}

// createRunChildCommand is the detached process the raw scheduler starts
// for each test.
func createRunChildCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:    "_run TEST_ID",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := testrun.Load(a.cfg, args[0])
			if err != nil {
				return err
			}
			w := a.logTo(r.File(testrun.KickoffLog))
			defer func() { _ = w.Close() }()

			slog.Info("kickoff", "id", r.FullID(), "pid", os.Getpid(), "command", r.Config.Command)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
			defer stop()
			r.Run(ctx)
			r.ClearGroup()
			slog.Info("run finished", "id", r.FullID(), "state", r.Status.Current().State)
			return nil
		},
	}
}

// createSeriesChildCommand is the controller process of a managed series.
func createSeriesChildCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:    "_series SID",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := series.Load(a.cfg, args[0])
			if err != nil {
				return err
			}
			w := a.logTo(s.File(series.OutputFile))
			defer func() { _ = w.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
			defer stop()
			err = s.RunStages(ctx, a.reg)
			s.ClearGroup()
			return err
		},
	}
}

func createTemplateCommand(a *app) *cobra.Command {
	flags := &TemplateFlags{}
	gen := template.NewGenerator()
	cmd := &cobra.Command{
		Use:   "template TYPE NAME",
		Short: "Print or write a starter test definition",
		Long: fmt.Sprintf(`Print a test definition of the given type. With --write it is saved as
<tests_dir>/NAME.toml. Types: %s`, strings.Join(gen.GetSupportedTypes(), ", ")),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := gen.GenerateTOML(template.TemplateType(args[0]), args[1])
			if err != nil {
				return err
			}
			if !flags.Write {
				_, _ = a.out.Write(b)
				return nil
			}
			path, err := a.testFile(args[1])
			if err != nil {
				return err
			}
			mode := os.O_CREATE | os.O_WRONLY | os.O_EXCL
			if flags.Force {
				mode = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				return err
			}
			// #nosec G304 -- path is inside tests_dir
			f, err := os.OpenFile(path, mode, 0o640)
			if err != nil {
				return err
			}
			if _, err := f.Write(b); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.out, "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&flags.Write, "write", "w", false, "save to tests_dir instead of printing")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing file")
	return cmd
}

// testFile is where tests_dir keeps the definition of name.
func (a *app) testFile(name string) (string, error) {
	dir := a.cfg.TestsDir
	if dir == "" {
		return "", errors.New("tests_dir is not configured")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid test name %q", name)
	}
	if !filepath.IsAbs(dir) && a.cfg.ConfigFile != "" {
		dir = filepath.Join(filepath.Dir(a.cfg.ConfigFile), dir)
	}
	return filepath.Join(dir, name+".toml"), nil
}
