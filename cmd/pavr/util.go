package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/pavr/internal/config"
	"github.com/loykin/pavr/internal/series"
	"github.com/loykin/pavr/internal/status"
	"github.com/loykin/pavr/internal/testrun"
)

// targets are the entities named on a command line.
type targets struct {
	tests  []*testrun.TestRun
	series []*series.Series
}

// resolve loads every id. Test ids may be bare or namespaced; "s<N>" names
// a series. With no ids the user's last series is used.
func resolve(cfg *config.Config, ids []string) (targets, error) {
	var t targets
	if len(ids) == 0 {
		sid, err := series.LoadUserSeries(cfg)
		if errors.Is(err, series.ErrNoLastSeries) {
			return t, errors.New("no ids given and no previous series recorded for this user")
		}
		if err != nil {
			return t, err
		}
		ids = []string{sid}
	}
	for _, id := range ids {
		if series.IsSID(id) {
			s, err := series.Load(cfg, id)
			if err != nil {
				return t, err
			}
			t.series = append(t.series, s)
			continue
		}
		r, err := testrun.Load(cfg, id)
		if err != nil {
			return t, err
		}
		t.tests = append(t.tests, r)
	}
	return t, nil
}

// runs returns the named tests plus every test of the named series, each
// once, in id order.
func (t targets) runs() []*testrun.TestRun {
	seen := make(map[int]*testrun.TestRun)
	var walk func(s *series.Series)
	walk = func(s *series.Series) {
		for _, r := range s.Tests() {
			seen[r.ID] = r
		}
		for _, c := range s.Nested() {
			walk(c)
		}
	}
	for _, r := range t.tests {
		seen[r.ID] = r
	}
	for _, s := range t.series {
		walk(s)
	}
	out := make([]*testrun.TestRun, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func infos(runs []*testrun.TestRun) []testrun.Info {
	out := make([]testrun.Info, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Info())
	}
	return out
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(header, "\t"))
	return tw
}

func row(tw *tabwriter.Writer, cols ...any) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprint(c)
	}
	_, _ = fmt.Fprintln(tw, strings.Join(parts, "\t"))
}

func printTests(w io.Writer, list []testrun.Info) {
	tw := newTable(w, "TEST", "NAME", "STATE", "RESULT", "UPDATED", "NOTE")
	for _, i := range list {
		row(tw, i.FullID, i.Name, i.State, dash(i.Result), when(i.When), oneLine(i.Note))
	}
	_ = tw.Flush()
}

func printHistory(w io.Writer, id string, entries []status.Entry) {
	_, _ = fmt.Fprintf(w, "%s:\n", id)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		row(tw, "  "+e.When.Local().Format(time.DateTime), e.State, oneLine(e.Note))
	}
	_ = tw.Flush()
}

func printSeries(w io.Writer, list []series.Info) {
	tw := newTable(w, "SERIES", "NAME", "KIND", "STATE", "TOTAL", "PASS", "FAIL", "ERROR", "SKIP", "CREATED")
	for _, i := range list {
		row(tw, i.SID, i.Name, i.Kind, i.State, i.Total, i.Passed, i.Failed, i.Errors, i.Skipped, when(i.Created))
	}
	_ = tw.Flush()
}

// summary renders per-state counts as "COMPLETE: 3, RUN_ERROR: 1".
func summary(list []testrun.Info) string {
	counts := make(map[status.State]int)
	for _, i := range list {
		counts[i.State]++
	}
	states := make([]string, 0, len(counts))
	for st := range counts {
		states = append(states, string(st))
	}
	sort.Strings(states)
	parts := make([]string, len(states))
	for i, st := range states {
		parts[i] = fmt.Sprintf("%s: %d", st, counts[status.State(st)])
	}
	return strings.Join(parts, ", ")
}

func when(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}
