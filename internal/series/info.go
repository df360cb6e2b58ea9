package series

import (
	"time"

	"github.com/loykin/pavr/internal/status"
	"github.com/loykin/pavr/internal/testrun"
)

// Info summarizes a series.
type Info struct {
	SID      string       `json:"sid"`
	Name     string       `json:"name"`
	Kind     Kind         `json:"kind"`
	State    status.State `json:"state"`
	Note     string       `json:"note"`
	When     time.Time    `json:"time"`
	Total    int          `json:"total"`
	Passed   int          `json:"passed"`
	Failed   int          `json:"failed"`
	Errors   int          `json:"errors"`
	Skipped  int          `json:"skipped"`
	Running  int          `json:"running"`
	Complete bool         `json:"complete"`
	Created  time.Time    `json:"created"`
	PGID     int          `json:"pgid,omitempty"`
}

// Info computes pass/fail counts from each member's saved result. A member
// that finished without a result counts as an error.
func (s *Series) Info() Info {
	cur := s.Status.Current()
	info := Info{
		SID:      s.SID(),
		Name:     s.Name,
		Kind:     s.Kind,
		State:    cur.State,
		Note:     cur.Note,
		When:     cur.When,
		Complete: s.markerExists(),
		Created:  s.Created,
	}
	if rec, err := s.PGID(); err == nil {
		info.PGID = rec.PGID
	}
	for _, r := range s.Tests() {
		info.count(r.Info())
	}
	for _, c := range s.Nested() {
		ci := c.Info()
		info.Total += ci.Total
		info.Passed += ci.Passed
		info.Failed += ci.Failed
		info.Errors += ci.Errors
		info.Skipped += ci.Skipped
		info.Running += ci.Running
	}
	if s.Kind == Managed {
		// Later stages have not created their tests yet.
		if def, err := s.Definition(); err == nil && def.TotalRuns() > info.Total {
			info.Total = def.TotalRuns()
		}
	}
	return info
}

func (i *Info) count(ti testrun.Info) {
	i.Total++
	switch {
	case ti.Result == testrun.ResultPass:
		i.Passed++
	case ti.Result == testrun.ResultFail:
		i.Failed++
	case ti.State == status.Skipped:
		i.Skipped++
	case ti.Complete:
		i.Errors++
	default:
		i.Running++
	}
}

// TestInfos returns the info of every member test, nested series included.
func (s *Series) TestInfos() []testrun.Info {
	var out []testrun.Info
	for _, r := range s.Tests() {
		out = append(out, r.Info())
	}
	for _, c := range s.Nested() {
		out = append(out, c.TestInfos()...)
	}
	return out
}
