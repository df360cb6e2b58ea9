// Package series groups test runs into a series. An ad hoc series is built
// from runs that already exist; a managed series runs a staged definition
// from its own controlling process group. Every process reconstructs a series
// from its directory; nothing is shared in memory.
package series

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/pavr/internal/config"
	"github.com/loykin/pavr/internal/dirdb"
	"github.com/loykin/pavr/internal/seriesconfig"
	"github.com/loykin/pavr/internal/status"
	"github.com/loykin/pavr/internal/testrun"
)

// Directory and file names of a series.
const (
	SeriesDir = "series"

	StatusFile     = "status"
	CompleteFile   = "SERIES_COMPLETE"
	PGIDFile       = "series.pgid"
	MetaFile       = "series.json"
	DefinitionFile = "config.json"
	OutputFile     = "series.out"
	MembersDir     = "members"
)

// maxNesting bounds how deep nested series are followed when loading.
const maxNesting = 8

var (
	ErrInvalidSID  = errors.New("invalid series id")
	ErrNotFound    = errors.New("series not found")
	ErrIDCollision = errors.New("member id already registered")
	ErrTimeout     = errors.New("timed out waiting for completion")
)

// Kind tells an ad hoc series from a managed one. It is fixed at creation.
type Kind string

const (
	AdHoc   Kind = "adhoc"
	Managed Kind = "managed"
)

type meta struct {
	Kind    Kind      `json:"kind"`
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

// Series is a loaded series handle.
type Series struct {
	ID      int
	Name    string
	Kind    Kind
	Path    string
	Created time.Time
	Status  *status.Store

	cfg    *config.Config
	tests  map[int]*testrun.TestRun
	nested map[int]*Series
}

// SID returns "s<id>".
func SID(id int) string { return "s" + strconv.Itoa(id) }

// SIDToID parses a series id of the form "s<N>".
func SIDToID(sid string) (int, error) {
	sid = strings.TrimSpace(sid)
	if !strings.HasPrefix(sid, "s") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSID, sid)
	}
	id, err := strconv.Atoi(sid[1:])
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSID, sid)
	}
	return id, nil
}

// IsSID reports whether s looks like a series id rather than a test id.
func IsSID(s string) bool {
	_, err := SIDToID(s)
	return err == nil
}

// Create allocates a new, empty series.
func Create(cfg *config.Config, kind Kind, name string) (*Series, error) {
	if kind != AdHoc && kind != Managed {
		return nil, fmt.Errorf("unknown series kind %q", kind)
	}
	id, path, err := dirdb.Create(cfg.Path(SeriesDir))
	if err != nil {
		return nil, fmt.Errorf("create series: %w", err)
	}
	s := newSeries(cfg, id, path, meta{Kind: kind, Name: name, Created: time.Now().UTC()})
	b, err := json.MarshalIndent(meta{Kind: kind, Name: name, Created: s.Created}, "", "  ")
	if err == nil {
		err = dirdb.WriteFileAtomic(s.file(MetaFile), b, 0o640)
	}
	if err != nil {
		s.fail(fmt.Sprintf("Could not save series metadata: %v", err))
		return nil, fmt.Errorf("series %s: %w", s.SID(), err)
	}
	if err := os.MkdirAll(s.file(MembersDir), 0o750); err != nil {
		s.fail(fmt.Sprintf("Could not create members directory: %v", err))
		return nil, fmt.Errorf("series %s: %w", s.SID(), err)
	}
	s.Status.Set(status.Created, fmt.Sprintf("Created %s series %s.", kind, name))
	return s, nil
}

// CreateAdHoc builds a series from runs that already exist.
func CreateAdHoc(cfg *config.Config, name string, runs []*testrun.TestRun) (*Series, error) {
	s, err := Create(cfg, AdHoc, name)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if err := s.AddTest(r); err != nil {
			return s, err
		}
	}
	return s, nil
}

// CreateManaged creates a series for a staged definition. The definition is
// saved into the series directory before anything runs, so the controlling
// process works from that copy.
func CreateManaged(cfg *config.Config, def *seriesconfig.Definition) (*Series, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	s, err := Create(cfg, Managed, def.Name)
	if err != nil {
		return nil, err
	}
	if err := def.Save(s.file(DefinitionFile)); err != nil {
		s.fail(fmt.Sprintf("Could not save series definition: %v", err))
		return nil, fmt.Errorf("series %s: %w", s.SID(), err)
	}
	return s, nil
}

func newSeries(cfg *config.Config, id int, path string, m meta) *Series {
	s := &Series{
		ID:      id,
		Name:    m.Name,
		Kind:    m.Kind,
		Path:    path,
		Created: m.Created,
		cfg:     cfg,
		tests:   make(map[int]*testrun.TestRun),
		nested:  make(map[int]*Series),
	}
	s.Status = status.Open(filepath.Join(path, StatusFile), s.SID())
	return s
}

// Load reads the series sid and its members.
func Load(cfg *config.Config, sid string) (*Series, error) {
	id, err := SIDToID(sid)
	if err != nil {
		return nil, err
	}
	return loadID(cfg, id, 0)
}

func loadID(cfg *config.Config, id, depth int) (*Series, error) {
	path := dirdb.IDPath(cfg.Path(SeriesDir), id)
	// #nosec G304 -- path is inside the working directory
	b, err := os.ReadFile(filepath.Join(path, MetaFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, SID(id))
		}
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("series %s: bad %s: %w", SID(id), MetaFile, err)
	}
	if m.Kind != AdHoc && m.Kind != Managed {
		return nil, fmt.Errorf("series %s: unknown kind %q", SID(id), m.Kind)
	}
	s := newSeries(cfg, id, path, m)
	if err := s.loadMembers(depth); err != nil {
		return nil, err
	}
	return s, nil
}

// List loads every series in the working directory, oldest first. Series
// that cannot be loaded are skipped.
func List(cfg *config.Config) ([]*Series, error) {
	ids, err := dirdb.Select(cfg.Path(SeriesDir))
	if err != nil {
		return nil, err
	}
	out := make([]*Series, 0, len(ids))
	for _, id := range ids {
		s, err := loadID(cfg, id, 0)
		if err != nil {
			slog.Debug("skipping series", "sid", SID(id), "error", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// SID returns the series id string.
func (s *Series) SID() string { return SID(s.ID) }

func (s *Series) file(name string) string { return filepath.Join(s.Path, name) }

// File returns the path of a file in the series directory.
func (s *Series) File(name string) string { return s.file(name) }

// loadMembers rereads members/ so tests added by other processes are seen.
func (s *Series) loadMembers(depth int) error {
	entries, err := os.ReadDir(s.file(MembersDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("series %s: read members: %w", s.SID(), err)
	}
	for _, e := range entries {
		name := e.Name()
		if IsSID(name) {
			id, _ := SIDToID(name)
			if _, ok := s.nested[id]; ok || depth >= maxNesting {
				continue
			}
			child, err := loadID(s.cfg, id, depth+1)
			if err != nil {
				slog.Warn("series: could not load nested series", "sid", s.SID(), "member", name, "error", err)
				continue
			}
			s.nested[id] = child
			continue
		}
		id, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		if _, ok := s.tests[id]; ok {
			continue
		}
		r, err := testrun.LoadID(s.cfg, id)
		if err != nil {
			slog.Warn("series: could not load member test", "sid", s.SID(), "id", id, "error", err)
			continue
		}
		s.tests[id] = r
	}
	return nil
}

// Refresh picks up members added since the series was loaded.
func (s *Series) Refresh() error { return s.loadMembers(0) }

// AddTest registers run as a member. Registering an id twice is an error.
func (s *Series) AddTest(r *testrun.TestRun) error {
	if _, ok := s.tests[r.ID]; ok {
		return fmt.Errorf("%w: test %d in %s", ErrIDCollision, r.ID, s.SID())
	}
	if err := s.link(strconv.Itoa(r.ID), r.Path); err != nil {
		return err
	}
	s.tests[r.ID] = r
	return nil
}

// AddSeries registers a nested series.
func (s *Series) AddSeries(child *Series) error {
	if child.ID == s.ID {
		return fmt.Errorf("%w: a series cannot contain itself", ErrIDCollision)
	}
	if _, ok := s.nested[child.ID]; ok {
		return fmt.Errorf("%w: series %s in %s", ErrIDCollision, child.SID(), s.SID())
	}
	if err := s.link(child.SID(), child.Path); err != nil {
		return err
	}
	s.nested[child.ID] = child
	return nil
}

// link creates members/<name> pointing at target. The entry itself is the
// registration; on filesystems without symlinks an empty file stands in.
func (s *Series) link(name, target string) error {
	dir := s.file(MembersDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	p := filepath.Join(dir, name)
	if _, err := os.Lstat(p); err == nil {
		return fmt.Errorf("%w: %s in %s", ErrIDCollision, name, s.SID())
	}
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		rel = target
	}
	if err := os.Symlink(rel, p); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s in %s", ErrIDCollision, name, s.SID())
		}
		created, terr := dirdb.Touch(p)
		if terr != nil {
			return fmt.Errorf("series %s: register %s: %w", s.SID(), name, err)
		}
		if !created {
			return fmt.Errorf("%w: %s in %s", ErrIDCollision, name, s.SID())
		}
	}
	return nil
}

// Tests returns member test runs in id order.
func (s *Series) Tests() []*testrun.TestRun {
	out := make([]*testrun.TestRun, 0, len(s.tests))
	for _, r := range s.tests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Nested returns member series in id order.
func (s *Series) Nested() []*Series {
	out := make([]*Series, 0, len(s.nested))
	for _, c := range s.nested {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func notTerminal(cur status.Entry) bool { return !status.SeriesTerminal.Has(cur.State) }

func (s *Series) advance(state status.State, note string) bool {
	_, ok := s.Status.SetIf(notTerminal, state, note)
	return ok
}

// finish records a terminal state, then the marker. The first terminal state wins.
func (s *Series) finish(state status.State, note string) bool {
	_, ok := s.Status.SetIf(notTerminal, state, note)
	s.markComplete()
	return ok
}

func (s *Series) fail(note string) {
	s.advance(status.Error, note)
	s.finish(status.Complete, "Series ended after an error.")
}

func (s *Series) markComplete() {
	if _, err := dirdb.Touch(s.file(CompleteFile)); err != nil {
		slog.Warn("series: could not write completion marker", "sid", s.SID(), "error", err)
	}
}

func (s *Series) markerExists() bool {
	_, err := os.Stat(s.file(CompleteFile))
	return err == nil
}
