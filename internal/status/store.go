package status

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// MaxNoteLen bounds a single note so an entry always fits in one write.
const MaxNoteLen = 4000

// TimeFormat is the timestamp layout used in status files.
const TimeFormat = time.RFC3339Nano

// Entry is one immutable status transition.
type Entry struct {
	When  time.Time `json:"when"`
	State State     `json:"state"`
	Note  string    `json:"note"`
}

// Observer is notified after an entry has been appended to a store.
type Observer func(entity string, prev, e Entry)

var (
	obsMu     sync.RWMutex
	observers []Observer
)

// RegisterObserver adds an observer for every store in this process.
// Observers run synchronously in the appending goroutine and must be cheap.
func RegisterObserver(o Observer) {
	obsMu.Lock()
	observers = append(observers, o)
	obsMu.Unlock()
}

// ResetObservers drops every registered observer.
func ResetObservers() {
	obsMu.Lock()
	observers = nil
	obsMu.Unlock()
}

func notify(entity string, prev, e Entry) {
	obsMu.RLock()
	obs := observers
	obsMu.RUnlock()
	for _, o := range obs {
		o(entity, prev, e)
	}
}

// Store is the append-only status log of exactly one test run or series.
// Every process that opens the same path sees the same log; appends from
// different processes are serialized with an exclusive file lock.
type Store struct {
	path   string
	entity string
}

// Open returns a store backed by path. Nothing is created until the first Set.
func Open(path, entity string) *Store {
	return &Store{path: path, entity: entity}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Entity returns the id of the entity this store describes.
func (s *Store) Entity() string { return s.entity }

// Set appends a new entry stamped with the current time. A failure to write
// is logged and otherwise ignored: the entry is returned either way.
func (s *Store) Set(state State, note string) Entry {
	e, _ := s.append(state, note, nil)
	return e
}

// SetIf appends the entry only when pred accepts the current entry. The
// check and the append happen under the same lock, so concurrent callers in
// other processes cannot interleave between them. When pred rejects, the
// current entry is returned with false.
func (s *Store) SetIf(pred func(current Entry) bool, state State, note string) (Entry, bool) {
	return s.append(state, note, pred)
}

// Current returns the most recent entry, or an UNKNOWN entry when none exists.
func (s *Store) Current() Entry {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return unknownEntry()
	}
	if last, ok := lastEntry(b); ok {
		return last
	}
	return unknownEntry()
}

// History returns every entry in the order it was written.
func (s *Store) History() []Entry {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	return parseAll(b)
}

// HasState reports whether the current state is a member of set.
func (s *Store) HasState(set StateSet) bool {
	return set.Has(s.Current().State)
}

func (s *Store) append(state State, note string, pred func(Entry) bool) (Entry, bool) {
	e := Entry{When: time.Now().UTC(), State: state, Note: clampNote(note)}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		slog.Warn("status: could not create status directory", "entity", s.entity, "path", s.path, "error", err)
	}
	// #nosec G304 -- path is derived from the working directory layout
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		slog.Warn("status: could not open status file", "entity", s.entity, "path", s.path, "error", err)
		if pred != nil {
			cur := s.Current()
			if !pred(cur) {
				return cur, false
			}
		}
		return e, true
	}
	defer func() { _ = f.Close() }()

	locked := true
	if err := lockFile(f); err != nil {
		locked = false
		slog.Warn("status: could not lock status file", "entity", s.entity, "path", s.path, "error", err)
	}
	if locked {
		defer func() { _ = unlockFile(f) }()
	}

	prev := unknownEntry()
	if b, err := readAll(f); err == nil {
		if last, ok := lastEntry(b); ok {
			prev = last
		}
	}
	if pred != nil && !pred(prev) {
		return prev, false
	}
	// Clocks on different hosts disagree; never go backwards.
	if e.When.Before(prev.When) {
		e.When = prev.When
	}

	if _, err := f.Write([]byte(formatEntry(e))); err != nil {
		slog.Warn("status: could not append status", "entity", s.entity, "state", state, "error", err)
		return e, true
	}
	notify(s.entity, prev, e)
	return e, true
}

func readAll(f *os.File) ([]byte, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, st.Size())
	n, err := f.ReadAt(buf, 0)
	if err != nil && n != len(buf) {
		return nil, err
	}
	return buf[:n], nil
}

func unknownEntry() Entry {
	return Entry{State: Unknown, Note: "no status recorded"}
}

// clampNote cuts note to MaxNoteLen bytes without splitting a rune.
func clampNote(note string) string {
	if len(note) <= MaxNoteLen {
		return note
	}
	cut := MaxNoteLen
	for cut > 0 && !utf8.RuneStart(note[cut]) {
		cut--
	}
	return note[:cut]
}

var noteEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

func unescapeNote(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func formatEntry(e Entry) string {
	return fmt.Sprintf("%s %s %s\n", e.When.UTC().Format(TimeFormat), e.State, noteEscaper.Replace(e.Note))
}

// ParseLine decodes a single status file line.
func ParseLine(line string) (Entry, bool) {
	line = strings.TrimRight(line, "\r\n")
	ts, rest, ok := strings.Cut(line, " ")
	if !ok {
		return Entry{}, false
	}
	when, err := time.Parse(TimeFormat, ts)
	if err != nil {
		return Entry{}, false
	}
	st, note, _ := strings.Cut(rest, " ")
	if st == "" {
		return Entry{}, false
	}
	return Entry{When: when, State: State(st), Note: unescapeNote(note)}, true
}

func parseAll(b []byte) []Entry {
	var out []Entry
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 8*1024), 64*1024)
	for sc.Scan() {
		// A line without its newline is a write still in flight; skip it.
		if e, ok := ParseLine(sc.Text()); ok {
			out = append(out, e)
		}
	}
	if n := len(b); n > 0 && b[n-1] != '\n' && len(out) > 0 {
		if _, ok := ParseLine(lastLine(b)); ok {
			out = out[:len(out)-1]
		}
	}
	return out
}

func lastLine(b []byte) string {
	i := bytes.LastIndexByte(b, '\n')
	return string(b[i+1:])
}

func lastEntry(b []byte) (Entry, bool) {
	entries := parseAll(b)
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[len(entries)-1], true
}
