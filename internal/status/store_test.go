package status

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return Open(filepath.Join(t.TempDir(), "status"), "main.1")
}

func TestStore_EmptyIsUnknown(t *testing.T) {
	s := newStore(t)
	cur := s.Current()
	assert.Equal(t, Unknown, cur.State)
	assert.True(t, cur.When.IsZero())
	assert.Empty(t, s.History())
	assert.False(t, s.HasState(TestTerminal))
}

func TestStore_HistoryKeepsCallOrder(t *testing.T) {
	s := newStore(t)
	states := []State{Created, Building, BuildDone, Scheduled, Running, Complete}
	for i, st := range states {
		s.Set(st, fmt.Sprintf("step %d", i))
	}

	hist := s.History()
	require.Len(t, hist, len(states))
	for i, e := range hist {
		assert.Equal(t, states[i], e.State)
		assert.Equal(t, fmt.Sprintf("step %d", i), e.Note)
		if i > 0 {
			assert.False(t, e.When.Before(hist[i-1].When), "timestamps must not decrease")
		}
	}
	assert.Equal(t, Complete, s.Current().State)
	assert.True(t, s.HasState(TestTerminal))
}

func TestStore_ReloadSeesSameLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	a := Open(path, "main.1")
	a.Set(Running, "started")

	b := Open(path, "main.1")
	assert.Equal(t, Running, b.Current().State)

	a.Set(RunUser, "operator note")
	assert.Equal(t, RunUser, b.Current().State)
	assert.Equal(t, "operator note", b.Current().Note)
}

func TestStore_NoteEscaping(t *testing.T) {
	s := newStore(t)
	note := "line one\nline two\\ with backslash\r"
	s.Set(RunError, note)
	assert.Equal(t, note, s.Current().Note)

	b, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, 1, countLines(b), "one entry must be one line")
}

func TestStore_LongNoteIsClamped(t *testing.T) {
	s := newStore(t)
	long := make([]byte, MaxNoteLen*2)
	for i := range long {
		long[i] = 'x'
	}
	s.Set(RunError, string(long))
	assert.Len(t, s.Current().Note, MaxNoteLen)
}

func TestStore_TimestampsNeverGoBackwards(t *testing.T) {
	s := newStore(t)
	future := time.Now().Add(time.Hour).UTC()
	require.NoError(t, os.WriteFile(s.Path(), []byte(formatEntry(Entry{When: future, State: Created, Note: "skewed host"})), 0o640))

	e := s.Set(Running, "local host")
	assert.False(t, e.When.Before(future))
	hist := s.History()
	require.Len(t, hist, 2)
	assert.False(t, hist[1].When.Before(hist[0].When))
}

func TestStore_PartialTrailingLineIgnored(t *testing.T) {
	s := newStore(t)
	s.Set(Running, "ok")
	f, err := os.OpenFile(s.Path(), os.O_APPEND|os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString(time.Now().UTC().Format(TimeFormat) + " COMPLETE half writ")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Equal(t, Running, s.Current().State)
	assert.Len(t, s.History(), 1)
}

func TestStore_GarbageLinesSkipped(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("not a status line\n"), 0o640))
	s.Set(Created, "fresh")
	hist := s.History()
	require.Len(t, hist, 1)
	assert.Equal(t, Created, hist[0].State)
}

func TestStore_SetIf(t *testing.T) {
	s := newStore(t)
	s.Set(Running, "running")

	notTerminal := func(cur Entry) bool { return !TestTerminal.Has(cur.State) }

	e, ok := s.SetIf(notTerminal, Complete, "done")
	require.True(t, ok)
	assert.Equal(t, Complete, e.State)

	cur, ok := s.SetIf(notTerminal, SchedCancelled, "late cancel")
	assert.False(t, ok)
	assert.Equal(t, Complete, cur.State)
	assert.Equal(t, Complete, s.Current().State)
	assert.Len(t, s.History(), 2)
}

func TestStore_UnwritableDegradesToWarning(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	// The parent of the status path is a regular file, so every write fails.
	s := Open(filepath.Join(blocker, "status"), "main.2")
	e := s.Set(Running, "still going")
	assert.Equal(t, Running, e.State)
	assert.Equal(t, Unknown, s.Current().State)
}

func TestStore_ConcurrentAppenders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status")
	const writers, each = 8, 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			// Separate stores mimic separate processes: each append opens its own descriptor.
			s := Open(path, "main.3")
			for i := 0; i < each; i++ {
				s.Set(RunUser, fmt.Sprintf("writer %d entry %d", w, i))
			}
		}(w)
	}
	wg.Wait()

	hist := Open(path, "main.3").History()
	require.Len(t, hist, writers*each)
	for i := 1; i < len(hist); i++ {
		assert.False(t, hist[i].When.Before(hist[i-1].When))
	}
}

func TestStore_ObserverSeesTransitions(t *testing.T) {
	t.Cleanup(ResetObservers)
	var got []string
	RegisterObserver(func(entity string, prev, e Entry) {
		got = append(got, fmt.Sprintf("%s:%s->%s", entity, prev.State, e.State))
	})

	s := newStore(t)
	s.Set(Created, "")
	s.Set(Running, "")
	assert.Equal(t, []string{"main.1:UNKNOWN->CREATED", "main.1:CREATED->RUNNING"}, got)
}

func TestParseLine(t *testing.T) {
	e, ok := ParseLine("2024-01-02T03:04:05.000000006Z RUNNING has spaces in it")
	require.True(t, ok)
	assert.Equal(t, Running, e.State)
	assert.Equal(t, "has spaces in it", e.Note)

	e, ok = ParseLine("2024-01-02T03:04:05Z CREATED")
	require.True(t, ok)
	assert.Equal(t, "", e.Note)

	_, ok = ParseLine("yesterday RUNNING nope")
	assert.False(t, ok)
}

func countLines(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}

func TestStore_LongNoteKeepsRunes(t *testing.T) {
	s := newStore(t)
	// "é" is two bytes; an odd prefix puts a rune across the limit.
	note := "x" + strings.Repeat("é", MaxNoteLen)
	s.Set(Running, note)
	got := s.Current().Note
	assert.True(t, utf8.ValidString(got), "note must stay valid UTF-8")
	assert.Equal(t, MaxNoteLen-1, len(got))
	assert.True(t, strings.HasPrefix(note, got))

	assert.Equal(t, "abc", clampNote("abc"))
}

func TestStateSets(t *testing.T) {
	for st := range TestTerminal {
		assert.True(t, TestStates.Has(st), st)
		assert.True(t, Valid(st), st)
	}
	assert.True(t, TestTerminal.Has(Skipped))
	assert.True(t, TestStates.Has(RunUser))
	for _, st := range []State{Canceled, AllStarted, Error, Unknown} {
		assert.True(t, Valid(st), st)
		assert.False(t, TestStates.Has(st), st)
	}
	assert.False(t, Valid("BOGUS"))
}
