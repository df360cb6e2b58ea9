package dirdb

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestCreate_Sequential(t *testing.T) {
	dir := t.TempDir()
	for want := 1; want <= 3; want++ {
		id, path, err := Create(dir)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if id != want {
			t.Errorf("Create() id = %d, want %d", id, want)
		}
		if path != IDPath(dir, want) {
			t.Errorf("Create() path = %s, want %s", path, IDPath(dir, want))
		}
		if !Exists(dir, id) {
			t.Errorf("directory for id %d missing", id)
		}
	}
}

func TestCreate_NeverReusesRemovedID(t *testing.T) {
	dir := t.TempDir()
	id, path, err := Create(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(path); err != nil {
		t.Fatal(err)
	}
	next, _, err := Create(dir)
	if err != nil {
		t.Fatal(err)
	}
	if next == id {
		t.Fatalf("id %d was reused after removal", id)
	}
}

func TestCreate_SkipsExistingDirectories(t *testing.T) {
	dir := t.TempDir()
	// A directory created by an older tool without the counter file.
	if err := os.MkdirAll(IDPath(dir, 7), 0o750); err != nil {
		t.Fatal(err)
	}
	id, _, err := Create(dir)
	if err != nil {
		t.Fatal(err)
	}
	if id != 8 {
		t.Errorf("Create() id = %d, want 8", id)
	}
}

func TestCreate_ConcurrentUnique(t *testing.T) {
	dir := t.TempDir()
	const n = 20
	ids := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _, err := Create(dir)
			if err != nil {
				t.Errorf("Create() error = %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[int]bool{}
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %d", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("got %d unique ids, want %d", len(seen), n)
	}
}

func TestSelect_IgnoresNonNumeric(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"3", "1", "abc", ".lock", "0", "12"} {
		if err := os.MkdirAll(filepath.Join(dir, name), 0o750); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := Select(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{1, 3, 12}
	if len(ids) != len(want) {
		t.Fatalf("Select() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Select()[%d] = %d, want %d", i, ids[i], want[i])
		}
	}

	missing, err := Select(filepath.Join(dir, "nope"))
	if err != nil || len(missing) != 0 {
		t.Errorf("Select(missing) = %v, %v", missing, err)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	if err := WriteFileAtomic(path, []byte(`{"a":1}`), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := WriteFileAtomic(path, []byte(`{"a":2}`), 0o640); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"a":2}` {
		t.Errorf("content = %s", b)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestTouch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "RUN_COMPLETE")
	created, err := Touch(path)
	if err != nil || !created {
		t.Fatalf("first Touch() = %v, %v", created, err)
	}
	created, err = Touch(path)
	if err != nil || created {
		t.Fatalf("second Touch() = %v, %v", created, err)
	}
	st, err := os.Stat(path)
	if err != nil || st.Size() != 0 {
		t.Errorf("marker should be an empty file: %v %v", st, err)
	}
}
