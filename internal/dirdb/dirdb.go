// Package dirdb manages directories of numerically identified entities
// (test runs, series) inside the shared working directory.
package dirdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	lockName    = ".lock"
	counterName = ".next_id"
)

// ErrNotFound is returned when an id directory does not exist.
var ErrNotFound = errors.New("no such id directory")

// IDPath returns the directory for id under dir.
func IDPath(dir string, id int) string {
	return filepath.Join(dir, strconv.Itoa(id))
}

// Create allocates the next id under dir and creates its directory.
// Ids come from a counter that only moves forward, so an id is never handed
// out twice even after its directory has been removed.
func Create(dir string) (int, string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, "", fmt.Errorf("create id root %s: %w", dir, err)
	}
	unlock, err := Lock(filepath.Join(dir, lockName))
	if err != nil {
		return 0, "", fmt.Errorf("lock id root %s: %w", dir, err)
	}
	defer unlock()

	next := readCounter(filepath.Join(dir, counterName))
	if ids, err := Select(dir); err == nil && len(ids) > 0 && ids[len(ids)-1] >= next {
		next = ids[len(ids)-1] + 1
	}
	if next < 1 {
		next = 1
	}
	for {
		path := IDPath(dir, next)
		err := os.Mkdir(path, 0o750)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return 0, "", fmt.Errorf("create id directory %s: %w", path, err)
		}
		next++
	}
	if err := WriteFileAtomic(filepath.Join(dir, counterName), []byte(strconv.Itoa(next+1)), 0o640); err != nil {
		return 0, "", fmt.Errorf("update id counter in %s: %w", dir, err)
	}
	return next, IDPath(dir, next), nil
}

// Select returns the numeric ids present under dir in ascending order.
// Entries whose name is not a positive integer are ignored.
func Select(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]int, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		id, err := strconv.Atoi(e.Name())
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// Exists reports whether the directory for id exists.
func Exists(dir string, id int) bool {
	st, err := os.Stat(IDPath(dir, id))
	return err == nil && st.IsDir()
}

// WriteFileAtomic writes data to a temp file beside path and renames it into
// place, so readers never see partial content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Touch creates an empty file at path if it does not exist yet. It reports
// whether this call created it.
func Touch(path string) (bool, error) {
	// #nosec G304 -- marker paths are derived from entity directories
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, f.Close()
}

func readCounter(path string) int {
	// #nosec G304
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0
	}
	return n
}
