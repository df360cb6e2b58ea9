package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// GroupRecord is the content of a pgid file. The first line of the file is
// the decimal group id; the optional second line is this JSON metadata.
type GroupRecord struct {
	PGID      int    `json:"-"`
	StartUnix int64  `json:"start_unix,omitempty"`
	Host      string `json:"host,omitempty"`
}

// ErrNoGroupFile is returned when no pgid file exists.
var ErrNoGroupFile = errors.New("no pgid file")

// NewGroupRecord stamps pgid with its leader's start time and this host.
func NewGroupRecord(pgid int) GroupRecord {
	host, _ := os.Hostname()
	return GroupRecord{PGID: pgid, StartUnix: StartTime(pgid), Host: host}
}

// Encode renders the record in pgid file format.
func (r GroupRecord) Encode() []byte {
	meta, _ := json.Marshal(r)
	return []byte(strconv.Itoa(r.PGID) + "\n" + string(meta) + "\n")
}

// ReadGroupFile reads a pgid file. Files holding only the number are accepted.
func ReadGroupFile(path string) (GroupRecord, error) {
	// #nosec G304 -- pgid files live in entity directories
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return GroupRecord{}, ErrNoGroupFile
		}
		return GroupRecord{}, err
	}
	first, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pgid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pgid <= 0 {
		return GroupRecord{}, fmt.Errorf("invalid pgid in %s: %q", path, strings.TrimSpace(first))
	}
	rec := GroupRecord{PGID: pgid}
	if meta := strings.TrimSpace(rest); meta != "" {
		// Unparsable metadata still leaves a usable pgid.
		_ = json.Unmarshal([]byte(meta), &rec)
	}
	rec.PGID = pgid
	return rec, nil
}

// Reason explains why a recorded group must not be signaled from here, or
// returns "" when it still names the group that was recorded.
func (r GroupRecord) Reason() string {
	if host, _ := os.Hostname(); r.Host != "" && host != "" && r.Host != host {
		return fmt.Sprintf("process group %d belongs to host %s", r.PGID, r.Host)
	}
	if !GroupAlive(r.PGID) {
		return fmt.Sprintf("process group %d no longer exists", r.PGID)
	}
	if r.StartUnix > 0 {
		if cur := StartTime(r.PGID); cur > 0 && cur != r.StartUnix {
			return fmt.Sprintf("process group %d was reused by another process", r.PGID)
		}
	}
	return ""
}
