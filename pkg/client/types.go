package client

import "time"

// TestInfo is the state of one test run as served by GET /tests/:id.
type TestInfo struct {
	ID        int       `json:"id"`
	FullID    string    `json:"full_id"`
	Name      string    `json:"name"`
	Scheduler string    `json:"scheduler"`
	State     string    `json:"state"`
	Note      string    `json:"note"`
	When      time.Time `json:"time"`
	Result    string    `json:"result,omitempty"`
	Complete  bool      `json:"complete"`
	Created   time.Time `json:"created"`
	Path      string    `json:"path"`
}

// SeriesInfo is the summary of a series as served by GET /series.
type SeriesInfo struct {
	SID      string    `json:"sid"`
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	State    string    `json:"state"`
	Note     string    `json:"note"`
	When     time.Time `json:"time"`
	Total    int       `json:"total"`
	Passed   int       `json:"passed"`
	Failed   int       `json:"failed"`
	Errors   int       `json:"errors"`
	Skipped  int       `json:"skipped"`
	Running  int       `json:"running"`
	Complete bool      `json:"complete"`
	Created  time.Time `json:"created"`
	PGID     int       `json:"pgid,omitempty"`
}

// SeriesDetail is a series together with its member tests.
type SeriesDetail struct {
	SeriesInfo
	Tests []TestInfo `json:"tests"`
}

// Entry is one status transition.
type Entry struct {
	When  time.Time `json:"when"`
	State string    `json:"state"`
	Note  string    `json:"note"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
