// Package history exports status transitions of test runs and series to
// external stores. The status files stay the source of truth; sinks only
// receive copies for analytics and audit.
package history

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/pavr/internal/metrics"
	"github.com/loykin/pavr/internal/status"
)

// Event is one status transition as exported to sinks.
type Event struct {
	Entity     string       `json:"entity"`
	Kind       string       `json:"kind"`
	PrevState  status.State `json:"prev_state"`
	State      status.State `json:"state"`
	Note       string       `json:"note"`
	OccurredAt time.Time    `json:"occurred_at"`
	Host       string       `json:"host"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

var hostname, _ = os.Hostname()

// KindOf tells series ids ("s12") from test run ids ("main.12").
func KindOf(entity string) string {
	if rest, ok := strings.CutPrefix(entity, "s"); ok {
		if n, err := strconv.Atoi(rest); err == nil && n > 0 {
			return metrics.KindSeries
		}
	}
	return metrics.KindTest
}

// NewEvent builds the event for a transition of entity from prev to e.
func NewEvent(entity string, prev, e status.Entry) Event {
	return Event{
		Entity:     entity,
		Kind:       KindOf(entity),
		PrevState:  prev.State,
		State:      e.State,
		Note:       e.Note,
		OccurredAt: e.When.UTC(),
		Host:       hostname,
	}
}

// ObserveMetrics is a status observer that counts transitions.
func ObserveMetrics(entity string, _, e status.Entry) {
	metrics.RecordTransition(KindOf(entity), string(e.State))
}
