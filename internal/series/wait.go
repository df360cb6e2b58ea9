package series

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/pavr/internal/status"
)

// PollInterval is how often completion is rechecked while waiting.
var PollInterval = 5 * time.Second

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poll calls done every interval until it reports true, the deadline passes
// (ErrTimeout) or ctx ends. A zero deadline waits forever. tick, when not
// nil, runs after every unsuccessful check. Nothing is changed on timeout.
func Poll(ctx context.Context, deadline time.Time, interval time.Duration, done func() bool, tick func()) error {
	for {
		if done() {
			return nil
		}
		wait := interval
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return ErrTimeout
			}
			if left < wait {
				wait = left
			}
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		if tick != nil {
			tick()
		}
	}
}

// Wait polls until every member has its completion marker and the series
// itself is complete, or until deadline.
func (s *Series) Wait(ctx context.Context, deadline time.Time) error {
	return Poll(ctx, deadline, PollInterval, s.Complete, nil)
}

// Complete reports whether the series marker exists. An ad hoc series with
// every member complete is finalized here by whichever process notices
// first. A managed series whose controller is gone is finalized the same way
// once its members are complete.
func (s *Series) Complete() bool {
	if s.markerExists() {
		return true
	}
	if err := s.Refresh(); err != nil {
		slog.Debug("series: refresh failed", "sid", s.SID(), "error", err)
	}
	if !s.membersComplete() {
		return false
	}
	switch s.Kind {
	case AdHoc:
		s.finish(status.Complete, "All tests complete.")
		return true
	case Managed:
		if why := s.controllerGone(); why != "" {
			s.advance(status.Error, fmt.Sprintf("Series controller is gone (%s).", why))
			s.finish(status.Complete, "Finalized after the controller exited.")
			return true
		}
	}
	return false
}

func (s *Series) membersComplete() bool {
	for _, r := range s.tests {
		if !r.Complete() {
			return false
		}
	}
	for _, c := range s.nested {
		if !c.Complete() {
			return false
		}
	}
	return true
}

// controllerGone returns why the controller can no longer finish the
// series, or "" if it may still be running.
func (s *Series) controllerGone() string {
	rec, err := s.PGID()
	if err != nil {
		return ""
	}
	if host, _ := os.Hostname(); rec.Host != "" && rec.Host != host {
		return ""
	}
	return rec.Reason()
}
