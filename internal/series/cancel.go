package series

import (
	"errors"
	"fmt"
	"log/slog"
	"syscall"

	"github.com/loykin/pavr/internal/metrics"
	"github.com/loykin/pavr/internal/process"
	"github.com/loykin/pavr/internal/scheduler"
	"github.com/loykin/pavr/internal/status"
)

// Cancel stops the series. A finished series is left as it is and the call
// still succeeds. Otherwise CANCELED and the marker are recorded first; then a
// managed series' controller group is signaled, and every member is canceled.
// It reports whether this call recorded the cancellation.
func (s *Series) Cancel(reg *scheduler.Registry) (bool, error) {
	if s.markerExists() {
		metrics.IncCancel(metrics.KindSeries, false)
		return false, nil
	}
	if _, ok := s.Status.SetIf(notTerminal, status.Canceled, "Canceled by user."); !ok {
		s.markComplete()
		metrics.IncCancel(metrics.KindSeries, false)
		return false, nil
	}
	s.markComplete()
	metrics.IncCancel(metrics.KindSeries, true)

	var errs []error
	if s.Kind == Managed {
		if err := s.signalController(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.cancelMembers(reg); err != nil {
		errs = append(errs, err)
	}
	return true, errors.Join(errs...)
}

func (s *Series) signalController() error {
	rec, err := s.PGID()
	if errors.Is(err, process.ErrNoGroupFile) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("series %s: %w", s.SID(), err)
	}
	if why := rec.Reason(); why != "" {
		slog.Debug("not signaling series controller", "sid", s.SID(), "reason", why)
		return nil
	}
	if err := process.SignalGroup(rec.PGID, syscall.SIGTERM); err != nil {
		return fmt.Errorf("series %s: %w", s.SID(), err)
	}
	return nil
}

// cancelMembers cancels every member, including ones added by other
// processes since the series was loaded.
func (s *Series) cancelMembers(reg *scheduler.Registry) error {
	if err := s.Refresh(); err != nil {
		slog.Warn("series: refresh failed", "sid", s.SID(), "error", err)
	}
	var errs []error
	for _, r := range s.Tests() {
		c, err := reg.Canceler(r)
		if err != nil {
			slog.Warn("series: no scheduler for member", "sid", s.SID(), "id", r.FullID(), "error", err)
		}
		if _, err := r.Cancel(c); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range s.Nested() {
		if _, err := c.Cancel(reg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
