package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/pavr/internal/status"
)

const (
	defaultQueue       = 256
	defaultSendTimeout = 5 * time.Second
)

// Recorder forwards status transitions to sinks from a background goroutine
// so a slow sink never holds up a status append.
type Recorder struct {
	sinks   []Sink
	ch      chan Event
	done    chan struct{}
	timeout time.Duration

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewRecorder starts a recorder delivering to sinks.
func NewRecorder(sinks ...Sink) *Recorder {
	r := &Recorder{
		sinks:   sinks,
		ch:      make(chan Event, defaultQueue),
		done:    make(chan struct{}),
		timeout: defaultSendTimeout,
	}
	go r.loop()
	return r
}

// Install registers the recorder as a status observer.
func (r *Recorder) Install() {
	status.RegisterObserver(r.Observe)
}

// Observe queues the transition. Events are dropped when the queue is full.
func (r *Recorder) Observe(entity string, prev, e status.Entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- NewEvent(entity, prev, e):
	default:
		r.dropped.Add(1)
		slog.Warn("history queue full; dropping event", "entity", entity, "state", e.State)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.failed.Add(1)
				slog.Warn("history sink send failed", "entity", e.Entity, "state", e.State, "error", err)
			}
			cancel()
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Failed returns how many sink deliveries returned an error.
func (r *Recorder) Failed() int64 { return r.failed.Load() }

// Close delivers the queued events, then closes every sink that is an
// io.Closer. It gives up waiting when ctx ends.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
	})
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
