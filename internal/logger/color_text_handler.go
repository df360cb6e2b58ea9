package logger

import (
	"context"
	"io"
	"log/slog"
)

const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
)

// entityKeys are record attributes that name a test or series. Their value
// is repeated in bold at the start of the message.
var entityKeys = map[string]bool{"id": true, "sid": true, "entity": true}

// ColorTextHandler wraps slog.TextHandler to add ANSI color codes for different log levels
type ColorTextHandler struct {
	*slog.TextHandler
	showTime bool
}

// NewColorTextHandler creates a new ColorTextHandler
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(w, opts),
		showTime:    showTime,
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "\033[36m"
	case l < slog.LevelWarn:
		return "\033[32m"
	case l < slog.LevelError:
		return "\033[33m"
	default:
		return "\033[31m"
	}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	r.Attrs(func(a slog.Attr) bool {
		if entityKeys[a.Key] {
			msg = ansiBold + a.Value.String() + ansiReset + " " + msg
			return false
		}
		return true
	})
	r.Message = levelColor(r.Level) + r.Level.String() + ansiReset + "  " + msg
	return h.TextHandler.Handle(ctx, r)
}

// WithAttrs keeps the coloring for derived loggers.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithAttrs(attrs).(*slog.TextHandler), showTime: h.showTime}
}

// WithGroup keeps the coloring for derived loggers.
func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithGroup(name).(*slog.TextHandler), showTime: h.showTime}
}
