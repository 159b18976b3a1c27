package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ANSI color codes
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Gray   = "\033[37m"
)

// ConsoleHandler renders a compact colored line per record, for operators
// watching the service in a foreground terminal.
type ConsoleHandler struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleHandler(out io.Writer) *ConsoleHandler {
	return &ConsoleHandler{out: out}
}

func (h *ConsoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelColor := Reset
	switch r.Level {
	case slog.LevelDebug:
		levelColor = Gray
	case slog.LevelInfo:
		levelColor = Green
	case slog.LevelWarn:
		levelColor = Yellow
	case slog.LevelError:
		levelColor = Red
	}

	timeStr := r.Time.Format(time.TimeOnly)
	msg := fmt.Sprintf("%s%s%s [%s] %s", levelColor, r.Level.String()[:4], Reset, timeStr, r.Message)

	r.Attrs(func(a slog.Attr) bool {
		msg += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
		return true
	})

	_, err := h.out.Write([]byte(msg + "\n"))
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return h
}

// EventHandler forwards warn/error log records to a sink that turns them
// into Fault-shaped notification frames. It is wired up by main once the
// notification bus exists; see notify.Bus.EventSink for where they go.
type EventHandler struct {
	mu   sync.Mutex
	sink func(level, message string, attrs map[string]any)
}

func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

func (h *EventHandler) SetSink(sink func(level, message string, attrs map[string]any)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sink = sink
}

func (h *EventHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn
}

func (h *EventHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	sink := h.sink
	h.mu.Unlock()
	if sink == nil {
		return nil
	}

	attrs := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	sink(r.Level.String(), r.Message, attrs)
	return nil
}

func (h *EventHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *EventHandler) WithGroup(name string) slog.Handler {
	return h
}

// New creates the service logger: a fanout of a JSON file (logs/service.json,
// appended to across restarts and never rotated),
// a colored console stream, and the event handler used to surface warnings
// and errors onto the notification bus.
func New(consoleOutput io.Writer, stateDir string) (*slog.Logger, *EventHandler, error) {
	logDir := filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, err
	}

	f, err := os.OpenFile(filepath.Join(logDir, "service.json"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}

	jsonHandler := slog.NewJSONHandler(f, nil)
	consoleHandler := NewConsoleHandler(consoleOutput)
	eventHandler := NewEventHandler()

	handler := &FanoutHandler{
		handlers: []slog.Handler{jsonHandler, consoleHandler, eventHandler},
	}

	return slog.New(handler), eventHandler, nil
}

// FanoutHandler dispatches every record to all of its child handlers.
type FanoutHandler struct {
	handlers []slog.Handler
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			_ = handler.Handle(ctx, r)
		}
	}
	return nil
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: newHandlers}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithGroup(name)
	}
	return &FanoutHandler{handlers: newHandlers}
}
