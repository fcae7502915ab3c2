// Package log wraps log/slog with the application's handler setup: a stderr
// handler whose level depends on verbosity, plus an always-on JSONL debug
// file that keeps the full history of sidecar startups for later diagnosis.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu         sync.RWMutex
	logger     *slog.Logger
	fileWriter *FileWriter
)

// Options configures the logger.
type Options struct {
	// Verbose lowers the stderr level from warn to debug.
	Verbose bool
	// JSONFormat writes stderr records as JSON.
	JSONFormat bool
	// DebugDir receives the JSONL debug files. Empty disables file logging.
	DebugDir string
	// Stream names this process's debug files (see DefaultStream).
	Stream string
	// RetentionDays is how many days of debug files to keep (0 = forever).
	RetentionDays int
	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// secretKeys are attribute keys whose values never reach a handler.
var secretKeys = map[string]bool{
	"api_key":  true,
	"apiKey":   true,
	"token":    true,
	"password": true,
}

const redacted = "[REDACTED]"

func redact(_ []string, a slog.Attr) slog.Attr {
	if secretKeys[a.Key] {
		return slog.String(a.Key, redacted)
	}
	return a
}

// Init installs the global logger: stderr at warn (debug when verbose) and,
// when DebugDir is set, a debug-level JSONL file for opts.Stream.
func Init(opts Options) error {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	stderrOpts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact}

	handlers := make([]slog.Handler, 0, 2)
	if opts.JSONFormat {
		handlers = append(handlers, slog.NewJSONHandler(stderr, stderrOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(stderr, stderrOpts))
	}

	var fw *FileWriter
	if opts.DebugDir != "" {
		if opts.RetentionDays > 0 {
			Cleanup(opts.DebugDir, opts.RetentionDays)
		}
		var err error
		if fw, err = NewFileWriter(opts.DebugDir, opts.Stream); err != nil {
			return err
		}
		handlers = append(handlers, slog.NewJSONHandler(fw, &slog.HandlerOptions{
			Level:       slog.LevelDebug,
			ReplaceAttr: redact,
		}))
	}

	mu.Lock()
	defer mu.Unlock()
	if fileWriter != nil {
		_ = fileWriter.Close()
	}
	fileWriter = fw
	logger = slog.New(&multiHandler{handlers: handlers})
	slog.SetDefault(logger)
	return nil
}

// Close flushes and closes the debug file, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
}

// multiHandler fans out log records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: newHandlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: newHandlers}
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug logs a debug message.
func Debug(msg string, args ...any) { current().Debug(msg, args...) }

// Info logs an info message.
func Info(msg string, args ...any) { current().Info(msg, args...) }

// Warn logs a warning message.
func Warn(msg string, args ...any) { current().Warn(msg, args...) }

// Error logs an error message.
func Error(msg string, args ...any) { current().Error(msg, args...) }

// With returns a logger with additional context.
func With(args ...any) *slog.Logger {
	return current().With(args...)
}

// Component is a lazily-bound logger tagged with component=<name>. It
// resolves the global logger on every call so components constructed before
// Init still write through the configured handlers.
type Component string

// WithComponent returns a logger tagged with the given component name.
func WithComponent(name string) Component { return Component(name) }

func (c Component) l() *slog.Logger { return current().With("component", string(c)) }

// Debug logs a debug message for the component.
func (c Component) Debug(msg string, args ...any) { c.l().Debug(msg, args...) }

// Info logs an info message for the component.
func (c Component) Info(msg string, args ...any) { c.l().Info(msg, args...) }

// Warn logs a warning for the component.
func (c Component) Warn(msg string, args ...any) { c.l().Warn(msg, args...) }

// Error logs an error for the component.
func (c Component) Error(msg string, args ...any) { c.l().Error(msg, args...) }

// SetOutput sends every level to w as text (for testing).
func SetOutput(w io.Writer) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug, ReplaceAttr: redact})
	mu.Lock()
	logger = slog.New(handler)
	slog.SetDefault(logger)
	mu.Unlock()
}

func init() {
	logger = slog.Default()
}
