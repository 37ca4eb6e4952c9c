// Package log wraps log/slog with yard's output policy: terse text on
// stderr gated by verbosity, and a full debug stream to daily JSONL files
// under the state directory.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

var (
	logger     *slog.Logger
	fileWriter *FileWriter
)

// Options configures the global logger.
type Options struct {
	// Verbose lowers the stderr threshold to debug.
	Verbose bool
	// Quiet raises the stderr threshold to error. Wins over Verbose.
	Quiet bool
	// FileDir is the directory for JSONL debug files. Empty disables file output.
	FileDir string
	// RetentionDays prunes old files in FileDir before opening (0 = keep all).
	RetentionDays int
	// Stderr overrides the stderr writer (tests).
	Stderr io.Writer
}

// Init installs the global logger. Safe to call once per process, before any
// logging from subcommands.
func Init(opts Options) error {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	level := slog.LevelWarn
	switch {
	case opts.Quiet:
		level = slog.LevelError
	case opts.Verbose:
		level = slog.LevelDebug
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}),
	}

	if opts.FileDir != "" {
		if opts.RetentionDays > 0 {
			Prune(opts.FileDir, opts.RetentionDays)
		}
		fw, err := NewFileWriter(opts.FileDir)
		if err != nil {
			return err
		}
		fileWriter = fw
		handlers = append(handlers, slog.NewJSONHandler(fw, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	logger = slog.New(&teeHandler{handlers})
	slog.SetDefault(logger)
	return nil
}

// Close flushes and closes the debug file, if one is open.
func Close() {
	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}
}

// teeHandler fans each record out to every handler that accepts its level.
type teeHandler struct {
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &teeHandler{hs}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &teeHandler{hs}
}

// Debug logs a debug message.
func Debug(msg string, args ...any) { logger.Debug(msg, args...) }

// Info logs an info message.
func Info(msg string, args ...any) { logger.Info(msg, args...) }

// Warn logs a warning message.
func Warn(msg string, args ...any) { logger.Warn(msg, args...) }

// Error logs an error message.
func Error(msg string, args ...any) { logger.Error(msg, args...) }

// With returns a logger carrying extra attributes, usually the run id.
func With(args ...any) *slog.Logger { return logger.With(args...) }

// SetOutput replaces the logger with a plain text handler on w (tests).
func SetOutput(w io.Writer) {
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

func init() {
	logger = slog.Default()
}
