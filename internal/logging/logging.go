/*
Package logging configures structured logging with file rotation.

Logs are written to both stderr (text format, for human reading) and a
rotated JSON log file (for auditing certificate issuance after the fact).
The file logger uses lumberjack for size-based rotation.
*/
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultFileName is the log file written inside LogDir.
const DefaultFileName = "netcertd.log"

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files. If empty, file logging is disabled.
	LogDir string
	// FileName overrides DefaultFileName.
	FileName string
	// Verbose enables DEBUG-level logging. Default is INFO.
	Verbose bool
	// Quiet raises the stderr level to WARN, for one-shot CLI commands whose
	// stdout is the actual output. The file keeps the configured level.
	Quiet bool
	// Stderr replaces os.Stderr, mainly for tests.
	Stderr io.Writer
	// Extra handlers receive every record at the configured level, e.g.
	// the in-memory buffer behind the management log endpoints.
	Extra []slog.Handler
}

// Setup creates a logger that writes to stderr and optionally to a rotated
// log file. Returns the logger and a cleanup function to close the file.
func Setup(cfg Config) (logger *slog.Logger, cleanup func()) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	stderrLevel := level
	if cfg.Quiet && !cfg.Verbose {
		stderrLevel = slog.LevelWarn
	}

	var stderr io.Writer = os.Stderr
	if cfg.Stderr != nil {
		stderr = cfg.Stderr
	}
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: stderrLevel,
	})

	handlers := append([]slog.Handler{stderrHandler}, cfg.Extra...)
	cleanup = func() {}

	if cfg.LogDir != "" {
		if lj := openLogFile(cfg, stderrHandler); lj != nil {
			handlers = append(handlers, slog.NewJSONHandler(lj, &slog.HandlerOptions{
				Level: level,
			}))
			cleanup = func() {
				_ = lj.Close()
			}
		}
	}

	if len(handlers) == 1 {
		return slog.New(stderrHandler), cleanup
	}
	return slog.New(&multiHandler{handlers: handlers}), cleanup
}

// openLogFile returns the rotated log file, or nil when the directory
// cannot be created.
func openLogFile(cfg Config, stderrHandler slog.Handler) *lumberjack.Logger {
	if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil { //nolint:gosec // log directory
		slog.New(stderrHandler).Warn("failed to create log directory, file logging disabled",
			"dir", cfg.LogDir,
			"error", err,
		)
		return nil
	}

	name := cfg.FileName
	if name == "" {
		name = DefaultFileName
	}

	return &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, name),
		MaxSize:    10, // MB per file
		MaxBackups: 3,  // keep 3 old files
		MaxAge:     7,  // days to retain
		Compress:   true,
	}
}

// multiHandler fans out log records to multiple slog.Handlers.
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

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
