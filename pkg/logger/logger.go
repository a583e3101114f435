// Package logger owns the process-wide structured loggers.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"outputs"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig controls audit log output behaviour.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

var (
	mu            sync.Mutex
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	once          sync.Once
	closers       []io.Closer
	initErr       error
)

// Init configures the global logger instances. Only the first call has an effect.
func Init(cfg Config) error {
	once.Do(func() {
		level := parseLevel(cfg.Level)
		opts := &slog.HandlerOptions{Level: level, AddSource: true}

		handler, err := buildHandler(cfg.Format, cfg.OutputPaths, opts)
		if err != nil {
			initErr = err
			return
		}
		main := slog.New(handler)

		audit := main
		if cfg.Audit.Enabled {
			audit, err = buildAuditLogger(cfg.Audit)
			if err != nil {
				initErr = err
				return
			}
		}

		mu.Lock()
		defaultLogger, auditLogger = main, audit
		mu.Unlock()
	})
	return initErr
}

// buildHandler fans out to one handler per output. Console outputs honour the
// configured format, files are always JSON.
func buildHandler(format string, outputs []string, opts *slog.HandlerOptions) (slog.Handler, error) {
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	handlers := make([]slog.Handler, 0, len(outputs))
	for _, out := range outputs {
		switch strings.ToLower(out) {
		case "stdout":
			handlers = append(handlers, consoleHandler(os.Stdout, format, opts))
		case "stderr":
			handlers = append(handlers, consoleHandler(os.Stderr, format, opts))
		default:
			file, err := openFile(out)
			if err != nil {
				return nil, err
			}
			closers = append(closers, file)
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}
	if len(handlers) == 1 {
		return handlers[0], nil
	}
	return slogmulti.Fanout(handlers...), nil
}

func consoleHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func buildAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	writer := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	closers = append(closers, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With(slog.String("stream", "audit")), nil
}

func openFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the structured logger instance.
func L() *slog.Logger {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	if l != nil {
		return l
	}
	_ = Init(Config{})
	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		// Init failed; keep callers working.
		defaultLogger = slog.Default()
	}
	return defaultLogger
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	mu.Lock()
	a := auditLogger
	mu.Unlock()
	if a == nil {
		return L()
	}
	return a
}

// Sync closes file outputs.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}

// Named returns a child logger tagged with the component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}
