package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/voltgrid/energy/backend/internal/config"
)

var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

var noopClose = func() error { return nil }

// New builds the process logger. Every record carries the service name so
// the gateway and the meter simulator are distinguishable when their logs
// land in the same sink. The returned closer releases the log file, if any.
func New(serviceName string, cfg config.LogConfig) (*slog.Logger, func() error, error) {
	level, ok := levelNames[strings.ToLower(strings.TrimSpace(cfg.Level))]
	if !ok {
		return nil, nil, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", cfg.Level)
	}

	sink, closeSink, err := openSink(serviceName, cfg)
	if err != nil {
		return nil, nil, err
	}

	handler, err := newHandler(cfg.Format, sink, level)
	if err != nil {
		_ = closeSink()
		return nil, nil, err
	}

	return slog.New(handler).With("service", serviceName), closeSink, nil
}

func newHandler(format string, sink io.Writer, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.NewTextHandler(sink, opts), nil
	case "json":
		return slog.NewJSONHandler(sink, opts), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text|json)", format)
	}
}

func openSink(serviceName string, cfg config.LogConfig) (io.Writer, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Output)) {
	case "", "console":
		return os.Stdout, noopClose, nil
	case "stderr":
		return os.Stderr, noopClose, nil
	case "file":
		file, err := openLogFile(serviceName, cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return file, file.Close, nil
	case "both":
		file, err := openLogFile(serviceName, cfg.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return io.MultiWriter(os.Stdout, file), file.Close, nil
	default:
		return nil, nil, fmt.Errorf("invalid log output %q (expected console|stderr|file|both)", cfg.Output)
	}
}

// Unconfigured file paths land next to the keypairs under .local/, which is
// where a bare checkout keeps its runtime state.
func openLogFile(serviceName, configuredPath string) (*os.File, error) {
	path := strings.TrimSpace(configuredPath)
	if path == "" {
		path = filepath.Join(".local", "log", serviceName+".log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %q: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return file, nil
}
