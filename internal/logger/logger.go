package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	mu      sync.Mutex
	slogger *slog.Logger
	logFile *os.File
)

// Init sets up the process logger. Output goes to stdout and, when logDir
// is set, to a dated file in it. If jsonOutput is true, records are JSON
// for production.
func Init(logDir string, jsonOutput bool, level string) error {
	mu.Lock()
	defer mu.Unlock()

	var writer io.Writer = os.Stdout
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		logFileName := "crewflow-" + time.Now().Format("2006-01-02") + ".log"
		f, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		if logFile != nil {
			_ = logFile.Close()
		}
		logFile = f
		writer = io.MultiWriter(os.Stdout, f)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)
	return nil
}

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
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

// Close closes the log file
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		return err
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Debug logs a debug message
func Debug(format string, v ...any) {
	Slog().Debug(fmt.Sprintf(format, v...))
}

// Info logs an informational message
func Info(format string, v ...any) {
	Slog().Info(fmt.Sprintf(format, v...))
}

// Warn logs a warning message
func Warn(format string, v ...any) {
	Slog().Warn(fmt.Sprintf(format, v...))
}

// Error logs an error message
func Error(format string, v ...any) {
	Slog().Error(fmt.Sprintf(format, v...))
}

// Fatalf logs a formatted fatal error and exits
func Fatalf(format string, v ...any) {
	Slog().Error(fmt.Sprintf(format, v...))
	_ = Close()
	os.Exit(1)
}
