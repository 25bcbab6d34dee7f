// Package logger provides the leveled logger used across the core. It
// plays the same role as gcsproxy.getLogger in the teacher codebase — a
// single configurable sink — generalized to structured, leveled output with
// rotation so a long-running mount doesn't grow its log file unbounded.
package logger

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how verbosely the core logs.
type Config struct {
	// Path is the log file path. Empty means stderr.
	Path string

	// Debug enables debug-level logging; otherwise the core logs at info
	// level and above.
	Debug bool

	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int

	// MaxBackups is the number of rotated files to retain.
	MaxBackups int
}

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// Init installs the process-wide logger according to cfg. It is safe to
// call more than once; the most recent call wins.
func Init(cfg Config) {
	var w io.Writer = os.Stderr
	if cfg.Path != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		w = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		}
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	current.Store(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}

// L returns the current process-wide logger.
func L() *slog.Logger {
	return current.Load()
}
