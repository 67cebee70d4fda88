// Package enginelog provides a small rotating operational log, invoked
// synchronously by the sqlite store to record migrations applied and by the
// workspace's external-reference resolver to record sibling workspaces that
// fail to open.
// It is a write-only audit trail for operators, distinct from the events
// table, which is the queryable per-issue audit trail.
package enginelog

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger writes timestamped lines to a rotating log file, or discards them
// if constructed with NoOp.
type Logger struct {
	out func(format string, args ...any)
}

// NoOp returns a Logger that discards everything, the default for library
// consumers who haven't configured a log file.
func NoOp() *Logger {
	return &Logger{out: func(string, ...any) {}}
}

// Open builds a Logger backed by a lumberjack-rotated file at path. Rotation
// limits are read from environment variables, following the same
// BEADS_*-style convention the daemon logger used, with sensible defaults.
func Open(path string) *Logger {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    envInt("BEADS_LOG_MAX_SIZE_MB", 10),
		MaxBackups: envInt("BEADS_LOG_MAX_BACKUPS", 3),
		MaxAge:     envInt("BEADS_LOG_MAX_AGE_DAYS", 7),
		Compress:   envBool("BEADS_LOG_COMPRESS", true),
	}
	return &Logger{
		out: func(format string, args ...any) {
			msg := fmt.Sprintf(format, args...)
			ts := time.Now().Format("2006-01-02 15:04:05")
			fmt.Fprintf(lj, "[%s] %s\n", ts, msg)
		},
	}
}

// Infof logs a routine operational event.
func (l *Logger) Infof(format string, args ...any) {
	if l == nil {
		return
	}
	l.out("INFO "+format, args...)
}

// Warnf logs a recoverable anomaly (e.g. a sibling workspace that fails to open).
func (l *Logger) Warnf(format string, args ...any) {
	if l == nil {
		return
	}
	l.out("WARN "+format, args...)
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}
