package log

import (
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewFileHandler returns a slog.Handler that writes plain (uncolored)
// lines to a size- and age-rotated log file, for long-running
// embeddings that want Root()'s output durable across restarts.
func NewFileHandler(path string, maxSizeMB, maxBackups, maxAgeDays int, minLevel slog.Level) slog.Handler {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	h := &terminalHandler{w: w, level: minLevel}
	return h
}
