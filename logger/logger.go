// Package logger builds the process-wide slog.Logger from configuration,
// writing to stderr or to a size-rotated file.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"

	"github.com/neevparikh/dns/config"
)

// New returns a logger configured per cfg along with the writer it logs to.
// With an empty file the logger writes to stderr.
func New(cfg config.LogConfig) (*slog.Logger, io.Writer) {
	var w io.Writer = os.Stderr
	if cfg.File != "" {
		rot := &lj.Logger{
			Filename: cfg.File,
			MaxSize:  cfg.RotationSizeMB,
			MaxAge:   cfg.RotationDays,
		}
		if rot.MaxSize <= 0 {
			rot.MaxSize = 100
		}
		if rot.MaxBackups == 0 {
			rot.MaxBackups = 3
		}
		w = rot
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: Level(cfg.Severity)})
	return slog.New(h), w
}

// Level maps a severity string to a slog.Level. Unknown values map to Info.
func Level(severity string) slog.Level {
	switch strings.ToLower(severity) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		return slog.LevelError + 1000
	default:
		return slog.LevelInfo
	}
}
