package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/csai/battle-agent/internal/config"
)

// NewLogger returns a JSON slog logger writing to stdout and, when a log file
// is configured, to a size-rotated file as well.
func NewLogger(cfg config.ObsConfig) *slog.Logger {
	l := new(slog.LevelVar)
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		l.Set(slog.LevelDebug)
	case "warn":
		l.Set(slog.LevelWarn)
	case "error":
		l.Set(slog.LevelError)
	default:
		l.Set(slog.LevelInfo)
	}
	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		})
	}
	h := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: l})
	return slog.New(h)
}
