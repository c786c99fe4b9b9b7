package app

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the worker's slog.Logger, format and level per config.
func NewLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg != nil {
		switch strings.ToLower(cfg.LogLevel) {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
