package app

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns a configured slog.Logger based on configuration.
func NewLogger(cfg *Config) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg *Config, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true, Level: logLevel(cfg)}
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// logLevel falls back to info for unknown values.
func logLevel(cfg *Config) slog.Level {
	var level slog.Level
	if cfg == nil || level.UnmarshalText([]byte(cfg.LogLevel)) != nil {
		return slog.LevelInfo
	}
	return level
}
