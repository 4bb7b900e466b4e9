// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging configures the process-wide slog logger from config.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeranaias/prepchat/internal/config"
)

// Logger is a configured logger whose level can change after startup.
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

// Setup builds a logger from cfg and installs it as slog's default.
// When cfg.File is set, logs are appended there instead of stderr.
func Setup(cfg config.LoggingConfig) (*Logger, error) {
	var out io.Writer = os.Stderr
	var closer io.Closer
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}

	l := New(out, cfg)
	l.closer = closer
	slog.SetDefault(l.Logger)
	return l, nil
}

// New builds a logger writing to w without touching the default logger.
func New(w io.Writer, cfg config.LoggingConfig) *Logger {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(h), level: level}
}

// Apply updates the level from a reloaded config. Format and file changes
// need a restart.
func (l *Logger) Apply(cfg config.LoggingConfig) {
	next := ParseLevel(cfg.Level)
	if next != l.level.Level() {
		l.level.Set(next)
		l.Info("log level changed", "level", next.String())
	}
}

// Level reports the current level.
func (l *Logger) Level() slog.Level { return l.level.Level() }

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ParseLevel maps a config level name to slog; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
