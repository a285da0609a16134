// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for conduit components.
//
// Built on the standard library slog package. Default output is stderr
// in text format, following Unix CLI conventions; JSON format and an
// additional log file can be enabled through Config.
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("pipeline started", "session_id", sessionID)
//
// # File Logging
//
//	logger, err := logging.New(logging.Config{
//	    Level:  "debug",
//	    Format: "json",
//	    LogDir: "~/.conduit/logs",
//	})
//	defer logger.Close()
//
// Log files are named conduit_{date}.log and always use JSON format.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure API keys and prompt contents are not logged verbatim.
package logging

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

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity: debug, info, warn, or error.
	// Empty defaults to info.
	Level string

	// Format is "text" or "json" for the stderr stream. Empty
	// defaults to text.
	Format string

	// LogDir enables file logging when non-empty. Supports a leading
	// "~" for the home directory; the directory is created on demand.
	LogDir string

	// Output overrides the primary stream. Nil uses os.Stderr.
	Output io.Writer
}

// Logger wraps slog with optional file duplication.
//
// Thread Safety: safe for concurrent use.
type Logger struct {
	slog *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// ParseLevel converts a config level string to a slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
	}
}

// New creates a logger from config.
//
// Outputs:
//
//	*Logger - The configured logger.
//	error - Non-nil for an unknown level or an unusable log directory.
func New(config Config) (*Logger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	var primary slog.Handler
	if strings.EqualFold(config.Format, "json") {
		primary = slog.NewJSONHandler(out, opts)
	} else {
		primary = slog.NewTextHandler(out, opts)
	}

	logger := &Logger{}
	handlers := []slog.Handler{primary}

	if config.LogDir != "" {
		dir := expandPath(config.LogDir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
		}
		name := fmt.Sprintf("conduit_%s.log", time.Now().Format("2006-01-02"))
		file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.file = file
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
	}

	if len(handlers) == 1 {
		logger.slog = slog.New(handlers[0])
	} else {
		logger.slog = slog.New(&multiHandler{handlers: handlers})
	}
	return logger, nil
}

// Default returns a text logger to stderr at info level.
func Default() *Logger {
	logger, _ := New(Config{})
	return logger
}

// Slog exposes the underlying slog.Logger for components that take one.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs at info level.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs at error level.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a logger with preset attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), file: nil}
}

// Close flushes and closes the log file, if any. Derived loggers from
// With do not own the file; close the root logger.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
