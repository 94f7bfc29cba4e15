// SPDX-FileCopyrightText: Copyright 2026 FABRIC Testbed
// SPDX-License-Identifier: MIT

// Package logger provides a logging capability for credmgr.
//
// The package holds a process-wide singleton initialized once at startup
// from the [logging] section of the configuration. Call sites use the
// package-level helpers; tests may swap the singleton with Set to capture
// output.
package logger

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// singleton is the package-level logger created by Initialize.
// Accessed atomically to be safe for concurrent use across goroutines.
var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	// Set a default logger so callers that skip Initialize() don't panic.
	l, _ := zap.NewProduction()
	singleton.Store(l.Sugar())
}

// Options configures file output and verbosity for Initialize.
type Options struct {
	// Directory and File locate the log file; both empty means stderr only.
	Directory string
	File      string

	// Level is one of DEBUG, INFO, WARNING, ERROR (case-insensitive).
	Level string

	// Retain is the number of rotated files to keep.
	Retain int

	// SizeMB is the rotation threshold in megabytes.
	SizeMB int
}

// Initialize replaces the singleton with a logger built from opts.
// Log files rotate by size; rotated files beyond Retain are dropped.
func Initialize(opts Options) {
	level := parseLevel(opts.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if opts.Directory != "" && opts.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   filepath.Join(opts.Directory, opts.File),
			MaxSize:    opts.SizeMB,
			MaxBackups: opts.Retain,
		})
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, level)
	singleton.Store(zap.New(core).Sugar())
}

func parseLevel(level string) zapcore.Level {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		// "WARNING" is the spelling used in config files; zap wants "warn".
		if level == "WARNING" || level == "warning" {
			return zapcore.WarnLevel
		}
		return zapcore.InfoLevel
	}
	return parsed
}

func get() *zap.SugaredLogger {
	return singleton.Load()
}

// Get returns the underlying logger for injection into structs.
func Get() *zap.SugaredLogger {
	return get()
}

// Set replaces the singleton logger. Intended for tests that need to
// capture log output; production code should use Initialize instead.
func Set(l *zap.SugaredLogger) {
	singleton.Store(l)
}

// Debug logs a message at debug level.
func Debug(msg string) { get().Debug(msg) }

// Debugf logs a formatted message at debug level.
func Debugf(msg string, args ...any) { get().Debugf(msg, args...) }

// Debugw logs a message at debug level with additional key-value pairs.
func Debugw(msg string, keysAndValues ...any) { get().Debugw(msg, keysAndValues...) }

// Info logs a message at info level.
func Info(msg string) { get().Info(msg) }

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) { get().Infof(msg, args...) }

// Infow logs a message at info level with additional key-value pairs.
func Infow(msg string, keysAndValues ...any) { get().Infow(msg, keysAndValues...) }

// Warn logs a message at warning level.
func Warn(msg string) { get().Warn(msg) }

// Warnf logs a formatted message at warning level.
func Warnf(msg string, args ...any) { get().Warnf(msg, args...) }

// Error logs a message at error level.
func Error(msg string) { get().Error(msg) }

// Errorf logs a formatted message at error level.
func Errorf(msg string, args ...any) { get().Errorf(msg, args...) }

// Errorw logs a message at error level with additional key-value pairs.
func Errorw(msg string, keysAndValues ...any) { get().Errorw(msg, keysAndValues...) }

// Panicf logs a formatted message and panics.
func Panicf(msg string, args ...any) { get().Panicf(msg, args...) }

// Audit records a token lifecycle event in a fixed key-value shape so the
// audit trail can be grepped and shipped independently of free-form logs.
func Audit(action, tokenHash, projectID, userID, userEmail string) {
	get().Infow("token event",
		"action", action,
		"token_hash", tokenHash,
		"project_id", projectID,
		"user_id", userID,
		"user_email", userEmail,
	)
}
