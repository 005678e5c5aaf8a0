// Copyright 2024 The vfsd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the engine's process-wide logger: a slog.Logger
// fronting either stderr or a lumberjack-rotated file, in text or json
// format, filterable down to the five cfg.LogSeverity levels.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/krun-vmm/vfsd/cfg"
	"gopkg.in/natefinch/lumberjack.v2"
)

// loggerFactory owns the handler construction knobs so SetLogFormat and
// InitLogFile can reconfigure defaultLogger in place.
type loggerFactory struct {
	file            *os.File
	sysWriter       io.Writer
	format          string
	level           slog.Level
	logRotateConfig cfg.LogRotateConfig
	programLevel    *slog.LevelVar
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, levelVar *slog.LevelVar, prefix string) slog.Handler {
	return newSeverityHandler(w, levelVar, prefix, f.format == "json" || f.format == "")
}

var defaultLoggerFactory = &loggerFactory{
	sysWriter:    os.Stderr,
	format:       "text",
	level:        LevelInfo,
	programLevel: new(slog.LevelVar),
}

var defaultLogger = slog.New(
	defaultLoggerFactory.createJsonOrTextHandler(os.Stderr, defaultLoggerFactory.programLevel, ""),
)

func init() {
	defaultLoggerFactory.programLevel.Set(LevelInfo)
}

func setLoggingLevel(severity string, programLevel *slog.LevelVar) {
	programLevel.Set(levelForSeverity(severity))
}

// SetLogFormat switches the active handler between "text" and "json" (the
// empty string behaves like "json", matching the historical default).
// Takes effect on the next log call.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format
	rebuild(defaultLoggerFactory.sysWriter)
}

func rebuild(w io.Writer) {
	defaultLogger = slog.New(
		defaultLoggerFactory.createJsonOrTextHandler(w, defaultLoggerFactory.programLevel, ""),
	)
}

// InitLogFile points the default logger at cfg.LoggingConfig.FilePath,
// rotated through lumberjack and decoupled from callers via AsyncLogger. If
// FilePath is empty the logger continues writing to stderr.
func InitLogFile(logConfig cfg.LoggingConfig) error {
	defaultLoggerFactory.format = logConfig.Format
	defaultLoggerFactory.level = levelForSeverity(string(logConfig.Severity))
	defaultLoggerFactory.logRotateConfig = logConfig.LogRotate
	defaultLoggerFactory.programLevel.Set(defaultLoggerFactory.level)

	if logConfig.FilePath == "" {
		defaultLoggerFactory.sysWriter = os.Stderr
		rebuild(os.Stderr)
		return nil
	}

	lj := &lumberjack.Logger{
		Filename:   logConfig.FilePath,
		MaxSize:    logConfig.LogRotate.MaxFileSizeMb,
		MaxBackups: logConfig.LogRotate.BackupFileCount,
		Compress:   logConfig.LogRotate.Compress,
	}

	f, err := os.OpenFile(logConfig.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("logger: opening log file %q: %w", logConfig.FilePath, err)
	}
	defaultLoggerFactory.file = f
	defaultLoggerFactory.sysWriter = nil

	async := NewAsyncLogger(lj, 4096)
	rebuild(async)
	return nil
}

func log(level slog.Level, format string, v ...interface{}) {
	ctx := context.Background()
	if !defaultLogger.Enabled(ctx, level) {
		return
	}
	defaultLogger.Log(ctx, level, fmt.Sprintf(format, v...))
}

// Tracef logs at the lowest severity, intended for per-operation wire
// traces (every fsops call in/out).
func Tracef(format string, v ...interface{}) { log(LevelTrace, format, v...) }

// Debugf logs internal state transitions useful while diagnosing a single
// mount (copy-up decisions, layer resolution misses).
func Debugf(format string, v ...interface{}) { log(LevelDebug, format, v...) }

// Infof logs lifecycle events: mount, unmount, layer stack summary.
func Infof(format string, v ...interface{}) { log(LevelInfo, format, v...) }

// Warnf logs recoverable anomalies: stale inode retries, reflink fallback.
func Warnf(format string, v ...interface{}) { log(LevelWarn, format, v...) }

// Errorf logs operation failures surfaced to the guest as errno.
func Errorf(format string, v ...interface{}) { log(LevelError, format, v...) }
