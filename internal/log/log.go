// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

// Package log configures the structured logger used by the focus server.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger *logrus.Logger
	once   sync.Once
)

// RequestIDKey is the context key holding the request id.
const RequestIDKey = "request_id"

// Fields is an alias to logrus.Fields, so callers don't need to import logrus.
type Fields = logrus.Fields

// Options used by NewLogger on its first call.
type Options struct {
	// Level is parsed with logrus.ParseLevel. Defaults to "info".
	Level string

	// File, if set, receives a copy of the logs, rotated by size.
	File string

	// NoColors disables terminal colors, for output redirected to files.
	NoColors bool
}

// NewLogger returns the process-wide logger, configuring it on the first call.
// Later calls return the same logger and ignore opts.
func NewLogger(opts Options) *logrus.Logger {
	once.Do(func() {
		logger = logrus.New()
		level, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)

		logger.SetFormatter(&formatter.Formatter{
			NoColors:        opts.NoColors,
			TimestampFormat: "02 Jan 06 - 15:04:05",
			HideKeys:        false,
			CallerFirst:     true,
			CustomCallerFormatter: func(f *runtime.Frame) string {
				s := strings.Split(f.Function, ".")
				funcName := s[len(s)-1]
				return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, funcName)
			},
		})

		writers := []io.Writer{os.Stderr}
		if opts.File != "" {
			writers = append(writers, &lumberjack.Logger{
				Filename:   opts.File,
				LocalTime:  true,
				Compress:   true,
				MaxSize:    100,
				MaxAge:     7,
				MaxBackups: 3,
			})
		}
		logger.SetOutput(io.MultiWriter(writers...))
		logger.SetReportCaller(true)
	})
	return logger
}

// Logger returns the process-wide logger, creating it with default options if needed.
func Logger() *logrus.Logger {
	return NewLogger(Options{})
}

// Debug, Info, Warn and Error log msg with fields on the process-wide logger.
func Debug(fields Fields, msg string) {
	Logger().WithFields(fields).Debug(msg)
}

func Info(fields Fields, msg string) {
	Logger().WithFields(fields).Info(msg)
}

func Warn(fields Fields, msg string) {
	Logger().WithFields(fields).Warn(msg)
}

func Error(fields Fields, msg string) {
	Logger().WithFields(fields).Error(msg)
}

// WithContext returns a log entry with the request id stored in ctx, or "unknown".
func WithContext(ctx context.Context) *logrus.Entry {
	return Logger().WithField(RequestIDKey, RequestID(ctx))
}

// ContextWithRequestID returns a copy of ctx carrying requestID.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestID stored in ctx, or "unknown".
func RequestID(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(requestIDContextKey{}).(string); ok && id != "" {
			return id
		}
	}
	return "unknown"
}

type requestIDContextKey struct{}
