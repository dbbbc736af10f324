// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package logger provides the process-wide zerolog logger.
//
// Device-scoped code should log through ForDevice so every line carries the
// device_id and model fields. Tokens are never passed to the logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

// Output formats accepted by Configure.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Initialize sets up the global logger with console output at the given level.
func Initialize(level string) {
	Configure(level, FormatConsole)
}

// Configure sets up the global logger with the given level and output format.
// Unknown levels fall back to info, unknown formats to console.
func Configure(level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	if strings.EqualFold(format, FormatJSON) {
		output = os.Stdout
	}

	log = zerolog.New(output).
		Level(parseLogLevel(level)).
		With().
		Timestamp().
		Caller().
		Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	return &log
}

// Level returns the active level.
func Level() zerolog.Level {
	return log.GetLevel()
}

// ForDevice returns a child logger tagged with the device id and model.
func ForDevice(deviceID, model string) zerolog.Logger {
	return log.With().Str("device_id", deviceID).Str("model", model).Logger()
}

// Debug logs a debug message
func Debug() *zerolog.Event {
	return log.Debug()
}

// Info logs an info message
func Info() *zerolog.Event {
	return log.Info()
}

// Warn logs a warning message
func Warn() *zerolog.Event {
	return log.Warn()
}

// Error logs an error message
func Error() *zerolog.Event {
	return log.Error()
}

// Fatal logs a fatal message and exits
func Fatal() *zerolog.Event {
	return log.Fatal()
}

// With creates a child logger with additional fields
func With() zerolog.Context {
	return log.With()
}

// SetOutput sets the output writer for the logger
func SetOutput(w io.Writer) {
	log = log.Output(w)
}
