// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected zerolog.Level
	}{
		{"debug", "debug", zerolog.DebugLevel},
		{"info", "info", zerolog.InfoLevel},
		{"warn", "warn", zerolog.WarnLevel},
		{"warning", "warning", zerolog.WarnLevel},
		{"error", "error", zerolog.ErrorLevel},
		{"fatal", "fatal", zerolog.FatalLevel},
		{"panic", "panic", zerolog.PanicLevel},
		{"invalid defaults to info", "invalid", zerolog.InfoLevel},
		{"empty defaults to info", "", zerolog.InfoLevel},
		{"uppercase", "DEBUG", zerolog.DebugLevel},
		{"mixed case", "WaRn", zerolog.WarnLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseLogLevel(tt.level); got != tt.expected {
				t.Errorf("parseLogLevel(%q) = %v, want %v", tt.level, got, tt.expected)
			}
		})
	}
}

func TestInitializeSetsLevel(t *testing.T) {
	Initialize("error")
	if Level() != zerolog.ErrorLevel {
		t.Errorf("Level() = %v, want %v", Level(), zerolog.ErrorLevel)
	}

	Initialize("debug")
	if Level() != zerolog.DebugLevel {
		t.Errorf("Level() = %v, want %v", Level(), zerolog.DebugLevel)
	}
}

func TestLogFunctions(t *testing.T) {
	var buf bytes.Buffer
	Initialize("debug")
	SetOutput(&buf)

	tests := []struct {
		name    string
		logFunc func() *zerolog.Event
		message string
	}{
		{"debug", Debug, "debug message"},
		{"info", Info, "info message"},
		{"warn", Warn, "warn message"},
		{"error", Error, "error message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc().Msg(tt.message)

			if !strings.Contains(buf.String(), tt.message) {
				t.Errorf("%s() output should contain %q, got %q", tt.name, tt.message, buf.String())
			}
		})
	}
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		logLevel    string
		shouldLog   bool
	}{
		{"info logs at info level", "info", "info", true},
		{"debug filtered at info level", "info", "debug", false},
		{"warn logs at info level", "info", "warn", true},
		{"debug logs at debug level", "debug", "debug", true},
		{"info filtered at error level", "error", "info", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			Initialize(tt.configLevel)
			SetOutput(&buf)

			message := "poll finished"
			switch tt.logLevel {
			case "debug":
				Debug().Msg(message)
			case "info":
				Info().Msg(message)
			case "warn":
				Warn().Msg(message)
			}

			hasMessage := strings.Contains(buf.String(), message)
			if hasMessage != tt.shouldLog {
				t.Errorf("logged = %v at %s with config %s, want %v", hasMessage, tt.logLevel, tt.configLevel, tt.shouldLog)
			}
		})
	}
}

func TestForDeviceAddsFields(t *testing.T) {
	var buf bytes.Buffer
	Configure("info", FormatJSON)
	SetOutput(&buf)

	l := ForDevice("lamp-1", "philips.light.bulb")
	l.Info().Int("failures", 2).Msg("device degraded")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["device_id"] != "lamp-1" {
		t.Errorf("device_id = %v, want lamp-1", entry["device_id"])
	}
	if entry["model"] != "philips.light.bulb" {
		t.Errorf("model = %v, want philips.light.bulb", entry["model"])
	}
	if entry["message"] != "device degraded" {
		t.Errorf("message = %v, want %q", entry["message"], "device degraded")
	}
}

func TestWith(t *testing.T) {
	Initialize("info")

	var buf bytes.Buffer
	l := With().Str("component", "transport").Logger().Output(&buf)
	l.Info().Msg("socket opened")

	if !strings.Contains(buf.String(), "socket opened") || !strings.Contains(buf.String(), "transport") {
		t.Errorf("context logger output = %q, want message and field", buf.String())
	}
}

func TestGetNeverNil(t *testing.T) {
	Initialize("debug")
	Initialize("info")
	if Get() == nil {
		t.Error("Get() returned nil logger")
	}
}
