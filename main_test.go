// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validConfig = `
devices:
  - name: living-room-lamp
    host: 192.168.1.20
    token: 00112233445566778899aabbccddeeff
    model: yeelink.light.color1
polling:
  interval: 30s
  timeout: 5s
catalog:
  cache_dir: %s
logging:
  level: info
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}
	return path
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{":8080", "http://localhost:8080/health"},
		{"0.0.0.0:9000", "http://localhost:9000/health"},
		{"127.0.0.1:8081", "http://127.0.0.1:8081/health"},
		{"[::]:8080", "http://localhost:8080/health"},
		{"bridge.lan:80", "http://bridge.lan:80/health"},
		{"not-an-address", "http://localhost:8080/health"},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			if got := healthURL(tt.address); got != tt.want {
				t.Errorf("healthURL(%q) = %s, want %s", tt.address, got, tt.want)
			}
		})
	}
}

func TestCheckHealth(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	}))
	defer healthy.Close()

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	if code := checkHealth(healthy.URL + "/health"); code != 0 {
		t.Errorf("checkHealth(healthy) = %d, want 0", code)
	}
	if code := checkHealth(unhealthy.URL + "/health"); code != 1 {
		t.Errorf("checkHealth(unhealthy) = %d, want 1", code)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	url := closed.URL
	closed.Close()
	if code := checkHealth(url + "/health"); code != 1 {
		t.Errorf("checkHealth(unreachable) = %d, want 1", code)
	}
}

func TestPerformHealthCheck_MissingConfig(t *testing.T) {
	if code := performHealthCheck(filepath.Join(t.TempDir(), "missing.yaml")); code != 1 {
		t.Errorf("performHealthCheck() = %d, want 1", code)
	}
}

func TestPerformConfigValidation(t *testing.T) {
	cacheDir := t.TempDir()

	t.Run("valid", func(t *testing.T) {
		path := writeConfig(t, fmt.Sprintf(validConfig, cacheDir))
		if code := performConfigValidation(path); code != 0 {
			t.Errorf("performConfigValidation() = %d, want 0", code)
		}
	})

	t.Run("bad token", func(t *testing.T) {
		content := fmt.Sprintf(validConfig, cacheDir)
		content = strings.Replace(content, "00112233445566778899aabbccddeeff", "not-a-token", 1)
		path := writeConfig(t, content)
		if code := performConfigValidation(path); code != 1 {
			t.Errorf("performConfigValidation() = %d, want 1", code)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		path := writeConfig(t, fmt.Sprintf(validConfig, cacheDir)+"influxdb:\n  url: http://localhost:8086\n")
		if code := performConfigValidation(path); code != 1 {
			t.Errorf("performConfigValidation() = %d, want 1", code)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if code := performConfigValidation(filepath.Join(t.TempDir(), "missing.yaml")); code != 1 {
			t.Errorf("performConfigValidation() = %d, want 1", code)
		}
	})
}
