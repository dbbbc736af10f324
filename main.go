// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Command miio-bridge exposes Xiaomi miIO devices on the local network as
// entities over HTTP and MQTT.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/soothill/miio-bridge/app"
	"github.com/soothill/miio-bridge/config"
	"github.com/soothill/miio-bridge/pkg/logger"
)

const healthCheckTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	logFormat := flag.String("log-format", logger.FormatConsole, "Log output format (console or json)")
	healthCheck := flag.Bool("health-check", false, "Query the running bridge's health endpoint and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	flag.Parse()

	if *healthCheck {
		os.Exit(performHealthCheck(*configPath))
	}

	if *validateConfig {
		os.Exit(performConfigValidation(*configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Configure(cfg.Logging.Level, *logFormat)

	logger.Info().Msg("Starting miIO bridge")
	logger.Info().Int("devices", len(cfg.Devices)).
		Dur("poll_interval", cfg.Polling.Interval).
		Bool("discovery", cfg.Discovery.Enabled).
		Bool("mqtt", cfg.MQTT.Enabled()).
		Str("api", cfg.API.Address).
		Msg("Configuration loaded")

	application, err := app.New(cfg, *configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	setupDebugSignalHandlers(application)

	if err := application.Run(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Application failed")
	}
}

// healthURL turns the API listen address into a local URL.
func healthURL(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "http://localhost:8080/health"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + "/health"
}

// performHealthCheck queries the health endpoint of a running bridge.
func performHealthCheck(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not load config: %v\n", err)
		return 1
	}
	return checkHealth(healthURL(cfg.API.Address))
}

func checkHealth(url string) int {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: bridge is not reachable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Println("Health check passed: bridge is healthy")
	return 0
}

func performConfigValidation(configPath string) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	fmt.Println("\n✅ Configuration validation PASSED")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  Devices: %d\n", len(cfg.Devices))
	for _, d := range cfg.Devices {
		model := d.Model
		if model == "" {
			model = "(detect)"
		}
		fmt.Printf("    - %s at %s, model %s\n", d.Name, d.Host, model)
	}
	fmt.Printf("  Poll Interval: %s\n", cfg.Polling.Interval)
	fmt.Printf("  Poll Timeout: %s (retries %d)\n", cfg.Polling.Timeout, cfg.Polling.Retries)
	fmt.Printf("  Max Backoff: %s (x%g)\n", cfg.Polling.MaxBackoff, cfg.Polling.BackoffMultiplier)
	fmt.Printf("  Log Level: %s\n", cfg.Logging.Level)
	fmt.Printf("  Descriptor Cache: %s (%d MB, %s)\n", cfg.Catalog.CacheDir, cfg.Catalog.CacheMaxSize/(1024*1024), cfg.Catalog.CacheMaxAge)
	if cfg.Catalog.Path != "" {
		fmt.Printf("  Extra Catalog: %s\n", cfg.Catalog.Path)
	}
	if cfg.Discovery.Enabled {
		fmt.Printf("  Address Resolution: %s in %s every %s\n", cfg.Discovery.ServiceType, cfg.Discovery.Domain, cfg.Discovery.Interval)
	} else {
		fmt.Println("  Address Resolution: Disabled")
	}
	if cfg.MQTT.Enabled() {
		fmt.Printf("  MQTT: %s (prefix %s)\n", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)
	} else {
		fmt.Println("  MQTT: Disabled")
	}
	fmt.Printf("  API: %s\n", cfg.API.Address)

	if cfg.Notifications.SlackWebhookURL != "" {
		fmt.Println("  Slack Notifications: Enabled")
	} else {
		fmt.Println("  Slack Notifications: Disabled")
	}

	fmt.Println("\nAll validation checks passed. Configuration is ready for use.")
	return 0
}
