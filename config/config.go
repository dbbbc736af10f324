// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the miIO bridge.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/soothill/miio-bridge/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Devices       []DeviceConfig      `yaml:"devices" validate:"dive"`
	Polling       PollingConfig       `yaml:"polling"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	API           APIConfig           `yaml:"api"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// DeviceConfig describes one managed device.
type DeviceConfig struct {
	Name         string        `yaml:"name" validate:"required,max=64,excludesall=/"`
	Host         string        `yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Token        string        `yaml:"token" validate:"required,hexadecimal,len=32"`
	Model        string        `yaml:"model,omitempty" validate:"omitempty,max=64"`
	DeviceID     uint32        `yaml:"device_id,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty" validate:"omitempty,min=1s,max=1h"`
}

// PollingConfig holds request and poll scheduling settings shared by all devices
type PollingConfig struct {
	Interval                time.Duration `yaml:"interval" validate:"min=1s,max=1h"`
	Timeout                 time.Duration `yaml:"timeout" validate:"min=100ms,max=1m"`
	MaxBackoff              time.Duration `yaml:"max_backoff" validate:"max=24h"`
	BackoffMultiplier       float64       `yaml:"backoff_multiplier" validate:"min=1,max=10"`
	Retries                 int           `yaml:"retries" validate:"min=0,max=10"`
	RetryDelay              time.Duration `yaml:"retry_delay" validate:"max=1m"`
	MaxPropertiesPerRequest int           `yaml:"max_properties_per_request" validate:"min=0,max=100"`
}

// DiscoveryConfig holds mDNS address resolution settings
type DiscoveryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	ServiceType string        `yaml:"service_type"`
	Domain      string        `yaml:"domain"`
}

// CatalogConfig points at extra descriptor catalogs and the introspection cache
type CatalogConfig struct {
	Path         string        `yaml:"path,omitempty"`
	CacheDir     string        `yaml:"cache_dir"`
	CacheMaxSize int64         `yaml:"cache_max_size" validate:"min=0"`
	CacheMaxAge  time.Duration `yaml:"cache_max_age"`
}

// MQTTConfig holds the MQTT bridge settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker      string `yaml:"broker,omitempty"`
	ClientID    string `yaml:"client_id,omitempty"`
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix" validate:"excludesall=+#"`
	QoS         byte   `yaml:"qos" validate:"max=2"`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// APIConfig holds the HTTP surface settings
type APIConfig struct {
	Address     string   `yaml:"address"`
	RateLimit   float64  `yaml:"rate_limit" validate:"min=0"`
	RateBurst   int      `yaml:"rate_burst" validate:"min=0"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// NotificationsConfig holds alerting settings
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url,omitempty"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is an operator-supplied flag
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, then applies overrides, defaults and validation.
func Parse(data []byte) (*Config, error) {
	// retries has a meaningful zero, so its default is set before decoding
	cfg := Config{Polling: PollingConfig{Retries: 2}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if interval := os.Getenv("MIIO_POLL_INTERVAL"); interval != "" {
		duration, parseErr := time.ParseDuration(interval)
		if parseErr == nil {
			c.Polling.Interval = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse MIIO_POLL_INTERVAL '%s': %v\n", interval, parseErr)
		}
	}
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}
	if password := os.Getenv("MQTT_PASSWORD"); password != "" {
		c.MQTT.Password = password
	}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		c.Notifications.SlackWebhookURL = webhook
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.Polling.Interval == 0 {
		c.Polling.Interval = 30 * time.Second
	}
	if c.Polling.Timeout == 0 {
		c.Polling.Timeout = 5 * time.Second
	}
	if c.Polling.MaxBackoff == 0 {
		c.Polling.MaxBackoff = 5 * time.Minute
	}
	if c.Polling.BackoffMultiplier == 0 {
		c.Polling.BackoffMultiplier = 2
	}
	if c.Polling.RetryDelay == 0 {
		c.Polling.RetryDelay = 500 * time.Millisecond
	}

	if c.Discovery.Interval == 0 {
		c.Discovery.Interval = 5 * time.Minute
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = 5 * time.Second
	}
	if c.Discovery.ServiceType == "" {
		c.Discovery.ServiceType = "_miio._udp"
	}
	if c.Discovery.Domain == "" {
		c.Discovery.Domain = "local."
	}

	if c.Catalog.CacheDir == "" {
		c.Catalog.CacheDir = "/var/cache/miio-bridge"
	}
	if c.Catalog.CacheMaxSize == 0 {
		c.Catalog.CacheMaxSize = 10 * 1024 * 1024
	}
	if c.Catalog.CacheMaxAge == 0 {
		c.Catalog.CacheMaxAge = 30 * 24 * time.Hour
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "miio"
	}

	if c.API.Address == "" {
		c.API.Address = ":8080"
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = 10
	}
	if c.API.RateBurst == 0 {
		c.API.RateBurst = 20
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return structError(err)
	}

	if validateErr := c.validateDevices(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validatePolling(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateDiscovery(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateMQTT(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateNotifications(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateLogging(); validateErr != nil {
		return validateErr
	}

	return nil
}

// structError reports the first tag violation as a ConfigError. Token values
// are never echoed back.
func structError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperrors.NewConfigError("", "", err)
	}
	fe := verrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	value := fmt.Sprintf("%v", fe.Value())
	if fe.Field() == "token" || fe.Field() == "password" {
		value = ""
	}
	reason := fe.Tag()
	if fe.Param() != "" {
		reason += "=" + fe.Param()
	}
	return apperrors.NewConfigError(field, value, fmt.Errorf("%w: failed %q rule", apperrors.ErrInvalidConfig, reason))
}

// validateDevices checks that device names and hosts are unique
func (c *Config) validateDevices() error {
	names := make(map[string]bool, len(c.Devices))
	hosts := make(map[string]string, len(c.Devices))
	for i, d := range c.Devices {
		if names[d.Name] {
			return apperrors.NewConfigError(fmt.Sprintf("devices[%d].name", i), d.Name, fmt.Errorf("%w: duplicate device name", apperrors.ErrInvalidConfig))
		}
		names[d.Name] = true

		host := strings.ToLower(d.Host)
		if other, ok := hosts[host]; ok {
			return apperrors.NewConfigError(fmt.Sprintf("devices[%d].host", i), d.Host, fmt.Errorf("%w: host already used by device %q", apperrors.ErrInvalidConfig, other))
		}
		hosts[host] = d.Name
	}
	return nil
}

// validatePolling validates the polling configuration
func (c *Config) validatePolling() error {
	if c.Polling.MaxBackoff < c.Polling.Interval {
		return apperrors.NewConfigError("polling.max_backoff", c.Polling.MaxBackoff.String(),
			fmt.Errorf("%w: must be at least polling.interval", apperrors.ErrInvalidConfig))
	}
	if c.Polling.Timeout > c.Polling.Interval {
		return apperrors.NewConfigError("polling.timeout", c.Polling.Timeout.String(),
			fmt.Errorf("%w: must not exceed polling.interval", apperrors.ErrInvalidConfig))
	}
	return nil
}

// validateDiscovery validates the discovery configuration
func (c *Config) validateDiscovery() error {
	if !c.Discovery.Enabled {
		return nil
	}
	if c.Discovery.Interval < 10*time.Second {
		return apperrors.NewConfigError("discovery.interval", c.Discovery.Interval.String(),
			fmt.Errorf("%w: must be at least 10 seconds", apperrors.ErrInvalidConfig))
	}
	if c.Discovery.Interval > 24*time.Hour {
		return apperrors.NewConfigError("discovery.interval", c.Discovery.Interval.String(),
			fmt.Errorf("%w: must not exceed 24 hours", apperrors.ErrInvalidConfig))
	}
	if c.Discovery.Timeout >= c.Discovery.Interval {
		return apperrors.NewConfigError("discovery.timeout", c.Discovery.Timeout.String(),
			fmt.Errorf("%w: must be shorter than discovery.interval", apperrors.ErrInvalidConfig))
	}
	return nil
}

// validateMQTT validates the broker URL when MQTT is enabled
func (c *Config) validateMQTT() error {
	if !c.MQTT.Enabled() {
		return nil
	}
	u, err := url.Parse(c.MQTT.Broker)
	if err != nil {
		return apperrors.NewConfigError("mqtt.broker", c.MQTT.Broker, err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss":
	default:
		return apperrors.NewConfigError("mqtt.broker", c.MQTT.Broker,
			fmt.Errorf("%w: scheme must be one of tcp, ssl, tls, mqtt, mqtts, ws, wss", apperrors.ErrInvalidConfig))
	}
	if u.Host == "" {
		return apperrors.NewConfigError("mqtt.broker", c.MQTT.Broker, fmt.Errorf("%w: missing host", apperrors.ErrInvalidConfig))
	}
	return nil
}

// validateNotifications validates the Slack webhook URL
func (c *Config) validateNotifications() error {
	if c.Notifications.SlackWebhookURL == "" {
		return nil
	}
	parsedURL, parseErr := url.Parse(c.Notifications.SlackWebhookURL)
	if parseErr != nil {
		return apperrors.NewConfigError("notifications.slack_webhook_url", "", parseErr)
	}
	if parsedURL.Scheme != "https" {
		return apperrors.NewConfigError("notifications.slack_webhook_url", "",
			fmt.Errorf("%w: must use HTTPS (got %s)", apperrors.ErrInvalidConfig, parsedURL.Scheme))
	}
	return nil
}

// validateLogging validates the logging configuration
func (c *Config) validateLogging() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"warning": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return apperrors.NewConfigError("logging.level", c.Logging.Level,
			fmt.Errorf("%w: must be one of: debug, info, warn, error, fatal, panic", apperrors.ErrInvalidConfig))
	}

	return nil
}

// Device returns the device configuration with the given name.
func (c *Config) Device(name string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceConfig{}, false
}
