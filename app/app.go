// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires the bridge together: configuration, descriptor registry,
// device manager, HTTP API, MQTT bridge, Slack alerts and mDNS address
// resolution.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/soothill/miio-bridge/api"
	"github.com/soothill/miio-bridge/client"
	"github.com/soothill/miio-bridge/config"
	"github.com/soothill/miio-bridge/coordinator"
	"github.com/soothill/miio-bridge/descriptor"
	"github.com/soothill/miio-bridge/device"
	"github.com/soothill/miio-bridge/discovery"
	"github.com/soothill/miio-bridge/mqtt"
	"github.com/soothill/miio-bridge/pkg/interfaces"
	"github.com/soothill/miio-bridge/pkg/logger"
	"github.com/soothill/miio-bridge/pkg/notifications"
	"github.com/soothill/miio-bridge/pkg/slacknotifier"
	"github.com/soothill/miio-bridge/protocol"
	"github.com/soothill/miio-bridge/storage"
	"github.com/soothill/miio-bridge/transport"
)

const (
	shutdownTimeout     = 5 * time.Second
	setupTimeout        = 30 * time.Second
	defaultSetupRetry   = time.Minute
	readdressTimeout    = 10 * time.Second
	configChannelBuffer = 1
)

// Option customizes an App.
type Option func(*App)

// WithTransport replaces the UDP transport, e.g. with a simulator.
func WithTransport(t device.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithResolver replaces the mDNS scanner.
func WithResolver(r interfaces.AddressResolver) Option {
	return func(a *App) { a.resolver = r }
}

// WithSetupRetry sets how often devices that failed setup are retried.
func WithSetupRetry(d time.Duration) Option {
	return func(a *App) { a.setupRetry = d }
}

// App represents the main application
type App struct {
	configPath string
	setupRetry time.Duration

	registry  *descriptor.Registry
	cache     *storage.DescriptorCache
	transport device.Transport
	manager   *device.Manager
	resolver  interfaces.AddressResolver
	notifier  *slacknotifier.Notifier
	alerter   *notifications.Alerter
	bridge    *mqtt.Bridge
	server    *api.Server

	configWatcher *config.Watcher
	configChan    chan *config.Config

	mu      sync.Mutex
	cfg     *config.Config
	pending map[string]config.DeviceConfig // devices whose setup failed

	started atomic.Bool
	wg      sync.WaitGroup
}

// New creates a new application instance
func New(cfg *config.Config, configPath string, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		configPath: configPath,
		setupRetry: defaultSetupRetry,
		pending:    make(map[string]config.DeviceConfig),
		configChan: make(chan *config.Config, configChannelBuffer),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.initializeComponents(); err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	a.configWatcher = config.NewWatcher(configPath, a.configChan)
	return a, nil
}

// initializeComponents initializes all application components
func (a *App) initializeComponents() error {
	cfg := a.cfg

	a.notifier = slacknotifier.New(cfg.Notifications.SlackWebhookURL)
	if a.notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}
	a.alerter = notifications.NewAlerter(a.notifier)

	cache, err := storage.NewDescriptorCache(cfg.Catalog.CacheDir, cfg.Catalog.CacheMaxSize, cfg.Catalog.CacheMaxAge)
	if err != nil {
		return fmt.Errorf("failed to initialize descriptor cache: %w", err)
	}
	a.cache = cache
	logger.Info().Str("directory", cfg.Catalog.CacheDir).
		Int64("max_size_mb", cfg.Catalog.CacheMaxSize/(1024*1024)).
		Dur("max_age", cfg.Catalog.CacheMaxAge).
		Msg("Descriptor cache initialized")

	a.registry, err = descriptor.NewRegistry(descriptor.WithCache(cache))
	if err != nil {
		return fmt.Errorf("failed to load builtin catalog: %w", err)
	}
	if cfg.Catalog.Path != "" {
		if err := a.registry.LoadFile(cfg.Catalog.Path); err != nil {
			return fmt.Errorf("failed to load catalog %s: %w", cfg.Catalog.Path, err)
		}
		logger.Info().Str("path", cfg.Catalog.Path).Msg("Loaded additional model catalog")
	}

	if a.transport == nil {
		a.transport = transport.New(transport.Options{})
	}
	a.manager = device.NewManager(a.transport, a.registry, managerOptions(cfg))
	a.manager.OnEvent(a.handleEvent)

	if a.resolver == nil && cfg.Discovery.Enabled {
		a.resolver = discovery.NewScanner(cfg.Discovery.ServiceType, cfg.Discovery.Domain)
	}

	a.server = api.New(a.manager, api.Options{
		Address:     cfg.API.Address,
		RateLimit:   cfg.API.RateLimit,
		RateBurst:   cfg.API.RateBurst,
		CORSOrigins: cfg.API.CORSOrigins,
		Ready:       a.Ready,
	})
	return nil
}

func managerOptions(cfg *config.Config) device.Options {
	pollTimeout := cfg.Polling.Timeout * time.Duration(cfg.Polling.Retries+1)
	if pollTimeout > cfg.Polling.Interval {
		pollTimeout = cfg.Polling.Interval
	}
	return device.Options{
		Client: client.Options{
			Timeout:                 cfg.Polling.Timeout,
			Retries:                 cfg.Polling.Retries,
			RetryDelay:              cfg.Polling.RetryDelay,
			MaxPropertiesPerRequest: cfg.Polling.MaxPropertiesPerRequest,
		},
		Poll: coordinator.Options{
			Interval:    cfg.Polling.Interval,
			PollTimeout: pollTimeout,
			MaxBackoff:  cfg.Polling.MaxBackoff,
			Multiplier:  cfg.Polling.BackoffMultiplier,
		},
		SetupTimeout: setupTimeout,
	}
}

// Manager exposes the device manager.
func (a *App) Manager() *device.Manager { return a.manager }

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Ready reports whether initial device setup has run and the MQTT broker,
// when configured, is connected.
func (a *App) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.started.Load() {
		return errors.New("device setup in progress")
	}
	a.mu.Lock()
	bridge := a.bridge
	a.mu.Unlock()
	if bridge != nil && !bridge.IsConnected() {
		return errors.New("MQTT broker not connected")
	}
	return nil
}

// Run starts the application and blocks until ctx is cancelled or an
// interrupt is received.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.startAlerter(ctx)

	if a.cfg.MQTT.Enabled() {
		bridge, err := mqtt.Connect(mqtt.Options{
			Broker:      a.cfg.MQTT.Broker,
			ClientID:    a.cfg.MQTT.ClientID,
			Username:    a.cfg.MQTT.Username,
			Password:    a.cfg.MQTT.Password,
			TopicPrefix: a.cfg.MQTT.TopicPrefix,
			QoS:         a.cfg.MQTT.QoS,
		}, a.manager)
		if err != nil {
			a.manager.Stop()
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		a.mu.Lock()
		a.bridge = bridge
		a.mu.Unlock()
	}

	a.startServer()
	a.configWatcher.Start(ctx)

	a.setupDevices(ctx)
	a.started.Store(true)

	a.startConfigListener(ctx)
	a.startSetupRetry(ctx)
	if a.resolver != nil {
		a.startResolver(ctx)
	}

	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	a.performGracefulShutdown()
	return nil
}

// Reload asks the config watcher to re-read the configuration file.
func (a *App) Reload() {
	a.configWatcher.Trigger()
}

func (a *App) startAlerter(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.alerter.Run(ctx)
	}()
}

func (a *App) startServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.server.ListenAndServe(); err != nil {
			logger.Error().Err(err).Msg("HTTP API server failed")
		}
	}()
}

// handleEvent fans every coordinator event out to alerts and MQTT.
func (a *App) handleEvent(d *device.Device, ev coordinator.Event) {
	a.alerter.HandleEvent(d.ID(), d.Model(), ev)

	a.mu.Lock()
	bridge := a.bridge
	a.mu.Unlock()
	if bridge != nil {
		bridge.HandleEvent(d.ID(), d.Entities(), ev)
	}
}

// setupDevices adds every configured device. Failures are queued for retry.
func (a *App) setupDevices(ctx context.Context) {
	devices := a.Config().Devices
	logger.Info().Int("count", len(devices)).Msg("Setting up configured devices")

	var wg sync.WaitGroup
	for _, dc := range devices {
		wg.Add(1)
		go func(dc config.DeviceConfig) {
			defer wg.Done()
			a.addDevice(ctx, dc)
		}(dc)
	}
	wg.Wait()
}

func (a *App) addDevice(ctx context.Context, dc config.DeviceConfig) bool {
	token, err := protocol.ParseToken(dc.Token)
	if err != nil {
		// config validation makes this unreachable for loaded files
		logger.Error().Err(err).Str("device_id", dc.Name).Msg("Invalid device token")
		return false
	}

	_, err = a.manager.Add(ctx, device.Config{
		Name:         dc.Name,
		Host:         dc.Host,
		Token:        token,
		Model:        dc.Model,
		DeviceID:     dc.DeviceID,
		PollInterval: dc.PollInterval,
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn().Err(err).Str("device_id", dc.Name).Str("host", dc.Host).
				Dur("retry_in", a.setupRetry).Msg("Device setup failed")
			a.pending[dc.Name] = dc
		}
		return false
	}
	delete(a.pending, dc.Name)
	return true
}

// Pending lists the devices waiting for a setup retry.
func (a *App) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.pending))
	for name := range a.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *App) startSetupRetry(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.setupRetry)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.retryPending(ctx)
			}
		}
	}()
}

func (a *App) retryPending(ctx context.Context) {
	a.mu.Lock()
	retry := make([]config.DeviceConfig, 0, len(a.pending))
	for _, dc := range a.pending {
		retry = append(retry, dc)
	}
	a.mu.Unlock()

	for _, dc := range retry {
		if ctx.Err() != nil {
			return
		}
		if a.addDevice(ctx, dc) {
			logger.Info().Str("device_id", dc.Name).Msg("Device setup succeeded on retry")
		}
	}
}

// startResolver periodically browses mDNS and follows devices to new
// addresses.
func (a *App) startResolver(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.resolveAddresses(ctx)

		ticker := time.NewTicker(a.Config().Discovery.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info().Msg("Address resolver shutting down")
				return
			case <-ticker.C:
				a.resolveAddresses(ctx)
			}
		}
	}()
}

func (a *App) resolveAddresses(ctx context.Context) {
	found, err := a.resolver.Discover(ctx, a.Config().Discovery.Timeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error().Err(err).Msg("mDNS address resolution failed")
		a.alerter.SendDiscoveryFailure(err)
		return
	}
	a.applyResolved(ctx, found)
}

// applyResolved re-addresses configured devices found at a new IP. Devices
// that are not configured are only logged.
func (a *App) applyResolved(ctx context.Context, found []*discovery.Device) {
	ctx, cancel := context.WithTimeout(ctx, readdressTimeout)
	defer cancel()

	names := a.manager.DeviceIDs(ctx)
	for _, fd := range found {
		name, ok := names[fd.DeviceID]
		if !ok {
			logger.Debug().Uint32("did", fd.DeviceID).Str("model", fd.Model).
				Str("address", fd.Host()).Msg("Ignoring unconfigured device")
			continue
		}
		dev, err := a.manager.Get(name)
		if err != nil || dev.Host() == fd.Host() {
			continue
		}
		if err := a.manager.Readdress(ctx, name, fd.Host()); err != nil {
			logger.Warn().Err(err).Str("device_id", name).Str("address", fd.Host()).
				Msg("Failed to re-address device")
		}
	}
}

func (a *App) startConfigListener(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case cfg := <-a.configChan:
				a.UpdateConfig(ctx, cfg)
			}
		}
	}()
}

// UpdateConfig applies a reloaded configuration to the running bridge.
// Devices are added, removed, re-keyed or re-timed in place; listener and
// broker settings need a restart.
func (a *App) UpdateConfig(ctx context.Context, newCfg *config.Config) {
	a.mu.Lock()
	oldCfg := a.cfg
	a.cfg = newCfg
	a.mu.Unlock()

	if newCfg.Logging.Level != oldCfg.Logging.Level {
		logger.Initialize(newCfg.Logging.Level)
		logger.Info().Str("level", newCfg.Logging.Level).Msg("Log level updated")
	}
	if newCfg.Notifications.SlackWebhookURL != oldCfg.Notifications.SlackWebhookURL {
		a.notifier.UpdateWebhookURL(newCfg.Notifications.SlackWebhookURL)
		logger.Info().Bool("enabled", a.notifier.IsEnabled()).Msg("Slack webhook updated")
	}
	if newCfg.MQTT != oldCfg.MQTT || newCfg.API.Address != oldCfg.API.Address {
		logger.Warn().Msg("MQTT and API listener changes take effect after a restart")
	}

	a.reconcileDevices(ctx, oldCfg, newCfg)
	logger.Info().Int("devices", a.manager.Count()).Msg("Application configuration updated")
}

func (a *App) reconcileDevices(ctx context.Context, oldCfg, newCfg *config.Config) {
	wanted := make(map[string]config.DeviceConfig, len(newCfg.Devices))
	for _, dc := range newCfg.Devices {
		wanted[dc.Name] = dc
	}

	for _, old := range oldCfg.Devices {
		if _, keep := wanted[old.Name]; !keep {
			a.removeDevice(old.Name)
		}
	}

	for _, dc := range newCfg.Devices {
		old, existed := oldCfg.Device(dc.Name)
		if _, err := a.manager.Get(dc.Name); err != nil {
			a.addDevice(ctx, dc)
			continue
		}

		if existed && (old.Host != dc.Host || old.Model != dc.Model || old.DeviceID != dc.DeviceID) {
			logger.Info().Str("device_id", dc.Name).Msg("Device identity changed, re-creating")
			a.removeDevice(dc.Name)
			a.addDevice(ctx, dc)
			continue
		}

		if token, err := protocol.ParseToken(dc.Token); err == nil && !a.manager.TokenMatches(dc.Name, token) {
			if err := a.manager.Repair(ctx, dc.Name, token); err != nil {
				logger.Warn().Err(err).Str("device_id", dc.Name).Msg("Failed to apply new device token")
			} else {
				logger.Info().Str("device_id", dc.Name).Msg("Device token rotated")
			}
		}

		interval := dc.PollInterval
		if interval == 0 {
			interval = newCfg.Polling.Interval
		}
		oldInterval := old.PollInterval
		if oldInterval == 0 {
			oldInterval = oldCfg.Polling.Interval
		}
		if interval != oldInterval {
			if err := a.manager.SetPollInterval(dc.Name, interval); err == nil {
				logger.Info().Str("device_id", dc.Name).Dur("poll_interval", interval).Msg("Poll interval updated")
			}
		}
	}
}

func (a *App) removeDevice(name string) {
	a.mu.Lock()
	delete(a.pending, name)
	bridge := a.bridge
	a.mu.Unlock()

	entities, err := a.manager.Entities(name)
	if err != nil {
		return
	}
	if err := a.manager.Remove(name); err != nil {
		logger.Warn().Err(err).Str("device_id", name).Msg("Failed to remove device")
		return
	}
	if bridge != nil {
		bridge.Forget(name, entities)
	}
}

// performGracefulShutdown handles graceful shutdown of all components
func (a *App) performGracefulShutdown() {
	logger.Info().Msg("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server stopped")
	}

	a.configWatcher.Stop()
	a.manager.Stop()

	a.mu.Lock()
	bridge := a.bridge
	a.mu.Unlock()
	if bridge != nil {
		bridge.Close()
	}

	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()
	logger.Info().Msg("All goroutines finished, exiting")
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	statuses := a.manager.Statuses()
	a.mu.Lock()
	pending := make([]config.DeviceConfig, 0, len(a.pending))
	for _, dc := range a.pending {
		pending = append(pending, dc)
	}
	a.mu.Unlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].Name < pending[j].Name })

	logger.Info().
		Int("managed_devices", len(statuses)).
		Int("pending_setup", len(pending)).
		Dur("setup_retry", a.setupRetry).
		Msg("Device state")

	for _, st := range statuses {
		ev := logger.Info().
			Str("device_id", st.Name).
			Str("model", st.Model).
			Str("host", st.Host).
			Str("state", st.State).
			Bool("available", st.Available).
			Int("consecutive_failures", st.Failures).
			Dur("poll_interval", st.Interval).
			Dur("next_poll", st.NextPoll).
			Str("descriptor_source", string(st.Source)).
			Int("entities", len(st.EntityKeys))
		if !st.Updated.IsZero() {
			ev = ev.Time("last_update", st.Updated)
		}
		if st.Error != "" {
			ev = ev.Str("last_error", st.Error)
		}
		ev.Msg("Managed device")
	}
	for _, dc := range pending {
		logger.Info().
			Str("device_id", dc.Name).
			Str("host", dc.Host).
			Str("model", dc.Model).
			Msg("Device awaiting setup")
	}

	if scanner, ok := a.resolver.(*discovery.Scanner); ok {
		for _, d := range scanner.GetDevices() {
			logger.Info().
				Uint32("did", d.DeviceID).
				Str("model", d.Model).
				Str("address", d.Host()).
				Msg("Resolved device")
		}
	}

	logger.Info().
		Str("slack_breaker", a.notifier.BreakerState()).
		Int64("descriptor_cache_bytes", a.cache.Size()).
		Msg("Support state")

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024)
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}
