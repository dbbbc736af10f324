// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package device owns the set of managed devices. Each device gets its own
// client session, coordinator goroutine and entities; devices share nothing
// but the transport and the descriptor registry.
package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/soothill/miio-bridge/client"
	"github.com/soothill/miio-bridge/coordinator"
	"github.com/soothill/miio-bridge/descriptor"
	"github.com/soothill/miio-bridge/entity"
	"github.com/soothill/miio-bridge/pkg/errors"
	"github.com/soothill/miio-bridge/pkg/logger"
	"github.com/soothill/miio-bridge/pkg/metrics"
	"github.com/soothill/miio-bridge/protocol"
)

const defaultSetupTimeout = 30 * time.Second

// Transport is the shared datagram layer.
type Transport interface {
	client.Requester
	Address(addr string) string
	Close(addr string) error
	CloseAll() error
}

// Listener receives every coordinator event of every device.
type Listener func(d *Device, e coordinator.Event)

// Options configure new devices.
type Options struct {
	Client       client.Options
	Poll         coordinator.Options
	SetupTimeout time.Duration
}

// Manager owns the devices, keyed by name.
type Manager struct {
	transport Transport
	registry  *descriptor.Registry
	factory   *entity.Factory
	opts      Options

	mu        sync.RWMutex
	devices   map[string]*Device
	listeners []Listener
	wg        sync.WaitGroup
	stopped   bool
}

// NewManager creates an empty manager.
func NewManager(t Transport, registry *descriptor.Registry, opts Options) *Manager {
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = defaultSetupTimeout
	}
	return &Manager{
		transport: t,
		registry:  registry,
		factory:   entity.NewFactory(),
		opts:      opts,
		devices:   make(map[string]*Device),
	}
}

// OnEvent registers a listener for devices added afterwards.
func (m *Manager) OnEvent(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Add sets up a device and starts polling it. The device must answer during
// setup: its model is queried when not configured, otherwise it is pinged.
// Polling lasts until ctx is cancelled, the device is removed or the manager
// is stopped.
func (m *Manager) Add(ctx context.Context, cfg Config) (*Device, error) {
	if cfg.Name == "" {
		return nil, errors.NewValidationError("name", cfg.Name, "must not be empty")
	}
	m.mu.RLock()
	_, exists := m.devices[cfg.Name]
	stopped := m.stopped
	m.mu.RUnlock()
	if stopped {
		return nil, errors.ErrConnectionClosed
	}
	if exists {
		return nil, fmt.Errorf("device %s: already managed", cfg.Name)
	}

	log := logger.ForDevice(cfg.Name, cfg.Model)
	setupCtx, cancelSetup := context.WithTimeout(ctx, m.opts.SetupTimeout)
	defer cancelSetup()

	addr := m.transport.Address(cfg.Host)
	id := protocol.Identity{Address: addr, Model: cfg.Model, DeviceID: cfg.DeviceID, Token: cfg.Token}
	session := client.NewSession(cfg.Name, id, m.transport, m.opts.Client)
	abort := func() {
		session.Close()
		_ = m.transport.Close(addr)
	}

	model := cfg.Model
	if model == "" {
		info, err := session.Info(setupCtx)
		if err != nil {
			abort()
			return nil, fmt.Errorf("device %s: query model: %w", cfg.Name, err)
		}
		model = info.Model
		log = logger.ForDevice(cfg.Name, model)
		log.Info().Str("firmware", info.FirmwareVersion).Msg("Detected device model")
	} else if err := session.Ping(setupCtx); err != nil {
		abort()
		return nil, fmt.Errorf("device %s: setup: %w", cfg.Name, err)
	}

	set, err := m.registry.Describe(setupCtx, model, session)
	if err != nil {
		log.Warn().Err(err).Msg("No descriptors available, exposing connectivity only")
	}
	session.SetDialect(set.Dialect, set.ReadMethod)

	pollOpts := m.opts.Poll
	if cfg.PollInterval > 0 {
		pollOpts.Interval = cfg.PollInterval
		if pollOpts.PollTimeout > cfg.PollInterval {
			pollOpts.PollTimeout = cfg.PollInterval
		}
	}

	dev := &Device{
		name:    cfg.Name,
		model:   model,
		host:    cfg.Host,
		addr:    addr,
		session: session,
		set:     set,
		coord:   coordinator.New(cfg.Name, set, session, pollOpts),
		token:   cfg.Token,
		byName:  make(map[string]entity.Entity),
		done:    make(chan struct{}),
	}
	dev.entities = m.factory.Build(dev, set)
	for _, e := range dev.entities {
		dev.byName[e.Name()] = e
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		abort()
		return nil, errors.ErrConnectionClosed
	}
	if _, exists := m.devices[cfg.Name]; exists {
		m.mu.Unlock()
		session.Close()
		return nil, fmt.Errorf("device %s: already managed", cfg.Name)
	}
	for _, l := range m.listeners {
		dev.coord.Subscribe(func(e coordinator.Event) { l(dev, e) })
	}
	dev.coord.Subscribe(func(coordinator.Event) { m.updateAvailability() })

	devCtx, cancel := context.WithCancel(ctx)
	dev.cancel = cancel
	m.devices[cfg.Name] = dev
	metrics.DevicesConfigured.Set(float64(len(m.devices)))

	m.wg.Add(1)
	go m.poll(devCtx, dev)
	m.mu.Unlock()

	log.Info().Str("address", addr).Str("source", string(set.Source)).
		Int("descriptors", len(set.Descriptors)).Int("entities", len(dev.entities)).
		Msg("Device added")
	return dev, nil
}

func (m *Manager) poll(ctx context.Context, dev *Device) {
	defer m.wg.Done()
	defer close(dev.done)
	dev.coord.Run(ctx)
}

// Remove stops polling a device, aborts its in-flight request and drops its
// entities. Commands still issued through entities obtained earlier fail with
// errors.ErrDeviceRemoved.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	dev, ok := m.devices[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("device %s: %w", name, errors.ErrDeviceNotFound)
	}
	delete(m.devices, name)
	metrics.DevicesConfigured.Set(float64(len(m.devices)))
	m.mu.Unlock()

	m.teardown(dev)
	m.updateAvailability()
	logger.Info().Str("device_id", name).Msg("Device removed")
	return nil
}

func (m *Manager) teardown(dev *Device) {
	dev.cancel()
	dev.session.Close()
	_ = m.transport.Close(dev.address())
	<-dev.done
	metrics.ForgetDevice(dev.name, dev.model)
}

// Get returns a device by name.
func (m *Manager) Get(name string) (*Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.devices[name]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", name, errors.ErrDeviceNotFound)
	}
	return dev, nil
}

// List returns all devices sorted by name.
func (m *Manager) List() []*Device {
	m.mu.RLock()
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Status summarizes one device.
func (m *Manager) Status(name string) (Status, error) {
	dev, err := m.Get(name)
	if err != nil {
		return Status{}, err
	}
	return dev.Status(), nil
}

// Statuses summarizes every device, sorted by name.
func (m *Manager) Statuses() []Status {
	devices := m.List()
	out := make([]Status, 0, len(devices))
	for _, d := range devices {
		out = append(out, d.Status())
	}
	return out
}

// Count returns the number of managed devices.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// Entities returns a device's entities.
func (m *Manager) Entities(name string) ([]entity.Entity, error) {
	dev, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	return dev.Entities(), nil
}

// Entity returns one entity of a device.
func (m *Manager) Entity(name, entityName string) (entity.Entity, error) {
	dev, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	e, ok := dev.Entity(entityName)
	if !ok {
		return nil, fmt.Errorf("device %s entity %s: %w", name, entityName, errors.ErrDeviceNotFound)
	}
	return e, nil
}

// Execute runs an entity command.
func (m *Manager) Execute(ctx context.Context, name, entityName, command string, params map[string]any) error {
	e, err := m.Entity(name, entityName)
	if err != nil {
		return err
	}
	err = e.Execute(ctx, command, params)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
		logger.Warn().Err(err).Str("device_id", name).Str("entity_id", e.ID()).
			Str("command", command).Msg("Entity command failed")
	}
	metrics.EntityCommands.WithLabelValues(string(e.Kind()), result).Inc()
	return err
}

// Refresh polls a device now and returns the resulting snapshot.
func (m *Manager) Refresh(ctx context.Context, name string) (*coordinator.Snapshot, error) {
	dev, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	return dev.coord.RefreshNow(ctx)
}

// Repair rotates a device token. The session is held exclusively while the
// token changes, so no poll runs with a half-updated identity.
func (m *Manager) Repair(ctx context.Context, name string, token protocol.Token) error {
	dev, err := m.Get(name)
	if err != nil {
		return err
	}
	if err := dev.session.Rekey(ctx, token); err != nil {
		return fmt.Errorf("device %s: rekey: %w", name, err)
	}
	dev.mu.Lock()
	dev.token = token
	dev.mu.Unlock()
	dev.coord.Refresh()
	return nil
}

// TokenMatches reports whether the device currently uses token.
func (m *Manager) TokenMatches(name string, token protocol.Token) bool {
	dev, err := m.Get(name)
	if err != nil {
		return false
	}
	dev.mu.RLock()
	defer dev.mu.RUnlock()
	return dev.token.Equal(token)
}

// Readdress moves a device to a new host, e.g. after a DHCP change.
func (m *Manager) Readdress(ctx context.Context, name, host string) error {
	dev, err := m.Get(name)
	if err != nil {
		return err
	}
	old := dev.address()
	addr := m.transport.Address(host)
	if addr == old {
		return nil
	}
	if err := dev.session.Readdress(ctx, addr); err != nil {
		return err
	}
	_ = m.transport.Close(old)
	dev.mu.Lock()
	dev.host, dev.addr = host, addr
	dev.mu.Unlock()

	logger.Info().Str("device_id", name).Str("address", addr).Msg("Device re-addressed")
	dev.coord.Refresh()
	return nil
}

// DeviceIDs maps the numeric device id learned at handshake to device names.
func (m *Manager) DeviceIDs(ctx context.Context) map[uint32]string {
	out := make(map[uint32]string)
	for _, dev := range m.List() {
		id, err := dev.session.Identity(ctx)
		if err != nil || id.DeviceID == 0 {
			continue
		}
		out[id.DeviceID] = dev.name
	}
	return out
}

// SetPollInterval changes one device's poll interval.
func (m *Manager) SetPollInterval(name string, d time.Duration) error {
	dev, err := m.Get(name)
	if err != nil {
		return err
	}
	dev.coord.SetInterval(d)
	return nil
}

func (m *Manager) updateAvailability() {
	available := 0
	for _, dev := range m.List() {
		if dev.coord.Snapshot().Available() {
			available++
		}
	}
	metrics.DevicesAvailable.Set(float64(available))
}

// Stop removes every device and closes the transport.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	devices := make([]*Device, 0, len(m.devices))
	for name, dev := range m.devices {
		logger.Info().Str("device_id", name).Msg("Stopping device polling")
		dev.cancel()
		devices = append(devices, dev)
	}
	m.devices = make(map[string]*Device)
	m.mu.Unlock()

	for _, dev := range devices {
		dev.session.Close()
	}

	_ = m.transport.CloseAll()
	m.wg.Wait()
	for _, dev := range devices {
		metrics.ForgetDevice(dev.name, dev.model)
	}
	metrics.DevicesConfigured.Set(0)
	metrics.DevicesAvailable.Set(0)
}
