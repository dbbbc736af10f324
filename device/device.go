// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/soothill/miio-bridge/client"
	"github.com/soothill/miio-bridge/coordinator"
	"github.com/soothill/miio-bridge/descriptor"
	"github.com/soothill/miio-bridge/entity"
	"github.com/soothill/miio-bridge/protocol"
)

// Config is the setup input for one device.
type Config struct {
	Name         string
	Host         string
	Token        protocol.Token
	Model        string        // queried with miIO.info when empty
	DeviceID     uint32        // learned from the handshake when zero
	PollInterval time.Duration // overrides the manager default when set
}

// Device is one managed device: its session, descriptors, coordinator and
// entities. It is the entity.DeviceHandle for its entities.
type Device struct {
	name    string
	model   string
	session *client.Session
	set     *descriptor.Set
	coord   *coordinator.Coordinator

	mu    sync.RWMutex
	host  string
	addr  string
	token protocol.Token

	entities []entity.Entity
	byName   map[string]entity.Entity

	cancel context.CancelFunc
	done   chan struct{}
}

// Status is a point-in-time summary of a device.
type Status struct {
	Name       string            `json:"name"`
	Model      string            `json:"model"`
	Host       string            `json:"host"`
	Source     descriptor.Source `json:"descriptor_source"`
	State      string            `json:"state"`
	Available  bool              `json:"available"`
	Failures   int               `json:"consecutive_failures"`
	Updated    time.Time         `json:"last_update,omitempty"`
	Error      string            `json:"error,omitempty"`
	Interval   time.Duration     `json:"poll_interval"`
	NextPoll   time.Duration     `json:"next_poll"`
	EntityKeys []string          `json:"entities"`
}

// ID implements entity.DeviceHandle.
func (d *Device) ID() string { return d.name }

// Model implements entity.DeviceHandle.
func (d *Device) Model() string { return d.model }

// Host returns the current host.
func (d *Device) Host() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.host
}

func (d *Device) address() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.addr
}

// Descriptors returns the resolved descriptor set.
func (d *Device) Descriptors() *descriptor.Set { return d.set }

// Coordinator returns the device's poll coordinator.
func (d *Device) Coordinator() *coordinator.Coordinator { return d.coord }

// Snapshot implements entity.DeviceHandle.
func (d *Device) Snapshot() *coordinator.Snapshot { return d.coord.Snapshot() }

// SetProperty writes through the client and schedules a refresh. The
// snapshot is never touched here; the next poll reflects the write.
func (d *Device) SetProperty(ctx context.Context, desc *descriptor.Descriptor, value any) error {
	err := d.session.SetProperty(ctx, desc, value)
	if err == nil {
		d.coord.Refresh()
	}
	return err
}

// Action invokes an action and schedules a refresh.
func (d *Device) Action(ctx context.Context, desc *descriptor.Descriptor, params []any) error {
	err := d.session.Action(ctx, desc, params)
	if err == nil {
		d.coord.Refresh()
	}
	return err
}

// Entities returns the device's entities.
func (d *Device) Entities() []entity.Entity { return d.entities }

// Entity looks up an entity by name.
func (d *Device) Entity(name string) (entity.Entity, bool) {
	e, ok := d.byName[name]
	return e, ok
}

// Status summarizes the device.
func (d *Device) Status() Status {
	snap := d.coord.Snapshot()
	st := Status{
		Name:      d.name,
		Model:     d.model,
		Host:      d.Host(),
		Source:    d.set.Source,
		State:     d.coord.Status().String(),
		Available: snap.Available(),
		Failures:  snap.Failures,
		Updated:   snap.Updated,
		Interval:  d.coord.Interval(),
		NextPoll:  d.coord.NextDelay(),
	}
	if snap.Err != nil {
		st.Error = snap.Err.Error()
	}
	for _, e := range d.entities {
		st.EntityKeys = append(st.EntityKeys, e.Name())
	}
	sort.Strings(st.EntityKeys)
	return st
}
