// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"

	"github.com/soothill/miio-bridge/coordinator"
	"github.com/soothill/miio-bridge/device"
	"github.com/soothill/miio-bridge/entity"
)

// DeviceRegistry is the read and command surface over managed devices.
type DeviceRegistry interface {
	// Statuses summarizes every device, sorted by name
	Statuses() []device.Status

	// Status summarizes one device or returns ErrDeviceNotFound
	Status(name string) (device.Status, error)

	// Entities returns a device's entities
	Entities(name string) ([]entity.Entity, error)

	// Entity returns one entity of a device
	Entity(name, entityName string) (entity.Entity, error)

	// Execute runs an entity command; a refresh follows a successful write
	Execute(ctx context.Context, name, entityName, command string, params map[string]any) error

	// Refresh polls a device now, joining a poll already in flight
	Refresh(ctx context.Context, name string) (*coordinator.Snapshot, error)
}

var _ DeviceRegistry = (*device.Manager)(nil)
