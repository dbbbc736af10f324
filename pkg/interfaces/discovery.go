// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
	"time"

	"github.com/soothill/miio-bridge/discovery"
)

// AddressResolver finds the current network address of advertised devices.
// Implementations resolve addresses only; they never pair devices.
type AddressResolver interface {
	// Discover browses for the given duration and returns what was seen
	Discover(ctx context.Context, timeout time.Duration) ([]*discovery.Device, error)

	// GetDeviceByID returns the last resolution for a device id, or nil
	GetDeviceByID(deviceID uint32) *discovery.Device
}
