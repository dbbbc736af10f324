// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines the narrow contracts the outer surfaces (HTTP,
// MQTT, alerting, address resolution) depend on, so each can be tested
// against fakes instead of live devices.
package interfaces

import (
	"context"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	// SendAlert sends a notification with the given level, title, and message.
	SendAlert(ctx context.Context, level, title, message string) error
	// IsEnabled returns true if the notifier is configured and enabled.
	IsEnabled() bool
}
