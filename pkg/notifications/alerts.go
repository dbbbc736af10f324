// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notifications turns device availability changes into operator alerts.
//
// # Alerts
//
// The Alerter sends:
//   - device unavailable, once per outage (the first failed poll after a success or at startup)
//   - device recovered, when a poll succeeds after an outage
//   - re-pairing required, instead of "unavailable" when the device rejected the token
//   - address resolution failure, when an mDNS pass fails
//
// # Delivery
//
// Availability events are raised from inside the poll loop, so the Alerter
// never sends on the caller's goroutine. Alerts are queued and delivered in
// order by a single worker; when the queue is full the alert is dropped and
// logged. Delivery failures are logged and never reach the poll loop.
//
// # Example Usage
//
//	alerter := notifications.NewAlerter(slacknotifier.New(webhookURL))
//	go alerter.Run(ctx)
//	manager.OnEvent(func(d *device.Device, ev coordinator.Event) {
//	    alerter.HandleEvent(d.ID(), d.Model(), ev)
//	})
package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soothill/miio-bridge/coordinator"
	apperrors "github.com/soothill/miio-bridge/pkg/errors"
	"github.com/soothill/miio-bridge/pkg/interfaces"
	"github.com/soothill/miio-bridge/pkg/logger"
)

const (
	queueSize   = 32
	sendTimeout = 10 * time.Second
)

// Alert is one queued notification.
type Alert struct {
	Severity string
	Title    string
	Message  string
}

// Alerter formats and delivers availability alerts.
type Alerter struct {
	notifier interfaces.Notifier
	queue    chan Alert
	timeout  time.Duration
}

// NewAlerter creates an alerter that delivers through notifier.
func NewAlerter(notifier interfaces.Notifier) *Alerter {
	return &Alerter{
		notifier: notifier,
		queue:    make(chan Alert, queueSize),
		timeout:  sendTimeout,
	}
}

// IsEnabled reports whether alerts will be delivered anywhere.
func (a *Alerter) IsEnabled() bool {
	return a.notifier != nil && a.notifier.IsEnabled()
}

// Run delivers queued alerts until ctx is done.
func (a *Alerter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-a.queue:
			a.deliver(ctx, alert)
		}
	}
}

func (a *Alerter) deliver(ctx context.Context, alert Alert) {
	sendCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.notifier.SendAlert(sendCtx, alert.Severity, alert.Title, alert.Message); err != nil {
		logger.Error().Err(err).Str("title", alert.Title).Msg("Failed to send alert")
	}
}

// enqueue never blocks.
func (a *Alerter) enqueue(alert Alert) bool {
	if !a.IsEnabled() {
		return false
	}
	select {
	case a.queue <- alert:
		return true
	default:
		logger.Warn().Str("title", alert.Title).Msg("Alert queue full, dropping alert")
		return false
	}
}

// HandleEvent raises the alert matching an availability transition, if any.
func (a *Alerter) HandleEvent(name, model string, ev coordinator.Event) {
	switch {
	case ev.Lost && ev.Snapshot != nil && errors.Is(ev.Snapshot.Err, apperrors.ErrUnauthorized):
		a.SendUnauthorized(name, model)
	case ev.Lost:
		var err error
		if ev.Snapshot != nil {
			err = ev.Snapshot.Err
		}
		a.SendDeviceLost(name, model, err)
	case ev.Recovered:
		a.SendDeviceRecovered(name, model)
	}
}

// SendDeviceLost queues an alert for a device that stopped answering.
func (a *Alerter) SendDeviceLost(name, model string, cause error) bool {
	msg := fmt.Sprintf("Device %s (%s) stopped answering and its entities are unavailable.", name, model)
	if cause != nil {
		msg += fmt.Sprintf("\nLast error: %v", cause)
	}
	return a.enqueue(Alert{Severity: "danger", Title: "⚠️ Device Unavailable", Message: msg})
}

// SendDeviceRecovered queues an alert for a device that is answering again.
func (a *Alerter) SendDeviceRecovered(name, model string) bool {
	return a.enqueue(Alert{
		Severity: "good",
		Title:    "✅ Device Recovered",
		Message:  fmt.Sprintf("Device %s (%s) is answering again.", name, model),
	})
}

// SendUnauthorized queues an alert for a device whose token no longer works.
func (a *Alerter) SendUnauthorized(name, model string) bool {
	return a.enqueue(Alert{
		Severity: "danger",
		Title:    "🔑 Device Needs Re-pairing",
		Message:  fmt.Sprintf("Device %s (%s) rejected the configured token. Update the token in the configuration and reload.", name, model),
	})
}

// SendDiscoveryFailure queues an alert for a failed address resolution pass.
func (a *Alerter) SendDiscoveryFailure(err error) bool {
	return a.enqueue(Alert{
		Severity: "warning",
		Title:    "⚠️ Address Resolution Failure",
		Message:  fmt.Sprintf("Failed to resolve miIO device addresses via mDNS: %v", err),
	})
}
