// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the miIO bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DevicesConfigured tracks the number of devices under management
	DevicesConfigured = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "miio_devices_configured",
		Help: "Number of devices currently managed by the bridge",
	})

	// DevicesAvailable tracks the number of devices whose last poll succeeded
	DevicesAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "miio_devices_available",
		Help: "Number of devices whose last poll succeeded",
	})

	// DevicesResolved tracks the devices seen during the last mDNS resolution
	DevicesResolved = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "miio_devices_resolved",
		Help: "Number of miIO devices seen during the last mDNS resolution",
	})

	// DeviceAvailable is 1 while a device is available and 0 while degraded
	DeviceAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "miio_device_available",
		Help: "Device availability (1 available, 0 degraded)",
	}, []string{"device_id", "model"})

	// ConsecutiveFailures tracks the current failure streak per device
	ConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "miio_poll_consecutive_failures",
		Help: "Consecutive failed polls per device",
	}, []string{"device_id"})

	// PollsTotal counts poll cycles by result
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miio_polls_total",
		Help: "Total number of poll cycles by result",
	}, []string{"result"})

	// PollDuration tracks how long a poll cycle takes
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "miio_poll_duration_seconds",
		Help:    "Duration of poll cycles in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// RequestsTotal counts device calls by method and result
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miio_requests_total",
		Help: "Total number of device calls by method and result",
	}, []string{"method", "result"})

	// RequestRetries counts retried device calls
	RequestRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "miio_request_retries_total",
		Help: "Total number of device call retries after a timeout",
	})

	// Handshakes counts hello exchanges
	Handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miio_handshakes_total",
		Help: "Total number of hello handshakes by result",
	}, []string{"result"})

	// DescriptorResolutions counts descriptor set resolutions by source
	DescriptorResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miio_descriptor_resolutions_total",
		Help: "Descriptor set resolutions by source",
	}, []string{"source"})

	// EntityCommands counts entity commands by kind and result
	EntityCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miio_entity_commands_total",
		Help: "Total number of entity commands by kind and result",
	}, []string{"kind", "result"})

	// MQTTPublishes counts MQTT publishes by result
	MQTTPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "miio_mqtt_publishes_total",
		Help: "Total number of MQTT publishes by result",
	}, []string{"result"})

	// ResolutionDuration tracks how long an mDNS resolution pass takes
	ResolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "miio_resolution_duration_seconds",
		Help:    "Duration of mDNS address resolution in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

// ForgetDevice drops per-device series for a removed device.
func ForgetDevice(deviceID, model string) {
	DeviceAvailable.DeleteLabelValues(deviceID, model)
	ConsecutiveFailures.DeleteLabelValues(deviceID)
}
