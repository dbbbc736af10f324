// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package mqtt mirrors entity state to an MQTT broker and accepts commands.
//
// Topics, under a configurable prefix:
//
//	<prefix>/bridge/status                  online/offline (retained, will)
//	<prefix>/<device>/availability          online/offline (retained)
//	<prefix>/<device>/<entity>/state        JSON entity state (retained)
//	<prefix>/<device>/<entity>/set          command input
//
// A command payload is either {"command":"set_value","params":{"value":3}}
// or a bare command name such as turn_on.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/soothill/miio-bridge/coordinator"
	"github.com/soothill/miio-bridge/entity"
	"github.com/soothill/miio-bridge/pkg/logger"
	"github.com/soothill/miio-bridge/pkg/metrics"
)

var (
	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed is returned when a publish is not acknowledged.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when the command subscription fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")
)

// Client is the part of the paho client the bridge uses.
type Client interface {
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
}

// Commander executes entity commands.
type Commander interface {
	Execute(ctx context.Context, device, entity, command string, params map[string]any) error
}

// command is the JSON command payload.
type command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Bridge publishes coordinator events and dispatches commands.
type Bridge struct {
	client    Client
	commander Commander
	topics    Topics
	qos       byte

	mu        sync.Mutex
	available map[string]bool // last published availability per device
}

// Connect dials the broker and returns a started bridge.
func Connect(opts Options, commander Commander) (*Bridge, error) {
	opts.setDefaults()
	co := buildClientOptions(opts)

	var b *Bridge
	co.SetOnConnectHandler(func(_ pahomqtt.Client) {
		// clean sessions drop subscriptions; restore them on every connect
		if b != nil {
			if err := b.subscribe(); err != nil {
				logger.Error().Err(err).Msg("Failed to restore MQTT command subscription")
			}
			b.republish()
		}
	})
	co.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn().Err(err).Str("broker", opts.Broker).Msg("MQTT connection lost")
	})

	client := pahomqtt.NewClient(co)
	b = New(client, commander, opts)

	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if err := b.Start(); err != nil {
		client.Disconnect(defaultDisconnectQuiesce)
		return nil, err
	}
	logger.Info().Str("broker", opts.Broker).Str("client_id", opts.ClientID).
		Str("prefix", opts.TopicPrefix).Msg("Connected to MQTT broker")
	return b, nil
}

// New creates a bridge over an already configured client.
func New(client Client, commander Commander, opts Options) *Bridge {
	opts.setDefaults()
	return &Bridge{
		client:    client,
		commander: commander,
		topics:    Topics{Prefix: opts.TopicPrefix},
		qos:       opts.QoS,
		available: make(map[string]bool),
	}
}

// Topics returns the topic builder.
func (b *Bridge) Topics() Topics { return b.topics }

// Start subscribes to commands and marks the bridge online.
func (b *Bridge) Start() error {
	if err := b.subscribe(); err != nil {
		return err
	}
	return b.publish(b.topics.Status(), true, []byte(payloadOnline))
}

func (b *Bridge) subscribe() error {
	token := b.client.Subscribe(b.topics.CommandFilter(), b.qos, b.handleMessage)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout", ErrSubscribeFailed)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// republish re-sends retained availability after a reconnect.
func (b *Bridge) republish() {
	b.mu.Lock()
	state := make(map[string]bool, len(b.available))
	for k, v := range b.available {
		state[k] = v
	}
	b.mu.Unlock()

	_ = b.publish(b.topics.Status(), true, []byte(payloadOnline))
	for device, online := range state {
		_ = b.publish(b.topics.Availability(device), true, []byte(availabilityPayload(online)))
	}
}

// IsConnected reports the broker connection state.
func (b *Bridge) IsConnected() bool {
	return b.client.IsConnected()
}

// HandleEvent publishes a device's availability and the state of each
// available entity.
func (b *Bridge) HandleEvent(device string, entities []entity.Entity, ev coordinator.Event) {
	online := ev.Snapshot.Available()

	b.mu.Lock()
	b.available[device] = online
	b.mu.Unlock()

	if err := b.publish(b.topics.Availability(device), true, []byte(availabilityPayload(online))); err != nil {
		logger.Warn().Err(err).Str("device_id", device).Msg("Failed to publish availability")
	}
	if !online {
		return
	}

	for _, e := range entities {
		st, err := e.State()
		if err != nil {
			continue
		}
		payload, err := json.Marshal(st)
		if err != nil {
			logger.Warn().Err(err).Str("entity_id", e.ID()).Msg("Failed to encode entity state")
			continue
		}
		if err := b.publish(b.topics.State(device, e.Name()), true, payload); err != nil {
			logger.Warn().Err(err).Str("entity_id", e.ID()).Msg("Failed to publish entity state")
		}
	}
}

// Forget clears a removed device's retained topics.
func (b *Bridge) Forget(device string, entities []entity.Entity) {
	b.mu.Lock()
	delete(b.available, device)
	b.mu.Unlock()

	// an empty retained message deletes the retained value
	_ = b.publish(b.topics.Availability(device), true, []byte{})
	for _, e := range entities {
		_ = b.publish(b.topics.State(device, e.Name()), true, []byte{})
	}
}

func (b *Bridge) handleMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("topic", msg.Topic()).Msg("MQTT command handler panic recovered")
		}
	}()

	device, entityName, ok := b.topics.ParseCommand(msg.Topic())
	if !ok {
		logger.Debug().Str("topic", msg.Topic()).Msg("Ignoring message on unexpected topic")
		return
	}
	cmd, err := parseCommand(msg.Payload())
	if err != nil {
		logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Invalid MQTT command payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultCommandTimeout)
	defer cancel()
	if err := b.commander.Execute(ctx, device, entityName, cmd.Command, cmd.Params); err != nil {
		logger.Warn().Err(err).
			Str("device_id", device).
			Str("entity", entityName).
			Str("command", cmd.Command).
			Msg("MQTT command failed")
		return
	}
	logger.Debug().Str("device_id", device).Str("entity", entityName).
		Str("command", cmd.Command).Msg("MQTT command executed")
}

func parseCommand(payload []byte) (command, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return command{}, errors.New("empty payload")
	}
	if strings.HasPrefix(trimmed, "{") {
		var cmd command
		if err := json.Unmarshal([]byte(trimmed), &cmd); err != nil {
			return command{}, fmt.Errorf("decode command: %w", err)
		}
		if cmd.Command == "" {
			return command{}, errors.New("command is required")
		}
		return cmd, nil
	}
	return command{Command: trimmed}, nil
}

func (b *Bridge) publish(topic string, retained bool, payload []byte) error {
	token := b.client.Publish(topic, b.qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		metrics.MQTTPublishes.WithLabelValues(metrics.ResultTimeout).Inc()
		return fmt.Errorf("%w: %s: timeout", ErrPublishFailed, topic)
	}
	if err := token.Error(); err != nil {
		metrics.MQTTPublishes.WithLabelValues(metrics.ResultError).Inc()
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	metrics.MQTTPublishes.WithLabelValues(metrics.ResultSuccess).Inc()
	return nil
}

// Close marks the bridge offline and disconnects.
func (b *Bridge) Close() {
	if b.client.IsConnected() {
		if err := b.publish(b.topics.Status(), true, []byte(payloadOffline)); err != nil {
			logger.Debug().Err(err).Msg("Failed to publish offline status")
		}
	}
	b.client.Disconnect(defaultDisconnectQuiesce)
}

func availabilityPayload(online bool) string {
	if online {
		return payloadOnline
	}
	return payloadOffline
}
