// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package mqtt

import (
	"crypto/tls"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultCommandTimeout    = 30 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	defaultMaxReconnect      = 2 * time.Minute
	defaultTopicPrefix       = "miio"

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Options configures the broker connection.
type Options struct {
	Broker      string // tcp://host:1883, ssl://host:8883, ws://...
	ClientID    string // generated when empty
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

func (o *Options) setDefaults() {
	if o.ClientID == "" {
		o.ClientID = "miio-bridge-" + uuid.NewString()[:8]
	}
	o.TopicPrefix = strings.TrimRight(o.TopicPrefix, "/")
	if o.TopicPrefix == "" {
		o.TopicPrefix = defaultTopicPrefix
	}
}

// buildClientOptions translates Options to paho options. The will marks the
// bridge offline if the connection drops without a clean disconnect.
func buildClientOptions(opts Options) *pahomqtt.ClientOptions {
	co := pahomqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}

	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetMaxReconnectInterval(defaultMaxReconnect)
	co.SetConnectTimeout(defaultConnectTimeout)
	co.SetKeepAlive(defaultKeepAlive)
	// commands may take seconds on a slow device
	co.SetOrderMatters(false)

	if strings.HasPrefix(opts.Broker, "ssl://") || strings.HasPrefix(opts.Broker, "tls://") ||
		strings.HasPrefix(opts.Broker, "mqtts://") || strings.HasPrefix(opts.Broker, "wss://") {
		co.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	co.SetWill(Topics{Prefix: opts.TopicPrefix}.Status(), payloadOffline, 1, true)
	return co
}
