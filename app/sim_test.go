// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soothill/miio-bridge/client"
	apperrors "github.com/soothill/miio-bridge/pkg/errors"
	"github.com/soothill/miio-bridge/protocol"
	"github.com/soothill/miio-bridge/transport"
)

const (
	testToken  = "00112233445566778899aabbccddeeff"
	otherToken = "ffeeddccbbaa99887766554433221100"
)

// simDevice is an in-memory miIO device.
type simDevice struct {
	mu       sync.Mutex
	deviceID uint32
	token    protocol.Token
	model    string
	props    map[string]any
	offline  bool
	calls    []protocol.Request
}

func (d *simDevice) setToken(t *testing.T, token string) {
	t.Helper()
	tok, err := protocol.ParseToken(token)
	require.NoError(t, err)
	d.mu.Lock()
	d.token = tok
	d.mu.Unlock()
}

func (d *simDevice) setOffline(v bool) {
	d.mu.Lock()
	d.offline = v
	d.mu.Unlock()
}

func (d *simDevice) writes() []protocol.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []protocol.Request
	for _, c := range d.calls {
		if c.Method != client.MethodGetProp && c.Method != client.MethodInfo {
			out = append(out, c)
		}
	}
	return out
}

// simTransport routes frames to simulated devices by address.
type simTransport struct {
	mu      sync.Mutex
	devices map[string]*simDevice
}

func newSimTransport() *simTransport {
	return &simTransport{devices: make(map[string]*simDevice)}
}

func (s *simTransport) add(t *testing.T, host string, id uint32, model string, props map[string]any) *simDevice {
	t.Helper()
	tok, err := protocol.ParseToken(testToken)
	require.NoError(t, err)
	d := &simDevice{deviceID: id, token: tok, model: model, props: props}
	s.attach(host, d)
	return d
}

// attach makes d reachable at host as well, e.g. after a DHCP change.
func (s *simTransport) attach(host string, d *simDevice) {
	s.mu.Lock()
	s.devices[s.Address(host)] = d
	s.mu.Unlock()
}

func (s *simTransport) detach(host string) {
	s.mu.Lock()
	delete(s.devices, s.Address(host))
	s.mu.Unlock()
}

func (s *simTransport) Address(host string) string {
	if strings.Contains(host, ":") {
		return host
	}
	return fmt.Sprintf("%s:%d", host, protocol.DefaultPort)
}

func (s *simTransport) Close(string) error { return nil }

func (s *simTransport) CloseAll() error { return nil }

func (s *simTransport) Request(_ context.Context, addr string, frame []byte, _ time.Duration, match transport.Matcher) ([]byte, error) {
	s.mu.Lock()
	d, ok := s.devices[addr]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", addr, apperrors.ErrTimeout)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.offline {
		return nil, fmt.Errorf("%s: %w", addr, apperrors.ErrTimeout)
	}
	if protocol.IsHello(frame) {
		return protocol.EncodeHelloReply(d.deviceID, 1000, nil), nil
	}

	id := protocol.Identity{DeviceID: d.deviceID, Token: d.token}
	msg, err := protocol.Decode(&id, frame)
	if err != nil {
		// a device silently drops frames it cannot decrypt
		return nil, fmt.Errorf("%s: %w", addr, apperrors.ErrTimeout)
	}
	var req protocol.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, err
	}
	d.calls = append(d.calls, req)

	var result any
	switch req.Method {
	case client.MethodInfo:
		result = map[string]any{"model": d.model, "fw_ver": "1.4.2"}
	case client.MethodGetProp:
		var names []string
		raw, _ := json.Marshal(req.Params)
		_ = json.Unmarshal(raw, &names)
		values := make([]any, len(names))
		for i, n := range names {
			values[i] = d.props[n]
		}
		result = values
	default:
		result = []string{"ok"}
	}

	payload, _ := json.Marshal(map[string]any{"id": req.ID, "result": result})
	reply, err := protocol.Encode(&id, 1001, payload)
	if err != nil {
		return nil, err
	}
	if ok, err := match(reply); err != nil || !ok {
		return nil, fmt.Errorf("%s: %w", addr, apperrors.ErrTimeout)
	}
	return reply, nil
}

func plugProps() map[string]any {
	return map[string]any{"power": "on", "temperature": 31, "wifi_led": "off"}
}
