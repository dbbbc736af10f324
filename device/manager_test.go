// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/soothill/miio-bridge/client"
	"github.com/soothill/miio-bridge/coordinator"
	"github.com/soothill/miio-bridge/descriptor"
	"github.com/soothill/miio-bridge/entity"
	apperrors "github.com/soothill/miio-bridge/pkg/errors"
	"github.com/soothill/miio-bridge/protocol"
	"github.com/soothill/miio-bridge/transport"
)

const testToken = "00112233445566778899aabbccddeeff"

// simDevice is an in-memory miIO device keyed by address.
type simDevice struct {
	mu       sync.Mutex
	deviceID uint32
	token    protocol.Token
	model    string
	props    map[string]any
	offline  bool
	sets     []protocol.Request
	// rejectSets, when non-zero, is the error code returned to set_* calls.
	rejectSets int
}

// fakeTransport routes frames to simulated devices.
type fakeTransport struct {
	mu      sync.Mutex
	devices map[string]*simDevice
	closed  []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{devices: make(map[string]*simDevice)}
}

func (f *fakeTransport) add(t *testing.T, host string, id uint32, model string, props map[string]any) *simDevice {
	t.Helper()
	tok, err := protocol.ParseToken(testToken)
	require.NoError(t, err)
	d := &simDevice{deviceID: id, token: tok, model: model, props: props}
	f.mu.Lock()
	f.devices[f.Address(host)] = d
	f.mu.Unlock()
	return d
}

func (f *fakeTransport) Address(host string) string {
	if strings.Contains(host, ":") {
		return host
	}
	return fmt.Sprintf("%s:%d", host, protocol.DefaultPort)
}

func (f *fakeTransport) Close(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, addr)
	return nil
}

func (f *fakeTransport) CloseAll() error { return nil }

func (f *fakeTransport) Request(ctx context.Context, addr string, frame []byte, timeout time.Duration, match transport.Matcher) ([]byte, error) {
	f.mu.Lock()
	d, ok := f.devices[addr]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", addr, apperrors.ErrTimeout)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.offline {
		return nil, fmt.Errorf("%s: %w", addr, apperrors.ErrTimeout)
	}

	if protocol.IsHello(frame) {
		return protocol.EncodeHelloReply(d.deviceID, 500, nil), nil
	}

	id := protocol.Identity{DeviceID: d.deviceID, Token: d.token}
	msg, err := protocol.Decode(&id, frame)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", addr, apperrors.ErrTimeout)
	}
	var req protocol.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, err
	}

	var result any
	var errBody map[string]any
	switch {
	case d.rejectSets != 0 && strings.HasPrefix(req.Method, "set_"):
		d.sets = append(d.sets, req)
		errBody = map[string]any{"code": d.rejectSets, "message": "rejected"}
	default:
		result = d.answer(req)
	}

	body := map[string]any{"id": req.ID, "result": result}
	if errBody != nil {
		body = map[string]any{"id": req.ID, "error": errBody}
	}
	payload, _ := json.Marshal(body)
	reply, err := protocol.Encode(&id, 501, payload)
	if err != nil {
		return nil, err
	}
	if ok, err := match(reply); err != nil || !ok {
		return nil, fmt.Errorf("%s: %w", addr, apperrors.ErrTimeout)
	}
	return reply, nil
}

// answer must be called with d.mu held.
func (d *simDevice) answer(req protocol.Request) any {
	var result any
	switch req.Method {
	case client.MethodInfo:
		result = map[string]any{"model": d.model, "fw_ver": "1.0.0"}
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
		d.sets = append(d.sets, req)
		result = []string{"ok"}
	}
	return result
}

func (d *simDevice) setOffline(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offline = v
}

func (d *simDevice) rejectWrites(code int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejectSets = code
}

func (d *simDevice) writes() []protocol.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Request(nil), d.sets...)
}

func newTestManager(t *testing.T, ft *fakeTransport) *Manager {
	t.Helper()
	reg, err := descriptor.NewRegistry()
	require.NoError(t, err)
	m := NewManager(ft, reg, Options{
		Client: client.Options{
			Timeout:       50 * time.Millisecond,
			RetryDelay:    time.Millisecond,
			HandshakeRate: rate.Inf,
		},
		Poll: coordinator.Options{
			Interval:    20 * time.Millisecond,
			PollTimeout: 200 * time.Millisecond,
			MaxBackoff:  100 * time.Millisecond,
		},
	})
	t.Cleanup(m.Stop)
	return m
}

func testCfg(t *testing.T, name, host, model string) Config {
	t.Helper()
	tok, err := protocol.ParseToken(testToken)
	require.NoError(t, err)
	return Config{Name: name, Host: host, Token: tok, Model: model}
}

func waitAvailable(t *testing.T, d *Device, want bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.Snapshot().Available() == want
	}, 2*time.Second, 5*time.Millisecond)
}

func bulbProps() map[string]any {
	return map[string]any{"power": "on", "bright": 40, "cct": 50, "snm": 1, "dv": 0}
}

func TestAddBuildsEntitiesAndPolls(t *testing.T) {
	ft := newFakeTransport()
	ft.add(t, "10.0.0.2", 101, "philips.light.bulb", bulbProps())
	m := newTestManager(t, ft)

	dev, err := m.Add(context.Background(), testCfg(t, "bulb", "10.0.0.2", "philips.light.bulb"))
	require.NoError(t, err)
	assert.Equal(t, descriptor.SourceCatalog, dev.Descriptors().Source)

	waitAvailable(t, dev, true)

	light, err := m.Entity("bulb", "light")
	require.NoError(t, err)
	st, err := light.State()
	require.NoError(t, err)
	assert.Equal(t, "on", st.Value)
	assert.Equal(t, 40.0, st.Attributes["brightness"])

	status := dev.Status()
	assert.True(t, status.Available)
	assert.Contains(t, status.EntityKeys, "light")
}

func TestAddDetectsModel(t *testing.T) {
	ft := newFakeTransport()
	ft.add(t, "10.0.0.3", 102, "chuangmi.plug.m1", map[string]any{"power": "on"})
	m := newTestManager(t, ft)

	dev, err := m.Add(context.Background(), testCfg(t, "plug", "10.0.0.3", ""))
	require.NoError(t, err)
	assert.Equal(t, "chuangmi.plug.m1", dev.Model())
}

func TestAddFailsWhenDeviceDoesNotAnswer(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)

	_, err := m.Add(context.Background(), testCfg(t, "bulb", "10.0.0.2", "philips.light.bulb"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.Equal(t, 0, m.Count())
	assert.Contains(t, ft.closed, "10.0.0.2:54321")
}

func TestAddRejectsDuplicates(t *testing.T) {
	ft := newFakeTransport()
	ft.add(t, "10.0.0.2", 101, "philips.light.bulb", bulbProps())
	m := newTestManager(t, ft)

	_, err := m.Add(context.Background(), testCfg(t, "bulb", "10.0.0.2", "philips.light.bulb"))
	require.NoError(t, err)
	_, err = m.Add(context.Background(), testCfg(t, "bulb", "10.0.0.2", "philips.light.bulb"))
	assert.Error(t, err)
	assert.Equal(t, 1, m.Count())
}

func TestFaultIsolation(t *testing.T) {
	ft := newFakeTransport()
	a := ft.add(t, "10.0.0.10", 1, "philips.light.bulb", bulbProps())
	ft.add(t, "10.0.0.11", 2, "philips.light.bulb", bulbProps())
	ft.add(t, "10.0.0.12", 3, "philips.light.bulb", bulbProps())
	m := newTestManager(t, ft)

	var devs []*Device
	for i, host := range []string{"10.0.0.10", "10.0.0.11", "10.0.0.12"} {
		d, err := m.Add(context.Background(), testCfg(t, fmt.Sprintf("bulb%d", i), host, "philips.light.bulb"))
		require.NoError(t, err)
		devs = append(devs, d)
	}
	for _, d := range devs {
		waitAvailable(t, d, true)
	}

	a.setOffline(true)
	waitAvailable(t, devs[0], false)

	_, err := devs[0].Entities()[0].State()
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)

	for _, d := range devs[1:] {
		before := d.Snapshot().Updated
		require.Eventually(t, func() bool {
			return d.Snapshot().Updated.After(before)
		}, 2*time.Second, 5*time.Millisecond)
		assert.True(t, d.Snapshot().Available())
	}

	a.setOffline(false)
	waitAvailable(t, devs[0], true)
}

func TestEventsReachListeners(t *testing.T) {
	ft := newFakeTransport()
	ft.add(t, "10.0.0.2", 101, "philips.light.bulb", bulbProps())
	m := newTestManager(t, ft)

	events := make(chan coordinator.Event, 16)
	m.OnEvent(func(d *Device, e coordinator.Event) {
		assert.Equal(t, "bulb", d.ID())
		select {
		case events <- e:
		default:
		}
	})

	_, err := m.Add(context.Background(), testCfg(t, "bulb", "10.0.0.2", "philips.light.bulb"))
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, "bulb", e.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestExecuteWritesThroughClient(t *testing.T) {
	ft := newFakeTransport()
	sim := ft.add(t, "10.0.0.2", 101, "philips.light.bulb", bulbProps())
	m := newTestManager(t, ft)

	dev, err := m.Add(context.Background(), testCfg(t, "bulb", "10.0.0.2", "philips.light.bulb"))
	require.NoError(t, err)
	waitAvailable(t, dev, true)

	err = m.Execute(context.Background(), "bulb", "light", entity.CommandTurnOn, map[string]any{"brightness": 150})
	assert.ErrorIs(t, err, apperrors.ErrOutOfRange)
	assert.Empty(t, sim.writes())

	require.NoError(t, m.Execute(context.Background(), "bulb", "light", entity.CommandTurnOn, map[string]any{"brightness": 70}))
	writes := sim.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "set_bright", writes[0].Method)

	err = m.Execute(context.Background(), "bulb", "nope", entity.CommandTurnOn, nil)
	assert.ErrorIs(t, err, apperrors.ErrDeviceNotFound)
}

func TestRejectedWriteKeepsSnapshot(t *testing.T) {
	ft := newFakeTransport()
	sim := ft.add(t, "10.0.0.2", 101, "philips.light.bulb", bulbProps())
	m := newTestManager(t, ft)

	cfg := testCfg(t, "bulb", "10.0.0.2", "philips.light.bulb")
	cfg.PollInterval = time.Minute
	dev, err := m.Add(context.Background(), cfg)
	require.NoError(t, err)
	waitAvailable(t, dev, true)

	sim.rejectWrites(-4005)
	before := dev.Snapshot()
	err = m.Execute(context.Background(), "bulb", "light", entity.CommandTurnOn, map[string]any{"brightness": 70})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDeviceReported)
	assert.ErrorIs(t, err, apperrors.ErrOutOfRange)

	var de *apperrors.DeviceError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, -4005, de.Code)

	after := dev.Snapshot()
	assert.Same(t, before, after)
	assert.Equal(t, 40.0, after.Values["bright"])
	require.Len(t, sim.writes(), 1, "the write reached the device")
}

func TestRemove(t *testing.T) {
	ft := newFakeTransport()
	ft.add(t, "10.0.0.2", 101, "philips.light.bulb", bulbProps())
	m := newTestManager(t, ft)

	dev, err := m.Add(context.Background(), testCfg(t, "bulb", "10.0.0.2", "philips.light.bulb"))
	require.NoError(t, err)
	waitAvailable(t, dev, true)

	require.NoError(t, m.Remove("bulb"))
	assert.Equal(t, 0, m.Count())
	assert.Contains(t, ft.closed, "10.0.0.2:54321")

	_, err = m.Get("bulb")
	assert.ErrorIs(t, err, apperrors.ErrDeviceNotFound)
	assert.ErrorIs(t, m.Remove("bulb"), apperrors.ErrDeviceNotFound)
}

func TestWriteAfterRemoveIsRejected(t *testing.T) {
	ft := newFakeTransport()
	sim := ft.add(t, "10.0.0.2", 101, "philips.light.bulb", bulbProps())
	m := newTestManager(t, ft)

	dev, err := m.Add(context.Background(), testCfg(t, "bulb", "10.0.0.2", "philips.light.bulb"))
	require.NoError(t, err)
	waitAvailable(t, dev, true)
	light, ok := dev.Entity("light")
	require.True(t, ok)

	require.NoError(t, m.Remove("bulb"))

	err = light.Execute(context.Background(), entity.CommandTurnOn, map[string]any{"brightness": 70})
	assert.ErrorIs(t, err, apperrors.ErrDeviceRemoved)
	err = light.Execute(context.Background(), entity.CommandTurnOff, nil)
	assert.ErrorIs(t, err, apperrors.ErrDeviceRemoved)
	assert.Empty(t, sim.writes(), "nothing reaches the device after removal")
}

func TestRepairAndReaddress(t *testing.T) {
	ft := newFakeTransport()
	ft.add(t, "10.0.0.2", 101, "philips.light.bulb", bulbProps())
	ft.add(t, "10.0.0.9", 101, "philips.light.bulb", bulbProps())
	m := newTestManager(t, ft)

	cfg := testCfg(t, "bulb", "10.0.0.2", "philips.light.bulb")
	dev, err := m.Add(context.Background(), cfg)
	require.NoError(t, err)
	waitAvailable(t, dev, true)

	assert.True(t, m.TokenMatches("bulb", cfg.Token))
	require.NoError(t, m.Repair(context.Background(), "bulb", cfg.Token))

	require.NoError(t, m.Readdress(context.Background(), "bulb", "10.0.0.9"))
	assert.Equal(t, "10.0.0.9", dev.Host())
	assert.Contains(t, ft.closed, "10.0.0.2:54321")

	ids := m.DeviceIDs(context.Background())
	assert.Equal(t, "bulb", ids[101])
}

func TestSetPollInterval(t *testing.T) {
	ft := newFakeTransport()
	ft.add(t, "10.0.0.2", 101, "philips.light.bulb", bulbProps())
	m := newTestManager(t, ft)

	dev, err := m.Add(context.Background(), testCfg(t, "bulb", "10.0.0.2", "philips.light.bulb"))
	require.NoError(t, err)
	require.NoError(t, m.SetPollInterval("bulb", time.Minute))
	assert.Equal(t, time.Minute, dev.Coordinator().Interval())
	assert.ErrorIs(t, m.SetPollInterval("missing", time.Minute), apperrors.ErrDeviceNotFound)
}

func TestStopRejectsAdd(t *testing.T) {
	ft := newFakeTransport()
	m := newTestManager(t, ft)
	m.Stop()
	_, err := m.Add(context.Background(), testCfg(t, "bulb", "10.0.0.2", "philips.light.bulb"))
	assert.ErrorIs(t, err, apperrors.ErrConnectionClosed)
}
