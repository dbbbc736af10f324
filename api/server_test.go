// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/miio-bridge/coordinator"
	"github.com/soothill/miio-bridge/descriptor"
	"github.com/soothill/miio-bridge/device"
	"github.com/soothill/miio-bridge/entity"
	apperrors "github.com/soothill/miio-bridge/pkg/errors"
)

type fakeEntity struct {
	name     string
	state    entity.State
	stateErr error
	execErr  error
	executed []string
}

func (e *fakeEntity) ID() string { return "lamp." + e.name }
func (e *fakeEntity) Name() string { return e.name }
func (e *fakeEntity) Kind() descriptor.Kind { return descriptor.KindSwitch }
func (e *fakeEntity) Descriptors() []*descriptor.Descriptor { return nil }
func (e *fakeEntity) Info() entity.Info {
	return entity.Info{ID: e.ID(), Name: e.name, Kind: e.Kind(), Commands: []string{"turn_on", "turn_off"}}
}
func (e *fakeEntity) State() (entity.State, error) { return e.state, e.stateErr }
func (e *fakeEntity) Execute(_ context.Context, command string, _ map[string]any) error {
	e.executed = append(e.executed, command)
	return e.execErr
}

type fakeRegistry struct {
	statuses []device.Status
	entities map[string][]entity.Entity
	snap     *coordinator.Snapshot
	execErr  error
}

func (f *fakeRegistry) Statuses() []device.Status { return f.statuses }

func (f *fakeRegistry) Status(name string) (device.Status, error) {
	for _, s := range f.statuses {
		if s.Name == name {
			return s, nil
		}
	}
	return device.Status{}, fmt.Errorf("%w: %s", apperrors.ErrDeviceNotFound, name)
}

func (f *fakeRegistry) Entities(name string) ([]entity.Entity, error) {
	ents, ok := f.entities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrDeviceNotFound, name)
	}
	return ents, nil
}

func (f *fakeRegistry) Entity(name, entityName string) (entity.Entity, error) {
	ents, err := f.Entities(name)
	if err != nil {
		return nil, err
	}
	for _, e := range ents {
		if e.Name() == entityName {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", apperrors.ErrDeviceNotFound, name, entityName)
}

func (f *fakeRegistry) Execute(ctx context.Context, name, entityName, command string, params map[string]any) error {
	if f.execErr != nil {
		return f.execErr
	}
	e, err := f.Entity(name, entityName)
	if err != nil {
		return err
	}
	return e.Execute(ctx, command, params)
}

func (f *fakeRegistry) Refresh(_ context.Context, name string) (*coordinator.Snapshot, error) {
	if _, err := f.Status(name); err != nil {
		return nil, err
	}
	return f.snap, nil
}

func newFakeRegistry() (*fakeRegistry, *fakeEntity) {
	power := &fakeEntity{name: "power", state: entity.State{Value: true, Updated: time.Now()}}
	return &fakeRegistry{
		statuses: []device.Status{{Name: "lamp", Model: "yeelink.light.color1", Host: "192.168.1.20", State: "updated", Available: true}},
		entities: map[string][]entity.Entity{"lamp": {power}},
		snap:     &coordinator.Snapshot{Status: coordinator.StatusUpdated, Values: map[string]any{"power": true}},
	}, power
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) Problem {
	t.Helper()
	var p Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestHealth(t *testing.T) {
	reg, _ := newFakeRegistry()
	s := New(reg, Options{})

	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestReady(t *testing.T) {
	reg, _ := newFakeRegistry()

	ready := New(reg, Options{Ready: func(context.Context) error { return nil }})
	rec := do(t, ready.Handler(), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "READY", rec.Body.String())

	notReady := New(reg, Options{Ready: func(context.Context) error { return errors.New("no devices") }})
	rec = do(t, notReady.Handler(), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no devices")
}

func TestListDevices(t *testing.T) {
	reg, _ := newFakeRegistry()
	s := New(reg, Options{})

	rec := do(t, s.Handler(), http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Devices []device.Status `json:"devices"`
		Total   int             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, "lamp", body.Devices[0].Name)
}

func TestGetDevice(t *testing.T) {
	reg, _ := newFakeRegistry()
	s := New(reg, Options{})

	rec := do(t, s.Handler(), http.MethodGet, "/api/devices/lamp", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st device.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "yeelink.light.color1", st.Model)

	rec = do(t, s.Handler(), http.MethodGet, "/api/devices/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeProblem(t, rec).Error)
}

func TestListEntities(t *testing.T) {
	reg, power := newFakeRegistry()
	broken := &fakeEntity{name: "mode", stateErr: apperrors.ErrUnavailable}
	reg.entities["lamp"] = append(reg.entities["lamp"], broken)
	s := New(reg, Options{})

	rec := do(t, s.Handler(), http.MethodGet, "/api/devices/lamp/entities", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Entities []EntityView `json:"entities"`
		Total    int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Total)

	assert.Equal(t, power.ID(), body.Entities[0].ID)
	assert.True(t, body.Entities[0].Available)
	require.NotNil(t, body.Entities[0].State)
	assert.Equal(t, true, body.Entities[0].State.Value)

	assert.False(t, body.Entities[1].Available)
	assert.Nil(t, body.Entities[1].State)
}

func TestRefresh(t *testing.T) {
	reg, _ := newFakeRegistry()
	s := New(reg, Options{})

	rec := do(t, s.Handler(), http.MethodPost, "/api/devices/lamp/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view SnapshotView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "updated", view.Status)
	assert.Equal(t, true, view.Values["power"])

	reg.snap = &coordinator.Snapshot{Status: coordinator.StatusDegraded, Failures: 3, Err: apperrors.ErrTimeout}
	rec = do(t, s.Handler(), http.MethodPost, "/api/devices/lamp/refresh", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "degraded", view.Status)
	assert.Equal(t, 3, view.Failures)
	assert.Contains(t, view.Error, "timeout")
}

func TestCommand(t *testing.T) {
	reg, power := newFakeRegistry()
	s := New(reg, Options{})

	rec := do(t, s.Handler(), http.MethodPost, "/api/devices/lamp/entities/power", `{"command":"turn_off"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"turn_off"}, power.executed)

	var view EntityView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "power", view.Name)
}

func TestCommandBadRequest(t *testing.T) {
	reg, power := newFakeRegistry()
	s := New(reg, Options{})

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"missing command", `{"params":{"level":3}}`},
		{"invalid json", `{"command":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s.Handler(), http.MethodPost, "/api/devices/lamp/entities/power", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "invalid_body", decodeProblem(t, rec).Error)
		})
	}
	assert.Empty(t, power.executed)
}

func TestCommandErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", apperrors.NewValidationError("level", 200, "above maximum"), http.StatusBadRequest, "invalid_value"},
		{"local range check", apperrors.NewRangeError("level", 200, "above maximum"), http.StatusBadRequest, "invalid_value"},
		{"unavailable", fmt.Errorf("lamp.power: %w", apperrors.ErrUnavailable), http.StatusServiceUnavailable, "unavailable"},
		{"unauthorized", apperrors.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{"device out of range", apperrors.NewDeviceError("lamp", "set_bright", apperrors.CodeValueOutOfRange, "bad"), http.StatusUnprocessableEntity, "rejected_by_device"},
		{"device unsupported", apperrors.NewDeviceError("lamp", "set_x", apperrors.CodeMethodNotFound, ""), http.StatusUnprocessableEntity, "rejected_by_device"},
		{"device busy", apperrors.NewDeviceError("lamp", "set_power", apperrors.CodeUserAckTimeout, ""), http.StatusServiceUnavailable, "device_busy"},
		{"device other", apperrors.NewDeviceError("lamp", "set_power", -1, "failed"), http.StatusBadGateway, "device_error"},
		{"timeout", apperrors.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
		{"removed", apperrors.ErrDeviceRemoved, http.StatusGone, "device_removed"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newFakeRegistry()
			reg.execErr = tt.err
			s := New(reg, Options{})

			rec := do(t, s.Handler(), http.MethodPost, "/api/devices/lamp/entities/power", `{"command":"turn_on"}`)
			assert.Equal(t, tt.status, rec.Code)
			p := decodeProblem(t, rec)
			assert.Equal(t, tt.code, p.Error)
			assert.NotEmpty(t, p.RequestID)
		})
	}
}

func TestCommandUnknownEntity(t *testing.T) {
	reg, _ := newFakeRegistry()
	s := New(reg, Options{})

	rec := do(t, s.Handler(), http.MethodPost, "/api/devices/lamp/entities/nope", `{"command":"turn_on"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	reg, _ := newFakeRegistry()
	s := New(reg, Options{})

	req := httptest.NewRequest(http.MethodGet, "/api/devices/missing", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
	assert.Equal(t, "abc-123", decodeProblem(t, rec).RequestID)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, strings.Repeat("x", 200))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Len(t, rec.Header().Get(requestIDHeader), 36)
}

func TestRateLimit(t *testing.T) {
	reg, _ := newFakeRegistry()
	s := New(reg, Options{RateLimit: 0.001, RateBurst: 2})

	for i := 0; i < 2; i++ {
		rec := do(t, s.Handler(), http.MethodGet, "/api/devices", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, s.Handler(), http.MethodGet, "/api/devices", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeProblem(t, rec).Error)

	// probes have their own budget
	rec = do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	reg, _ := newFakeRegistry()
	s := New(reg, Options{CORSOrigins: []string{"https://dash.example.com"}})

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	reg, _ := newFakeRegistry()
	s := New(reg, Options{})

	rec := do(t, s.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
