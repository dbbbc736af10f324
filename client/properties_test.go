// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/miio-bridge/descriptor"
	miioerrors "github.com/soothill/miio-bridge/pkg/errors"
	"github.com/soothill/miio-bridge/protocol"
)

func ptr(v float64) *float64 { return &v }

func lightDescriptors() []*descriptor.Descriptor {
	return []*descriptor.Descriptor{
		{Name: "power", Category: descriptor.CategoryBinary, Access: descriptor.AccessRead | descriptor.AccessWrite, TrueValue: "on", FalseValue: "off", Setter: "set_power"},
		{Name: "brightness", Property: "bright", Category: descriptor.CategoryNumeric, Access: descriptor.AccessRead | descriptor.AccessWrite, Min: ptr(1), Max: ptr(100), Step: ptr(1), Setter: "set_bright", SetterArgs: []any{"smooth", 500}},
		{Name: "cct", Category: descriptor.CategoryNumeric, Access: descriptor.AccessRead, Min: ptr(1), Max: ptr(100)},
	}
}

func TestGetPropertiesPositional(t *testing.T) {
	dev := newFakeDevice(t)
	dev.handler = func(req protocol.Request) (any, *protocol.ErrorBody) {
		return []any{"on", 40, "25"}, nil
	}
	s := newTestSession(t, dev, Options{})

	values, err := s.GetProperties(context.Background(), lightDescriptors())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"power": true, "brightness": float64(40), "cct": float64(25)}, values)

	req := dev.lastRequest()
	assert.Equal(t, MethodGetProp, req.Method)
	params, _ := json.Marshal(req.Params)
	assert.JSONEq(t, `["power","bright","cct"]`, string(params))
}

func TestGetPropertiesChunked(t *testing.T) {
	dev := newFakeDevice(t)
	dev.handler = func(req protocol.Request) (any, *protocol.ErrorBody) {
		names := req.Params.([]any)
		out := make([]any, len(names))
		for i := range names {
			out[i] = 10 + i
		}
		return out, nil
	}
	s := newTestSession(t, dev, Options{MaxPropertiesPerRequest: 2})

	values, err := s.GetProperties(context.Background(), lightDescriptors())
	require.NoError(t, err)
	assert.Len(t, values, 3)
	assert.Equal(t, 2, dev.requestCount())
}

func TestGetPropertiesCountMismatchIsMalformed(t *testing.T) {
	dev := newFakeDevice(t)
	dev.handler = func(req protocol.Request) (any, *protocol.ErrorBody) {
		return []any{"on"}, nil
	}
	s := newTestSession(t, dev, Options{})

	_, err := s.GetProperties(context.Background(), lightDescriptors())
	assert.True(t, errors.Is(err, miioerrors.ErrMalformed), "got %v", err)
}

func TestGetPropertiesStatusObject(t *testing.T) {
	dev := newFakeDevice(t)
	dev.handler = func(req protocol.Request) (any, *protocol.ErrorBody) {
		return []any{map[string]any{"state": 8, "battery": 100, "fan_power": 102}}, nil
	}
	s := newTestSession(t, dev, Options{})
	s.SetDialect(descriptor.DialectMiIO, "get_status")

	ds := []*descriptor.Descriptor{
		{Name: "state", Category: descriptor.CategoryEnum, Access: descriptor.AccessRead, Choices: []descriptor.Choice{{Name: "charging", Value: 8}}},
		{Name: "battery", Category: descriptor.CategoryNumeric, Access: descriptor.AccessRead},
	}
	values, err := s.GetProperties(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, 8, values["state"])
	assert.Equal(t, float64(100), values["battery"])
	assert.Equal(t, "get_status", dev.lastRequest().Method)
}

func TestGetPropertiesMiOT(t *testing.T) {
	dev := newFakeDevice(t)
	dev.handler = func(req protocol.Request) (any, *protocol.ErrorBody) {
		return []any{
			map[string]any{"did": "power", "siid": 2, "piid": 2, "code": 0, "value": true},
			map[string]any{"did": "pm25", "siid": 3, "piid": 6, "code": -4001},
		}, nil
	}
	s := newTestSession(t, dev, Options{})
	s.SetDialect(descriptor.DialectMiOT, "")

	ds := []*descriptor.Descriptor{
		{Name: "power", Category: descriptor.CategoryBinary, Access: descriptor.AccessRead | descriptor.AccessWrite, Siid: 2, Piid: 2},
		{Name: "pm25", Category: descriptor.CategoryNumeric, Access: descriptor.AccessRead, Siid: 3, Piid: 6},
	}
	values, err := s.GetProperties(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"power": true}, values)

	req := dev.lastRequest()
	assert.Equal(t, MethodGetProperties, req.Method)
	params, _ := json.Marshal(req.Params)
	assert.JSONEq(t, `[{"did":"power","siid":2,"piid":2},{"did":"pm25","siid":3,"piid":6}]`, string(params))
}

func TestSetPropertyRejectsOutOfRangeWithoutIO(t *testing.T) {
	dev := newFakeDevice(t)
	s := newTestSession(t, dev, Options{})

	err := s.SetProperty(context.Background(), lightDescriptors()[1], 150)
	require.Error(t, err)
	assert.True(t, errors.Is(err, miioerrors.ErrOutOfRange))
	assert.Equal(t, 0, dev.requestCount())
	assert.Equal(t, 0, dev.hellos)

	err = s.SetProperty(context.Background(), lightDescriptors()[2], 10)
	assert.True(t, errors.Is(err, miioerrors.ErrNotWritable))
	assert.Equal(t, 0, dev.requestCount())
}

func TestSetPropertyMiIO(t *testing.T) {
	dev := newFakeDevice(t)
	s := newTestSession(t, dev, Options{})

	require.NoError(t, s.SetProperty(context.Background(), lightDescriptors()[1], 60))
	req := dev.lastRequest()
	assert.Equal(t, "set_bright", req.Method)
	params, _ := json.Marshal(req.Params)
	assert.JSONEq(t, `[60,"smooth",500]`, string(params))

	require.NoError(t, s.SetProperty(context.Background(), lightDescriptors()[0], false))
	params, _ = json.Marshal(dev.lastRequest().Params)
	assert.JSONEq(t, `["off"]`, string(params))
}

func TestSetPropertyIsNotRetried(t *testing.T) {
	dev := newFakeDevice(t)
	dev.drop = 1
	s := newTestSession(t, dev, Options{Retries: 3})

	err := s.SetProperty(context.Background(), lightDescriptors()[0], true)
	assert.True(t, errors.Is(err, miioerrors.ErrTimeout))
	assert.Equal(t, 1, dev.requestCount())
}

func TestSetPropertyRetriesWhenDescriptorAllows(t *testing.T) {
	dev := newFakeDevice(t)
	dev.drop = 1
	s := newTestSession(t, dev, Options{Retries: 3})

	power := lightDescriptors()[0]
	power.RetryWrite = true
	require.NoError(t, s.SetProperty(context.Background(), power, true))
	require.Equal(t, 2, dev.requestCount())
	params, _ := json.Marshal(dev.lastRequest().Params)
	assert.JSONEq(t, `["on"]`, string(params))
}

func TestSetPropertyErrorResult(t *testing.T) {
	dev := newFakeDevice(t)
	dev.handler = func(req protocol.Request) (any, *protocol.ErrorBody) {
		return []string{"error"}, nil
	}
	s := newTestSession(t, dev, Options{})

	err := s.SetProperty(context.Background(), lightDescriptors()[0], true)
	assert.True(t, errors.Is(err, miioerrors.ErrDeviceReported), "got %v", err)
}

func TestSetPropertyMiOTCode(t *testing.T) {
	dev := newFakeDevice(t)
	dev.handler = func(req protocol.Request) (any, *protocol.ErrorBody) {
		return []any{map[string]any{"did": "level", "siid": 10, "piid": 10, "code": -4005}}, nil
	}
	s := newTestSession(t, dev, Options{})
	s.SetDialect(descriptor.DialectMiOT, "")

	d := &descriptor.Descriptor{Name: "level", Category: descriptor.CategoryNumeric, Access: descriptor.AccessRead | descriptor.AccessWrite, Min: ptr(0), Max: ptr(14), Siid: 10, Piid: 10}
	err := s.SetProperty(context.Background(), d, 7)
	assert.True(t, errors.Is(err, miioerrors.ErrOutOfRange), "got %v", err)

	params, _ := json.Marshal(dev.lastRequest().Params)
	assert.JSONEq(t, `[{"did":"level","siid":10,"piid":10,"value":7}]`, string(params))
}

func TestAction(t *testing.T) {
	dev := newFakeDevice(t)
	s := newTestSession(t, dev, Options{})

	start := &descriptor.Descriptor{Name: "start", Category: descriptor.CategoryAction, Access: descriptor.AccessWrite, Method: "app_start"}
	require.NoError(t, s.Action(context.Background(), start, nil))
	assert.Equal(t, "app_start", dev.lastRequest().Method)

	s.SetDialect(descriptor.DialectMiOT, "")
	dev.handler = func(req protocol.Request) (any, *protocol.ErrorBody) {
		return map[string]any{"did": "toggle", "siid": 2, "aiid": 1, "code": 0}, nil
	}
	toggle := &descriptor.Descriptor{Name: "toggle", Category: descriptor.CategoryAction, Access: descriptor.AccessWrite, Siid: 2, Aiid: 1}
	require.NoError(t, s.Action(context.Background(), toggle, nil))
	req := dev.lastRequest()
	assert.Equal(t, MethodAction, req.Method)
	params, _ := json.Marshal(req.Params)
	assert.JSONEq(t, `{"did":"toggle","siid":2,"aiid":1,"in":[]}`, string(params))

	err := s.Action(context.Background(), lightDescriptors()[0], nil)
	assert.True(t, miioerrors.IsValidationError(err))
}

func TestInfoAndIntrospect(t *testing.T) {
	dev := newFakeDevice(t)
	dev.handler = func(req protocol.Request) (any, *protocol.ErrorBody) {
		switch req.Method {
		case MethodInfo:
			return map[string]any{"model": "acme.widget.v1", "fw_ver": "1.2.3", "hw_ver": "esp32", "mac": "aa:bb"}, nil
		case MethodDescribe:
			return []any{map[string]any{
				"properties": []any{map[string]any{"name": "power", "type": "bool", "access": "rw"}},
			}}, nil
		}
		return nil, &protocol.ErrorBody{Code: miioerrors.CodeMethodNotFound}
	}
	s := newTestSession(t, dev, Options{})

	info, err := s.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "acme.widget.v1", info.Model)
	assert.Equal(t, "1.2.3", info.FirmwareVersion)

	in, err := s.Introspect(context.Background())
	require.NoError(t, err)
	require.Len(t, in.Properties, 1)
	assert.Equal(t, "power", in.Properties[0].Name)
}
