// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/soothill/miio-bridge/descriptor"
	"github.com/soothill/miio-bridge/pkg/errors"
)

// Well-known methods.
const (
	MethodInfo          = "miIO.info"
	MethodDescribe      = "miIO.describe"
	MethodGetProp       = "get_prop"
	MethodGetProperties = "get_properties"
	MethodSetProperties = "set_properties"
	MethodAction        = "action"
)

// Info is the answer to miIO.info.
type Info struct {
	Model           string `json:"model"`
	FirmwareVersion string `json:"fw_ver"`
	HardwareVersion string `json:"hw_ver"`
	MAC             string `json:"mac"`
}

// Info queries model and firmware details.
func (s *Session) Info(ctx context.Context) (*Info, error) {
	raw, err := s.Call(ctx, MethodInfo, nil, Read)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, errors.NewMalformed(fmt.Sprintf("%s result: %v", MethodInfo, err))
	}
	return &info, nil
}

// Introspect asks the device to describe its own properties and actions.
func (s *Session) Introspect(ctx context.Context) (*descriptor.Introspection, error) {
	raw, err := s.Call(ctx, MethodDescribe, nil, Read)
	if err != nil {
		return nil, err
	}
	var in descriptor.Introspection
	if err := json.Unmarshal(raw, &in); err == nil && len(in.Properties) > 0 {
		return &in, nil
	}
	// Some firmwares wrap the object in a one element list.
	var wrapped []descriptor.Introspection
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped) == 1 {
		return &wrapped[0], nil
	}
	return nil, errors.NewMalformed(MethodDescribe + " result has no properties")
}

type miotProperty struct {
	DID   string `json:"did"`
	Siid  int    `json:"siid"`
	Piid  int    `json:"piid"`
	Code  int    `json:"code,omitempty"`
	Value any    `json:"value,omitempty"`
}

type miotAction struct {
	DID  string `json:"did"`
	Siid int    `json:"siid"`
	Aiid int    `json:"aiid"`
	In   []any  `json:"in"`
	Code int    `json:"code,omitempty"`
}

// GetProperties reads the given descriptors and returns normalized values
// keyed by descriptor name. Reads are split into chunks when
// MaxPropertiesPerRequest is set; any failed chunk fails the whole read.
// Properties the device reports individually as failed are omitted.
func (s *Session) GetProperties(ctx context.Context, ds []*descriptor.Descriptor) (map[string]any, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	values := make(map[string]any, len(ds))
	chunk := s.opts.MaxPropertiesPerRequest
	if chunk <= 0 {
		chunk = len(ds)
	}
	for start := 0; start < len(ds); start += chunk {
		end := min(start+chunk, len(ds))
		if err := s.readChunk(ctx, ds[start:end], values); err != nil {
			return nil, err
		}
	}
	return values, nil
}

func (s *Session) readChunk(ctx context.Context, ds []*descriptor.Descriptor, into map[string]any) error {
	dialect, readMethod := s.wire()
	if dialect == descriptor.DialectMiOT {
		return s.readMiOT(ctx, ds, into)
	}
	if readMethod == "" {
		readMethod = MethodGetProp
	}

	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.WireName()
	}
	raw, err := s.call(ctx, readMethod, names, Read)
	if err != nil {
		return err
	}
	byName, positional, err := decodeReadResult(raw)
	if err != nil {
		return errors.NewMalformed(fmt.Sprintf("%s result: %v", readMethod, err))
	}

	if byName == nil && len(positional) != len(ds) {
		return errors.NewMalformed(fmt.Sprintf("%s returned %d values for %d properties", readMethod, len(positional), len(ds)))
	}
	for i, d := range ds {
		var v any
		if byName != nil {
			v = byName[d.WireName()]
		} else {
			v = positional[i]
		}
		s.store(d, v, into)
	}
	return nil
}

// decodeReadResult accepts a positional list, an object, or a list holding a
// single object.
func decodeReadResult(raw json.RawMessage) (map[string]any, []any, error) {
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) == 1 {
			if obj, ok := list[0].(map[string]any); ok {
				return obj, nil, nil
			}
		}
		return nil, list, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, nil, err
	}
	return obj, nil, nil
}

func (s *Session) readMiOT(ctx context.Context, ds []*descriptor.Descriptor, into map[string]any) error {
	params := make([]miotProperty, len(ds))
	for i, d := range ds {
		params[i] = miotProperty{DID: d.Name, Siid: d.Siid, Piid: d.Piid}
	}
	raw, err := s.call(ctx, MethodGetProperties, params, Read)
	if err != nil {
		return err
	}
	var results []miotProperty
	if err := json.Unmarshal(raw, &results); err != nil {
		return errors.NewMalformed(fmt.Sprintf("%s result: %v", MethodGetProperties, err))
	}
	byDID := make(map[string]miotProperty, len(results))
	for _, r := range results {
		byDID[r.DID] = r
	}
	for _, d := range ds {
		r, ok := byDID[d.Name]
		if !ok {
			continue
		}
		if r.Code != 0 {
			s.log.Debug().Str("property", d.Name).Int("code", r.Code).Msg("Device could not read property")
			continue
		}
		s.store(d, r.Value, into)
	}
	return nil
}

func (s *Session) store(d *descriptor.Descriptor, raw any, into map[string]any) {
	v, err := d.Normalize(raw)
	if err != nil {
		s.log.Debug().Str("property", d.Name).Err(err).Msg("Dropping unparseable property value")
		return
	}
	into[d.Name] = v
}

// SetProperty validates value locally and writes it. Nothing is sent when
// validation fails. Writes are retried after a timeout only when the
// descriptor sets RetryWrite.
func (s *Session) SetProperty(ctx context.Context, d *descriptor.Descriptor, value any) error {
	if err := d.Validate(value); err != nil {
		return err
	}
	wireValue, err := d.Encode(value)
	if err != nil {
		return err
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	dialect, _ := s.wire()
	if dialect == descriptor.DialectMiOT {
		params := []miotProperty{{DID: d.Name, Siid: d.Siid, Piid: d.Piid, Value: wireValue}}
		raw, err := s.call(ctx, MethodSetProperties, params, writeOptions(d))
		if err != nil {
			return err
		}
		return s.checkMiOTCodes(MethodSetProperties, raw)
	}

	params := append([]any{wireValue}, d.SetterArgs...)
	raw, err := s.call(ctx, d.Setter, params, writeOptions(d))
	if err != nil {
		return err
	}
	return checkOK(s.name, d.Setter, raw)
}

func writeOptions(d *descriptor.Descriptor) CallOptions {
	return CallOptions{Retry: d.RetryWrite}
}

// Action invokes an action descriptor. Extra params replace the catalog
// defaults when given. Actions are never retried.
func (s *Session) Action(ctx context.Context, d *descriptor.Descriptor, params []any) error {
	if !d.IsAction() {
		return errors.NewValidationError(d.Name, nil, "not an action")
	}
	if params == nil {
		params = d.Params
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	dialect, _ := s.wire()
	if dialect == descriptor.DialectMiOT {
		if params == nil {
			params = []any{}
		}
		raw, err := s.call(ctx, MethodAction, miotAction{DID: d.Name, Siid: d.Siid, Aiid: d.Aiid, In: params}, CallOptions{})
		if err != nil {
			return err
		}
		var r miotAction
		if err := json.Unmarshal(raw, &r); err == nil && r.Code != 0 {
			return errors.NewDeviceError(s.name, MethodAction, r.Code, d.Name)
		}
		return nil
	}

	raw, err := s.call(ctx, d.Method, params, CallOptions{})
	if err != nil {
		return err
	}
	return checkOK(s.name, d.Method, raw)
}

func (s *Session) checkMiOTCodes(method string, raw json.RawMessage) error {
	var results []miotProperty
	if err := json.Unmarshal(raw, &results); err != nil {
		return errors.NewMalformed(fmt.Sprintf("%s result: %v", method, err))
	}
	for _, r := range results {
		if r.Code != 0 {
			return errors.NewDeviceError(s.name, method, r.Code, r.DID)
		}
	}
	return nil
}

// checkOK treats a bare ["error"] result as a device-side failure.
func checkOK(name, method string, raw json.RawMessage) error {
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil || len(list) == 0 {
		return nil
	}
	if s, ok := list[0].(string); ok && strings.EqualFold(s, "error") {
		return errors.NewDeviceError(name, method, errors.CodeOperationFailed, "device answered error")
	}
	return nil
}

// Ping checks reachability with a miIO.info round trip.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Info(ctx)
	return err
}
