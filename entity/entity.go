// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package entity turns descriptors into the entities a host platform sees.
//
// Simple entities map one descriptor to one kind (sensor, switch, number,
// ...). Composite entities (light, fan, humidifier, vacuum) combine several
// descriptors of one model family and derive their state from the values of
// all of them.
// Entities never talk to the network themselves: reads come from the device
// snapshot and writes go through the DeviceHandle.
package entity

import (
	"context"
	"fmt"
	"time"

	"github.com/soothill/miio-bridge/coordinator"
	"github.com/soothill/miio-bridge/descriptor"
	"github.com/soothill/miio-bridge/pkg/errors"
)

// Composite kinds.
const (
	KindLight      descriptor.Kind = "light"
	KindFan        descriptor.Kind = "fan"
	KindHumidifier descriptor.Kind = "humidifier"
	KindVacuum     descriptor.Kind = "vacuum"
)

// DeviceHandle is what an entity needs from its device.
type DeviceHandle interface {
	ID() string
	Model() string
	Snapshot() *coordinator.Snapshot
	SetProperty(ctx context.Context, d *descriptor.Descriptor, value any) error
	Action(ctx context.Context, d *descriptor.Descriptor, params []any) error
}

// State is the displayed state of an entity.
type State struct {
	Value      any            `json:"value"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Updated    time.Time      `json:"updated"`
}

// Info describes an entity and the constraints of its commands.
type Info struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Kind           descriptor.Kind `json:"kind"`
	Unit           string          `json:"unit,omitempty"`
	Min            *float64        `json:"min,omitempty"`
	Max            *float64        `json:"max,omitempty"`
	Step           *float64        `json:"step,omitempty"`
	Options        []string        `json:"options,omitempty"`
	Features       []string        `json:"features,omitempty"`
	Commands       []string        `json:"commands,omitempty"`
	EntityCategory string          `json:"entity_category,omitempty"`
	Icon           string          `json:"icon,omitempty"`
}

// Entity is one exposed device capability.
type Entity interface {
	ID() string
	Name() string
	Kind() descriptor.Kind
	Descriptors() []*descriptor.Descriptor
	Info() Info
	// State returns ErrUnavailable while the device is degraded.
	State() (State, error)
	Execute(ctx context.Context, command string, params map[string]any) error
}

// base carries what every entity kind shares.
type base struct {
	handle DeviceHandle
	name   string
	kind   descriptor.Kind
	descs  []*descriptor.Descriptor
}

func (b *base) ID() string { return b.handle.ID() + "." + b.name }
func (b *base) Name() string { return b.name }
func (b *base) Kind() descriptor.Kind { return b.kind }
func (b *base) Descriptors() []*descriptor.Descriptor { return b.descs }

// snapshot returns the current snapshot, or ErrUnavailable.
func (b *base) snapshot() (*coordinator.Snapshot, error) {
	snap := b.handle.Snapshot()
	if !snap.Available() {
		if snap != nil && snap.Err != nil {
			return nil, fmt.Errorf("%s: %w (%v)", b.ID(), errors.ErrUnavailable, snap.Err)
		}
		return nil, fmt.Errorf("%s: %w", b.ID(), errors.ErrUnavailable)
	}
	return snap, nil
}

func unsupportedCommand(kind descriptor.Kind, command string) error {
	return errors.NewValidationError("command", command, fmt.Sprintf("not supported by %s entities", kind))
}

func missingParam(command, name string) error {
	return errors.NewValidationError(name, nil, fmt.Sprintf("required by %s", command))
}

// param returns params[name] if present and not null.
func param(params map[string]any, name string) (any, bool) {
	if params == nil {
		return nil, false
	}
	v, ok := params[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func boolParam(params map[string]any, name string) (bool, bool, error) {
	v, ok := param(params, name)
	if !ok {
		return false, false, nil
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, true, errors.NewValidationError(name, v, "must be a boolean")
	}
	return b, true, nil
}

func stringParam(params map[string]any, name string) (string, bool, error) {
	v, ok := param(params, name)
	if !ok {
		return "", false, nil
	}
	s, isString := v.(string)
	if !isString {
		return "", true, errors.NewValidationError(name, v, "must be a string")
	}
	return s, true, nil
}

// displayValue renders a normalized value for State: choice names for enums.
func displayValue(d *descriptor.Descriptor, v any) any {
	if d.Category == descriptor.CategoryEnum {
		if name, ok := d.ChoiceName(v); ok {
			return name
		}
	}
	return v
}

func infoFor(id, name string, kind descriptor.Kind, d *descriptor.Descriptor) Info {
	info := Info{ID: id, Name: name, Kind: kind}
	if d == nil {
		return info
	}
	info.Unit = d.Unit
	info.Min, info.Max, info.Step = d.Min, d.Max, d.Step
	if d.Category == descriptor.CategoryEnum {
		info.Options = d.ChoiceNames()
	}
	info.EntityCategory = d.EntityCategory
	info.Icon = d.Icon
	return info
}
