// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package entity

import (
	"context"
	"fmt"

	"github.com/soothill/miio-bridge/coordinator"
	"github.com/soothill/miio-bridge/descriptor"
	"github.com/soothill/miio-bridge/pkg/errors"
)

// composite is the shared part of the light, fan, humidifier and vacuum
// entities.
type composite struct {
	base
	roles map[string]*descriptor.Descriptor
}

// Role returns the descriptor filling a role, if any.
func (c *composite) Role(name string) (*descriptor.Descriptor, bool) {
	d, ok := c.roles[name]
	return d, ok
}

func (c *composite) has(name string) bool {
	_, ok := c.roles[name]
	return ok
}

// read returns the normalized snapshot value of a role.
func (c *composite) read(snap *coordinator.Snapshot, name string) (any, bool) {
	d, ok := c.roles[name]
	if !ok {
		return nil, false
	}
	v, ok := snap.Value(d.Name)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// choiceName returns the enum choice name of a role value.
func (c *composite) choiceName(snap *coordinator.Snapshot, name string) (string, bool) {
	v, ok := c.read(snap, name)
	if !ok {
		return "", false
	}
	return c.roles[name].ChoiceName(v)
}

// check validates a value for a role without sending anything.
func (c *composite) check(name string, value any) error {
	d, ok := c.roles[name]
	if !ok {
		return errors.NewValidationError(name, value, fmt.Sprintf("not supported by this %s", c.kind))
	}
	return d.Validate(value)
}

func (c *composite) set(ctx context.Context, name string, value any) error {
	if err := c.check(name, value); err != nil {
		return err
	}
	return c.handle.SetProperty(ctx, c.roles[name], value)
}

func (c *composite) invoke(ctx context.Context, name string) error {
	d, ok := c.roles[name]
	if !ok {
		return errors.NewValidationError(name, nil, fmt.Sprintf("not supported by this %s", c.kind))
	}
	return c.handle.Action(ctx, d, nil)
}

// isOn reads the on role; unknown counts as off.
func (c *composite) isOn(snap *coordinator.Snapshot) bool {
	v, _ := c.read(snap, RoleOn)
	on, _ := v.(bool)
	return on
}

func (c *composite) info(features, commands []string) Info {
	return Info{
		ID:       c.ID(),
		Name:     c.name,
		Kind:     c.kind,
		Features: features,
		Commands: commands,
	}
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
