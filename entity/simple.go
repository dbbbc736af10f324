// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package entity

import (
	"context"

	"github.com/soothill/miio-bridge/descriptor"
)

// Simple entity commands.
const (
	CommandTurnOn       = "turn_on"
	CommandTurnOff      = "turn_off"
	CommandToggle       = "toggle"
	CommandSetValue     = "set_value"
	CommandSelectOption = "select_option"
	CommandPress        = "press"
)

// Simple exposes a single descriptor.
type Simple struct {
	base
	desc *descriptor.Descriptor
}

func newSimple(h DeviceHandle, d *descriptor.Descriptor, kind descriptor.Kind) *Simple {
	return &Simple{
		base: base{handle: h, name: d.Name, kind: kind, descs: []*descriptor.Descriptor{d}},
		desc: d,
	}
}

// Descriptor returns the wrapped descriptor.
func (s *Simple) Descriptor() *descriptor.Descriptor { return s.desc }

// Info implements Entity.
func (s *Simple) Info() Info {
	info := infoFor(s.ID(), s.name, s.kind, s.desc)
	info.Commands = s.commands()
	return info
}

func (s *Simple) commands() []string {
	switch s.kind {
	case descriptor.KindSwitch:
		return []string{CommandTurnOn, CommandTurnOff, CommandToggle}
	case descriptor.KindNumber:
		return []string{CommandSetValue}
	case descriptor.KindSelect:
		return []string{CommandSelectOption}
	case descriptor.KindButton:
		return []string{CommandPress}
	default:
		return nil
	}
}

// State implements Entity. Buttons have no value but still follow device
// availability.
func (s *Simple) State() (State, error) {
	snap, err := s.snapshot()
	if err != nil {
		return State{}, err
	}
	st := State{Updated: snap.Updated}
	if s.kind == descriptor.KindButton {
		return st, nil
	}
	if v, ok := snap.Value(s.desc.Name); ok {
		st.Value = displayValue(s.desc, v)
	}
	return st, nil
}

// Execute implements Entity.
func (s *Simple) Execute(ctx context.Context, command string, params map[string]any) error {
	switch s.kind {
	case descriptor.KindSwitch:
		switch command {
		case CommandTurnOn:
			return s.handle.SetProperty(ctx, s.desc, true)
		case CommandTurnOff:
			return s.handle.SetProperty(ctx, s.desc, false)
		case CommandToggle:
			st, err := s.State()
			if err != nil {
				return err
			}
			on, _ := st.Value.(bool)
			return s.handle.SetProperty(ctx, s.desc, !on)
		}

	case descriptor.KindNumber:
		if command == CommandSetValue {
			v, ok := param(params, "value")
			if !ok {
				return missingParam(command, "value")
			}
			return s.write(ctx, v)
		}

	case descriptor.KindSelect:
		if command == CommandSelectOption {
			v, ok := param(params, "option")
			if !ok {
				return missingParam(command, "option")
			}
			return s.write(ctx, v)
		}

	case descriptor.KindButton:
		if command == CommandPress {
			var args []any
			if v, ok := param(params, "params"); ok {
				if list, isList := v.([]any); isList {
					args = list
				} else {
					args = []any{v}
				}
			}
			return s.handle.Action(ctx, s.desc, args)
		}
	}
	return unsupportedCommand(s.kind, command)
}

// write validates locally so a rejected value never reaches the handle.
func (s *Simple) write(ctx context.Context, v any) error {
	if err := s.desc.Validate(v); err != nil {
		return err
	}
	return s.handle.SetProperty(ctx, s.desc, v)
}
