// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package entity

import (
	"context"

	"github.com/soothill/miio-bridge/descriptor"
	"github.com/soothill/miio-bridge/pkg/errors"
)

// Fan roles. RoleOn is shared with Light.
const (
	RoleSpeed     = "speed"
	RoleOscillate = "oscillate"
	RolePreset    = "preset"
	RoleAngle     = "angle"
)

// Fan features.
const (
	FeatureSetSpeed   = "set_speed"
	FeatureOscillate  = "oscillate"
	FeatureDirection  = "direction"
	FeaturePresetMode = "preset_mode"
)

// Fan commands.
const (
	CommandSetPercentage = "set_percentage"
	CommandSetPresetMode = "set_preset_mode"
	CommandOscillate     = "oscillate"
	CommandSetDirection  = "set_direction"
)

// Fan combines power, speed, oscillation, preset and angle.
type Fan struct {
	composite
}

// Features lists what the fan supports.
func (f *Fan) Features() []string {
	var out []string
	if f.has(RoleSpeed) {
		out = append(out, FeatureSetSpeed)
	}
	if f.has(RoleOscillate) {
		out = append(out, FeatureOscillate)
	}
	if f.has(RoleAngle) {
		out = append(out, FeatureDirection)
	}
	if f.has(RolePreset) {
		out = append(out, FeaturePresetMode)
	}
	return out
}

// Info implements Entity.
func (f *Fan) Info() Info {
	commands := []string{CommandTurnOn, CommandTurnOff}
	if f.has(RoleSpeed) {
		commands = append(commands, CommandSetPercentage)
	}
	if f.has(RolePreset) {
		commands = append(commands, CommandSetPresetMode)
	}
	if f.has(RoleOscillate) {
		commands = append(commands, CommandOscillate)
	}
	if f.has(RoleAngle) {
		commands = append(commands, CommandSetDirection)
	}
	info := f.info(f.Features(), commands)
	if d, ok := f.Role(RolePreset); ok {
		info.Options = d.ChoiceNames()
	}
	return info
}

// State implements Entity.
func (f *Fan) State() (State, error) {
	snap, err := f.snapshot()
	if err != nil {
		return State{}, err
	}
	attrs := map[string]any{"supported_features": f.Features()}
	if v, ok := f.read(snap, RoleSpeed); ok {
		attrs["percentage"] = v
	}
	if v, ok := f.read(snap, RoleOscillate); ok {
		attrs["oscillating"] = v
	}
	if d, ok := f.Role(RolePreset); ok {
		attrs["preset_modes"] = d.ChoiceNames()
		if name, ok := f.choiceName(snap, RolePreset); ok {
			attrs["preset_mode"] = name
		}
	}
	if d, ok := f.Role(RoleAngle); ok {
		attrs["directions"] = d.ChoiceNames()
		if name, ok := f.choiceName(snap, RoleAngle); ok {
			attrs["direction"] = name
		}
	}
	return State{Value: onOff(f.isOn(snap)), Attributes: attrs, Updated: snap.Updated}, nil
}

// TurnOn applies speed and preset when given, then powers the fan on.
// Both values are validated before anything is written.
func (f *Fan) TurnOn(ctx context.Context, percentage *float64, preset *string) error {
	if percentage != nil {
		if err := f.check(RoleSpeed, *percentage); err != nil {
			return err
		}
	}
	if preset != nil {
		if err := f.check(RolePreset, *preset); err != nil {
			return err
		}
	}
	if percentage != nil {
		if err := f.set(ctx, RoleSpeed, *percentage); err != nil {
			return err
		}
	}
	if preset != nil {
		if err := f.set(ctx, RolePreset, *preset); err != nil {
			return err
		}
	}
	return f.set(ctx, RoleOn, true)
}

// TurnOff powers the fan off.
func (f *Fan) TurnOff(ctx context.Context) error {
	return f.set(ctx, RoleOn, false)
}

// SetPercentage sets the fan speed.
func (f *Fan) SetPercentage(ctx context.Context, percentage float64) error {
	return f.set(ctx, RoleSpeed, percentage)
}

// SetPresetMode selects a preset by name.
func (f *Fan) SetPresetMode(ctx context.Context, preset string) error {
	return f.set(ctx, RolePreset, preset)
}

// Oscillate turns oscillation on or off.
func (f *Fan) Oscillate(ctx context.Context, on bool) error {
	return f.set(ctx, RoleOscillate, on)
}

// SetDirection selects an oscillation angle by name.
func (f *Fan) SetDirection(ctx context.Context, direction string) error {
	return f.set(ctx, RoleAngle, direction)
}

// Execute implements Entity.
func (f *Fan) Execute(ctx context.Context, command string, params map[string]any) error {
	switch command {
	case CommandTurnOn:
		var pct *float64
		if v, ok := param(params, "percentage"); ok {
			p, isNum := descriptor.ToFloat(v)
			if !isNum {
				return errors.NewValidationError("percentage", v, "must be a number")
			}
			pct = &p
		}
		preset, ok, err := stringParam(params, "preset_mode")
		if err != nil {
			return err
		}
		if ok {
			return f.TurnOn(ctx, pct, &preset)
		}
		return f.TurnOn(ctx, pct, nil)

	case CommandTurnOff:
		return f.TurnOff(ctx)

	case CommandSetPercentage:
		v, ok := param(params, "percentage")
		if !ok {
			return missingParam(command, "percentage")
		}
		p, isNum := descriptor.ToFloat(v)
		if !isNum {
			return errors.NewValidationError("percentage", v, "must be a number")
		}
		return f.SetPercentage(ctx, p)

	case CommandSetPresetMode:
		preset, ok, err := stringParam(params, "preset_mode")
		if err != nil {
			return err
		}
		if !ok {
			return missingParam(command, "preset_mode")
		}
		return f.SetPresetMode(ctx, preset)

	case CommandOscillate:
		on, ok, err := boolParam(params, "oscillating")
		if err != nil {
			return err
		}
		if !ok {
			return missingParam(command, "oscillating")
		}
		return f.Oscillate(ctx, on)

	case CommandSetDirection:
		dir, ok, err := stringParam(params, "direction")
		if err != nil {
			return err
		}
		if !ok {
			return missingParam(command, "direction")
		}
		return f.SetDirection(ctx, dir)
	}
	return unsupportedCommand(f.kind, command)
}
