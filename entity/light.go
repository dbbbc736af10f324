// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package entity

import (
	"context"

	"github.com/soothill/miio-bridge/descriptor"
	"github.com/soothill/miio-bridge/pkg/errors"
)

// Light roles.
const (
	RoleOn         = "on"
	RoleBrightness = "brightness"
	RoleColorTemp  = "color_temp"
	RoleColor      = "color"
	RoleColorMode  = "color_mode"
)

// Color modes reported in light state.
const (
	ColorModeOnOff      = "onoff"
	ColorModeBrightness = "brightness"
	ColorModeColorTemp  = "color_temp"
	ColorModeRGB        = "rgb"
)

// LightOptions are the optional parameters of TurnOn.
type LightOptions struct {
	Brightness *float64
	ColorTemp  *float64
	RGB        *float64
}

// Light combines power, brightness, color temperature and color.
type Light struct {
	composite
}

// Info implements Entity.
func (l *Light) Info() Info {
	info := l.info(l.colorModes(), []string{CommandTurnOn, CommandTurnOff, CommandToggle})
	if d, ok := l.Role(RoleBrightness); ok {
		info.Min, info.Max, info.Step, info.Unit = d.Min, d.Max, d.Step, d.Unit
	}
	return info
}

func (l *Light) colorModes() []string {
	var modes []string
	if l.has(RoleColorTemp) {
		modes = append(modes, ColorModeColorTemp)
	}
	if l.has(RoleColor) {
		modes = append(modes, ColorModeRGB)
	}
	if len(modes) == 0 {
		if l.has(RoleBrightness) {
			return []string{ColorModeBrightness}
		}
		return []string{ColorModeOnOff}
	}
	return modes
}

// State implements Entity.
func (l *Light) State() (State, error) {
	snap, err := l.snapshot()
	if err != nil {
		return State{}, err
	}
	attrs := map[string]any{
		"supported_color_modes": l.colorModes(),
		"color_mode":            l.colorMode(),
	}
	if v, ok := l.read(snap, RoleBrightness); ok {
		attrs["brightness"] = v
	}
	if v, ok := l.read(snap, RoleColorTemp); ok {
		attrs["color_temp"] = v
	}
	if v, ok := l.read(snap, RoleColor); ok {
		if f, isNum := descriptor.ToFloat(v); isNum {
			n := int64(f)
			attrs["rgb"] = []int64{(n >> 16) & 0xff, (n >> 8) & 0xff, n & 0xff}
		}
	}
	if name, ok := l.choiceName(snap, RoleColorMode); ok {
		attrs["color_mode"] = name
	}
	return State{Value: onOff(l.isOn(snap)), Attributes: attrs, Updated: snap.Updated}, nil
}

func (l *Light) colorMode() string {
	switch {
	case l.has(RoleColorTemp):
		return ColorModeColorTemp
	case l.has(RoleColor):
		return ColorModeRGB
	case l.has(RoleBrightness):
		return ColorModeBrightness
	default:
		return ColorModeOnOff
	}
}

// TurnOn powers the light on and applies opts. Every option is validated
// before the first write; the power write is skipped when the light is
// already known to be on.
func (l *Light) TurnOn(ctx context.Context, opts LightOptions) error {
	type write struct {
		role  string
		value float64
	}
	var writes []write
	for _, w := range []struct {
		role  string
		value *float64
	}{
		{RoleBrightness, opts.Brightness},
		{RoleColorTemp, opts.ColorTemp},
		{RoleColor, opts.RGB},
	} {
		if w.value == nil {
			continue
		}
		if err := l.check(w.role, *w.value); err != nil {
			return err
		}
		writes = append(writes, write{w.role, *w.value})
	}

	snap := l.handle.Snapshot()
	if !snap.Available() || !l.isOn(snap) {
		if err := l.set(ctx, RoleOn, true); err != nil {
			return err
		}
	}
	for _, w := range writes {
		if err := l.set(ctx, w.role, w.value); err != nil {
			return err
		}
	}
	return nil
}

// TurnOff powers the light off.
func (l *Light) TurnOff(ctx context.Context) error {
	return l.set(ctx, RoleOn, false)
}

// Execute implements Entity.
func (l *Light) Execute(ctx context.Context, command string, params map[string]any) error {
	switch command {
	case CommandTurnOn:
		opts, err := lightOptions(params)
		if err != nil {
			return err
		}
		return l.TurnOn(ctx, opts)
	case CommandTurnOff:
		return l.TurnOff(ctx)
	case CommandToggle:
		snap, err := l.snapshot()
		if err != nil {
			return err
		}
		if l.isOn(snap) {
			return l.TurnOff(ctx)
		}
		return l.TurnOn(ctx, LightOptions{})
	}
	return unsupportedCommand(l.kind, command)
}

func lightOptions(params map[string]any) (LightOptions, error) {
	var opts LightOptions
	for name, dst := range map[string]**float64{
		"brightness": &opts.Brightness,
		"color_temp": &opts.ColorTemp,
	} {
		v, ok := param(params, name)
		if !ok {
			continue
		}
		f, isNum := descriptor.ToFloat(v)
		if !isNum {
			return opts, errors.NewValidationError(name, v, "must be a number")
		}
		*dst = &f
	}
	if v, ok := param(params, "rgb"); ok {
		f, err := packRGB(v)
		if err != nil {
			return opts, err
		}
		opts.RGB = &f
	}
	return opts, nil
}

// packRGB accepts a packed 0xRRGGBB number or an [r, g, b] list.
func packRGB(v any) (float64, error) {
	if f, ok := descriptor.ToFloat(v); ok {
		return f, nil
	}
	list, ok := v.([]any)
	if !ok || len(list) != 3 {
		return 0, errors.NewValidationError("rgb", v, "must be a number or [r, g, b]")
	}
	var packed int64
	for _, c := range list {
		f, isNum := descriptor.ToFloat(c)
		if !isNum || f < 0 || f > 255 {
			return 0, errors.NewRangeError("rgb", v, "components must be within [0, 255]")
		}
		packed = packed<<8 | int64(f)
	}
	return float64(packed), nil
}
