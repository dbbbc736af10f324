// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package entity

import (
	"context"
	"math"

	"github.com/soothill/miio-bridge/descriptor"
	"github.com/soothill/miio-bridge/pkg/errors"
)

// Humidifier roles. RoleOn is shared with Light.
const (
	RoleTargetHumidity = "target_humidity"
	RoleHumidity       = "humidity"
	RoleMode           = "mode"
)

// Humidifier features.
const (
	FeatureTargetHumidity = "target_humidity"
	FeatureModes          = "modes"
)

// Humidifier commands.
const (
	CommandSetHumidity = "set_humidity"
	CommandSetMode     = "set_mode"
)

// Humidifier combines power, target humidity and mode. The current humidity
// reading is reported when the model has one.
type Humidifier struct {
	composite
}

// Features lists what the humidifier supports.
func (h *Humidifier) Features() []string {
	var out []string
	if h.has(RoleTargetHumidity) {
		out = append(out, FeatureTargetHumidity)
	}
	if h.has(RoleMode) {
		out = append(out, FeatureModes)
	}
	return out
}

// Info implements Entity.
func (h *Humidifier) Info() Info {
	commands := []string{CommandTurnOn, CommandTurnOff}
	if h.has(RoleTargetHumidity) {
		commands = append(commands, CommandSetHumidity)
	}
	if h.has(RoleMode) {
		commands = append(commands, CommandSetMode)
	}
	info := h.info(h.Features(), commands)
	if d, ok := h.Role(RoleTargetHumidity); ok {
		info.Unit = "%"
		info.Min, info.Max, info.Step = d.Min, d.Max, d.Step
	}
	if d, ok := h.Role(RoleMode); ok {
		info.Options = d.ChoiceNames()
	}
	return info
}

// State implements Entity.
func (h *Humidifier) State() (State, error) {
	snap, err := h.snapshot()
	if err != nil {
		return State{}, err
	}
	attrs := map[string]any{"supported_features": h.Features()}
	if v, ok := h.read(snap, RoleTargetHumidity); ok {
		attrs["humidity"] = v
	}
	if v, ok := h.read(snap, RoleHumidity); ok {
		attrs["current_humidity"] = v
	}
	if d, ok := h.Role(RoleMode); ok {
		attrs["available_modes"] = d.ChoiceNames()
		if name, ok := h.choiceName(snap, RoleMode); ok {
			attrs["mode"] = name
		}
	}
	return State{Value: onOff(h.isOn(snap)), Attributes: attrs, Updated: snap.Updated}, nil
}

// TurnOn powers the humidifier on.
func (h *Humidifier) TurnOn(ctx context.Context) error {
	return h.set(ctx, RoleOn, true)
}

// TurnOff powers the humidifier off.
func (h *Humidifier) TurnOff(ctx context.Context) error {
	return h.set(ctx, RoleOn, false)
}

// SetHumidity sets the target humidity in percent. Devices that only accept
// a few levels get the next level at or above the request.
func (h *Humidifier) SetHumidity(ctx context.Context, percent float64) error {
	d, ok := h.Role(RoleTargetHumidity)
	if !ok {
		return h.check(RoleTargetHumidity, percent)
	}
	v, err := stepHumidity(d, percent)
	if err != nil {
		return err
	}
	return h.set(ctx, RoleTargetHumidity, v)
}

// SetMode selects a mode by name.
func (h *Humidifier) SetMode(ctx context.Context, mode string) error {
	return h.set(ctx, RoleMode, mode)
}

// stepHumidity maps a percentage onto the descriptor's grid, rounding up and
// clamping to its bounds.
func stepHumidity(d *descriptor.Descriptor, percent float64) (float64, error) {
	if math.IsNaN(percent) || percent <= 0 || percent > 100 {
		return 0, errors.NewRangeError("humidity", percent, "must be in (0, 100]")
	}
	if d.Step == nil || *d.Step <= 0 {
		return percent, nil
	}
	lo := 0.0
	if d.Min != nil {
		lo = *d.Min
	}
	v := lo
	if percent > lo {
		// tolerate float noise so 45 on a grid of 5 stays 45
		v = lo + math.Ceil((percent-lo)/(*d.Step)-1e-9)*(*d.Step)
	}
	if d.Max != nil && v > *d.Max {
		v = *d.Max
	}
	return v, nil
}

// Execute implements Entity.
func (h *Humidifier) Execute(ctx context.Context, command string, params map[string]any) error {
	switch command {
	case CommandTurnOn:
		return h.TurnOn(ctx)

	case CommandTurnOff:
		return h.TurnOff(ctx)

	case CommandSetHumidity:
		v, ok := param(params, "humidity")
		if !ok {
			return missingParam(command, "humidity")
		}
		p, isNum := descriptor.ToFloat(v)
		if !isNum {
			return errors.NewValidationError("humidity", v, "must be a number")
		}
		return h.SetHumidity(ctx, p)

	case CommandSetMode:
		mode, ok, err := stringParam(params, "mode")
		if err != nil {
			return err
		}
		if !ok {
			return missingParam(command, "mode")
		}
		return h.SetMode(ctx, mode)
	}
	return unsupportedCommand(h.kind, command)
}
