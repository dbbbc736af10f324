// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package entity

import (
	"context"
)

// Vacuum roles.
const (
	RoleState      = "state"
	RoleStart      = "start"
	RoleStop       = "stop"
	RolePause      = "pause"
	RoleReturnHome = "return_home"
	RoleSpot       = "spot"
	RoleLocate     = "locate"
	RoleBattery    = "battery"
	RoleFanSpeed   = "fan_speed"
)

// Cleaner states.
const (
	CleanerCleaning  = "cleaning"
	CleanerDocked    = "docked"
	CleanerIdle      = "idle"
	CleanerPaused    = "paused"
	CleanerReturning = "returning"
	CleanerError     = "error"
)

// Vacuum commands.
const (
	CommandStart        = "start"
	CommandStop         = "stop"
	CommandPause        = "pause"
	CommandReturnToBase = "return_to_base"
	CommandCleanSpot    = "clean_spot"
	CommandLocate       = "locate"
	CommandSetFanSpeed  = "set_fan_speed"
)

// cleanerStates maps device status names onto cleaner states. Names not
// listed are reported as errors.
var cleanerStates = map[string]string{
	"starting":             CleanerCleaning,
	"cleaning":             CleanerCleaning,
	"spot_cleaning":        CleanerCleaning,
	"zoned_cleaning":       CleanerCleaning,
	"segment_cleaning":     CleanerCleaning,
	"going_to_target":      CleanerCleaning,
	"remote_control":       CleanerCleaning,
	"manual_mode":          CleanerCleaning,
	"sweeping":             CleanerCleaning,
	"charging":             CleanerDocked,
	"charging_complete":    CleanerDocked,
	"docked":               CleanerDocked,
	"idle":                 CleanerIdle,
	"charger_disconnected": CleanerIdle,
	"shutting_down":        CleanerIdle,
	"updating":             CleanerIdle,
	"sleeping":             CleanerIdle,
	"paused":               CleanerPaused,
	"returning_home":       CleanerReturning,
	"returning":            CleanerReturning,
	"docking":              CleanerReturning,
	"error":                CleanerError,
	"charging_error":       CleanerError,
}

// vacuumCommands maps commands onto action roles.
var vacuumCommands = []struct {
	command string
	role    string
}{
	{CommandStart, RoleStart},
	{CommandStop, RoleStop},
	{CommandPause, RolePause},
	{CommandReturnToBase, RoleReturnHome},
	{CommandCleanSpot, RoleSpot},
	{CommandLocate, RoleLocate},
}

// Vacuum combines cleaner status, actions, battery and suction.
type Vacuum struct {
	composite
}

// Features lists the supported roles.
func (v *Vacuum) Features() []string {
	var out []string
	for _, r := range families["vacuum"].roles {
		if v.has(r.name) {
			out = append(out, r.name)
		}
	}
	return out
}

// Info implements Entity.
func (v *Vacuum) Info() Info {
	var commands []string
	for _, c := range vacuumCommands {
		if v.has(c.role) {
			commands = append(commands, c.command)
		}
	}
	if v.has(RoleFanSpeed) {
		commands = append(commands, CommandSetFanSpeed)
	}
	info := v.info(v.Features(), commands)
	if d, ok := v.Role(RoleFanSpeed); ok {
		info.Options = d.ChoiceNames()
	}
	return info
}

// CleanerState derives the cleaner state from a device status name.
func CleanerState(status string) string {
	if s, ok := cleanerStates[status]; ok {
		return s
	}
	return CleanerError
}

// State implements Entity.
func (v *Vacuum) State() (State, error) {
	snap, err := v.snapshot()
	if err != nil {
		return State{}, err
	}
	status, _ := v.choiceName(snap, RoleState)
	attrs := map[string]any{"status": status}
	if b, ok := v.read(snap, RoleBattery); ok {
		attrs["battery_level"] = b
	}
	if d, ok := v.Role(RoleFanSpeed); ok {
		attrs["fan_speed_list"] = d.ChoiceNames()
		if name, ok := v.choiceName(snap, RoleFanSpeed); ok {
			attrs["fan_speed"] = name
		}
	}
	return State{Value: CleanerState(status), Attributes: attrs, Updated: snap.Updated}, nil
}

// SetFanSpeed selects a suction preset by name.
func (v *Vacuum) SetFanSpeed(ctx context.Context, speed string) error {
	return v.set(ctx, RoleFanSpeed, speed)
}

// Execute implements Entity.
func (v *Vacuum) Execute(ctx context.Context, command string, params map[string]any) error {
	for _, c := range vacuumCommands {
		if c.command == command {
			return v.invoke(ctx, c.role)
		}
	}
	if command == CommandSetFanSpeed {
		speed, ok, err := stringParam(params, "fan_speed")
		if err != nil {
			return err
		}
		if !ok {
			return missingParam(command, "fan_speed")
		}
		return v.SetFanSpeed(ctx, speed)
	}
	return unsupportedCommand(v.kind, command)
}
