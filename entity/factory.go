// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package entity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/soothill/miio-bridge/descriptor"
	"github.com/soothill/miio-bridge/pkg/errors"
	"github.com/soothill/miio-bridge/pkg/logger"
)

// role is one slot of a composite entity.
type role struct {
	name     string
	required bool
	category []descriptor.Category
	aliases  []string // well-known property names used when nothing is tagged
}

func (r role) accepts(d *descriptor.Descriptor) bool {
	for _, c := range r.category {
		if d.Category == c {
			return true
		}
	}
	return false
}

// family is a grouping table entry.
type family struct {
	kind  descriptor.Kind
	roles []role
	build func(c composite) Entity
}

var (
	catBinary  = []descriptor.Category{descriptor.CategoryBinary}
	catNumeric = []descriptor.Category{descriptor.CategoryNumeric}
	catEnum    = []descriptor.Category{descriptor.CategoryEnum}
	catAction  = []descriptor.Category{descriptor.CategoryAction}
)

// families maps a model family to its composite layout.
var families = map[string]family{
	"light": {
		kind: KindLight,
		roles: []role{
			{name: RoleOn, required: true, category: catBinary, aliases: []string{"power", "on"}},
			{name: RoleBrightness, category: catNumeric, aliases: []string{"bright", "brightness"}},
			{name: RoleColorTemp, category: catNumeric, aliases: []string{"cct", "ct", "color_temperature"}},
			{name: RoleColor, category: catNumeric, aliases: []string{"rgb", "color"}},
			{name: RoleColorMode, category: catEnum, aliases: []string{"color_mode"}},
		},
		build: func(c composite) Entity { return &Light{composite: c} },
	},
	"fan": {
		kind: KindFan,
		roles: []role{
			{name: RoleOn, required: true, category: catBinary, aliases: []string{"power", "on"}},
			{name: RoleSpeed, category: catNumeric, aliases: []string{"speed", "fan_speed", "speed_level"}},
			{name: RoleOscillate, category: catBinary, aliases: []string{"oscillate", "roll_enable", "angle_enable"}},
			{name: RolePreset, category: catEnum, aliases: []string{"mode", "preset"}},
			{name: RoleAngle, category: catEnum, aliases: []string{"angle", "roll_angle"}},
		},
		build: func(c composite) Entity { return &Fan{composite: c} },
	},
	"humidifier": {
		kind: KindHumidifier,
		roles: []role{
			{name: RoleOn, required: true, category: catBinary, aliases: []string{"power", "on"}},
			{name: RoleTargetHumidity, category: catNumeric, aliases: []string{"target_humidity", "limit_hum", "humidity_target"}},
			{name: RoleMode, category: catEnum, aliases: []string{"mode"}},
			{name: RoleHumidity, category: catNumeric, aliases: []string{"humidity"}},
		},
		build: func(c composite) Entity { return &Humidifier{composite: c} },
	},
	"vacuum": {
		kind: KindVacuum,
		roles: []role{
			{name: RoleState, required: true, category: catEnum, aliases: []string{"state", "status"}},
			{name: RoleStart, required: true, category: catAction, aliases: []string{"start", "app_start"}},
			{name: RoleStop, category: catAction, aliases: []string{"stop", "app_stop"}},
			{name: RolePause, category: catAction, aliases: []string{"pause", "app_pause"}},
			{name: RoleReturnHome, category: catAction, aliases: []string{"return_home", "app_charge", "charge"}},
			{name: RoleSpot, category: catAction, aliases: []string{"spot", "app_spot"}},
			{name: RoleLocate, category: catAction, aliases: []string{"locate", "find_me"}},
			{name: RoleBattery, category: catNumeric, aliases: []string{"battery"}},
			{name: RoleFanSpeed, category: catEnum, aliases: []string{"fan_speed", "fan_power"}},
		},
		build: func(c composite) Entity { return &Vacuum{composite: c} },
	},
}

// Factory builds entities from resolved descriptor sets.
type Factory struct{}

// NewFactory creates a factory.
func NewFactory() *Factory {
	return &Factory{}
}

// BuildOne creates the simple entity for one descriptor.
func (f *Factory) BuildOne(d *descriptor.Descriptor, h DeviceHandle) (Entity, error) {
	kind := d.EntityKind()
	if kind == descriptor.KindNone {
		return nil, errors.NewValidationError(d.Name, nil, "descriptor maps to no entity kind")
	}
	return newSimple(h, d, kind), nil
}

// Build creates every entity for a device. Descriptors that form a complete
// composite group become one composite entity; everything else, including
// the members of an incomplete group, is exposed individually.
func (f *Factory) Build(h DeviceHandle, set *descriptor.Set) []Entity {
	if set == nil {
		return nil
	}
	log := logger.ForDevice(h.ID(), set.Model)

	consumed := make(map[*descriptor.Descriptor]bool)
	var out []Entity

	for _, g := range f.groups(set, log) {
		fam := families[g.family]
		if missing := missingRoles(fam, g.members); len(missing) > 0 {
			err := fmt.Errorf("%s %s: %w: %s", set.Model, g.family, errors.ErrDescriptorMissing, strings.Join(missing, ", "))
			log.Warn().Err(err).Str("family", g.family).
				Msg("Incomplete composite group, exposing descriptors individually")
			continue
		}
		descs := make([]*descriptor.Descriptor, 0, len(g.members))
		for _, r := range fam.roles {
			if d, ok := g.members[r.name]; ok {
				descs = append(descs, d)
				consumed[d] = true
			}
		}
		c := composite{
			base:  base{handle: h, name: g.family, kind: fam.kind, descs: descs},
			roles: g.members,
		}
		out = append(out, fam.build(c))
	}

	for _, d := range set.Descriptors {
		if consumed[d] {
			continue
		}
		e, err := f.BuildOne(d, h)
		if err != nil {
			log.Debug().Err(err).Str("descriptor", d.Name).Msg("Skipping descriptor")
			continue
		}
		out = append(out, e)
	}
	return out
}

type group struct {
	family  string
	members map[string]*descriptor.Descriptor
}

// groups collects composite candidates: explicit group tags first, then the
// model family matched by well-known property names.
func (f *Factory) groups(set *descriptor.Set, log zerolog.Logger) []group {
	byFamily := make(map[string]map[string]*descriptor.Descriptor)

	for _, d := range set.Descriptors {
		if d.Group == "" {
			continue
		}
		name, roleName := d.Family(), d.Role()
		fam, ok := families[name]
		if !ok {
			log.Debug().Str("descriptor", d.Name).Str("group", d.Group).Msg("Unknown composite family")
			continue
		}
		r, ok := findRole(fam, roleName)
		if !ok || !r.accepts(d) {
			log.Debug().Str("descriptor", d.Name).Str("group", d.Group).Msg("Descriptor does not fit composite role")
			continue
		}
		if byFamily[name] == nil {
			byFamily[name] = make(map[string]*descriptor.Descriptor)
		}
		if _, dup := byFamily[name][roleName]; dup {
			log.Debug().Str("descriptor", d.Name).Str("group", d.Group).Msg("Duplicate composite role")
			continue
		}
		byFamily[name][roleName] = d
	}

	if model := modelFamily(set.Model); model != "" && byFamily[model] == nil {
		if fam, ok := families[model]; ok {
			if members := matchAliases(fam, set.Descriptors); len(members) > 0 {
				byFamily[model] = members
			}
		}
	}

	names := make([]string, 0, len(byFamily))
	for name := range byFamily {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]group, 0, len(names))
	for _, name := range names {
		out = append(out, group{family: name, members: byFamily[name]})
	}
	return out
}

// modelFamily returns the family segment of "<vendor>.<family>.<model>".
func modelFamily(model string) string {
	parts := strings.Split(model, ".")
	if len(parts) < 3 {
		return ""
	}
	return parts[1]
}

func findRole(fam family, name string) (role, bool) {
	for _, r := range fam.roles {
		if r.name == name {
			return r, true
		}
	}
	return role{}, false
}

func matchAliases(fam family, ds []*descriptor.Descriptor) map[string]*descriptor.Descriptor {
	members := make(map[string]*descriptor.Descriptor)
	for _, r := range fam.roles {
		for _, alias := range r.aliases {
			if d := untaggedByName(ds, alias); d != nil && r.accepts(d) {
				members[r.name] = d
				break
			}
		}
	}
	return members
}

func untaggedByName(ds []*descriptor.Descriptor, name string) *descriptor.Descriptor {
	for _, d := range ds {
		if d.Group == "" && d.Name == name {
			return d
		}
	}
	return nil
}

func missingRoles(fam family, members map[string]*descriptor.Descriptor) []string {
	var missing []string
	for _, r := range fam.roles {
		if _, ok := members[r.name]; r.required && !ok {
			missing = append(missing, r.name)
		}
	}
	return missing
}
