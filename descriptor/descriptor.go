// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package descriptor holds the capability metadata that drives entity creation.
//
// A Descriptor describes one property or action of a device model: its
// semantic category, access, range or choices, unit and the generic entity
// kind it maps to. Descriptors are immutable once loaded and are shared by
// pointer between every device instance of the same model.
package descriptor

import (
	"fmt"
	"strings"
)

// Category is the semantic type of a property.
type Category string

const (
	CategoryBinary  Category = "binary"
	CategoryNumeric Category = "numeric"
	CategoryEnum    Category = "enum"
	CategoryText    Category = "text"
	CategoryAction  Category = "action"
)

// Kind is the generic entity a descriptor maps to.
type Kind string

const (
	KindNone         Kind = ""
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
	KindSwitch       Kind = "switch"
	KindNumber       Kind = "number"
	KindSelect       Kind = "select"
	KindButton       Kind = "button"
)

// Dialect selects how properties are read and written on the wire.
type Dialect string

const (
	// DialectMiIO reads with get_prop style calls and writes with per-property setters.
	DialectMiIO Dialect = "miio"
	// DialectMiOT addresses properties by service and property id.
	DialectMiOT Dialect = "miot"
)

// Access is a read/write bit set.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
)

// ParseAccess accepts "r", "w", "rw" and the MiOT forms "read", "write", "notify".
func ParseAccess(s string) (Access, error) {
	var a Access
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "r", "read", "ro":
		return AccessRead, nil
	case "w", "write", "wo":
		return AccessWrite, nil
	case "rw", "wr", "read_write":
		return AccessRead | AccessWrite, nil
	}
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '|' }) {
		switch part {
		case "read", "notify":
			a |= AccessRead
		case "write":
			a |= AccessWrite
		default:
			return 0, fmt.Errorf("unknown access %q", part)
		}
	}
	if a == 0 {
		return 0, fmt.Errorf("empty access")
	}
	return a, nil
}

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "r"
	case AccessWrite:
		return "w"
	case AccessRead | AccessWrite:
		return "rw"
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Access) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Access) UnmarshalText(b []byte) error {
	v, err := ParseAccess(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Choice is one allowed value of an enum property.
type Choice struct {
	Name  string `yaml:"name" json:"name" validate:"required"`
	Value any    `yaml:"value" json:"value"`
}

// Descriptor is the immutable metadata of one property or action.
type Descriptor struct {
	Name     string   `yaml:"name" json:"name" validate:"required"`
	Property string   `yaml:"property,omitempty" json:"property,omitempty"`
	Category Category `yaml:"category" json:"category" validate:"required,oneof=binary numeric enum text action"`
	Access   Access   `yaml:"access" json:"access,omitempty"`

	Min  *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max  *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Step *float64 `yaml:"step,omitempty" json:"step,omitempty" validate:"omitempty,gt=0"`

	Choices []Choice `yaml:"choices,omitempty" json:"choices,omitempty" validate:"dive"`
	Unit    string   `yaml:"unit,omitempty" json:"unit,omitempty"`

	// Kind overrides the derived entity kind.
	Kind Kind `yaml:"kind,omitempty" json:"kind,omitempty" validate:"omitempty,oneof=sensor binary_sensor switch number select button"`
	// Group tags the descriptor for a composite entity, as "<family>.<role>".
	Group string `yaml:"group,omitempty" json:"group,omitempty"`

	// MiOT addressing.
	Siid int `yaml:"siid,omitempty" json:"siid,omitempty"`
	Piid int `yaml:"piid,omitempty" json:"piid,omitempty"`
	Aiid int `yaml:"aiid,omitempty" json:"aiid,omitempty"`

	// MiIO writes: Setter is called with [value, SetterArgs...].
	Setter     string `yaml:"setter,omitempty" json:"setter,omitempty"`
	SetterArgs []any  `yaml:"setter_args,omitempty" json:"setter_args,omitempty"`
	// RetryWrite allows a timed-out write to be repeated. Set it only for
	// absolute setters, never for toggles or relative steps.
	RetryWrite bool `yaml:"retry_write,omitempty" json:"retry_write,omitempty"`
	// MiIO actions: Method is called with Params.
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
	Params []any  `yaml:"params,omitempty" json:"params,omitempty"`

	// Wire encoding of binary values when the device does not use JSON booleans.
	TrueValue  any `yaml:"true_value,omitempty" json:"true_value,omitempty"`
	FalseValue any `yaml:"false_value,omitempty" json:"false_value,omitempty"`

	EntityCategory string `yaml:"entity_category,omitempty" json:"entity_category,omitempty" validate:"omitempty,oneof=config diagnostic"`
	Icon           string `yaml:"icon,omitempty" json:"icon,omitempty"`
}

// WireName is the property name sent to the device.
func (d *Descriptor) WireName() string {
	if d.Property != "" {
		return d.Property
	}
	return d.Name
}

// Readable reports whether the property can be polled.
func (d *Descriptor) Readable() bool {
	return d.Category != CategoryAction && d.Access&AccessRead != 0
}

// Writable reports whether the property accepts writes.
func (d *Descriptor) Writable() bool {
	return d.Category != CategoryAction && d.Access&AccessWrite != 0
}

// IsAction reports whether the descriptor is an invocable action.
func (d *Descriptor) IsAction() bool {
	return d.Category == CategoryAction
}

// HasRange reports whether both bounds are known.
func (d *Descriptor) HasRange() bool {
	return d.Min != nil && d.Max != nil
}

// EntityKind derives the generic entity kind.
func (d *Descriptor) EntityKind() Kind {
	if d.Kind != KindNone {
		return d.Kind
	}
	switch d.Category {
	case CategoryAction:
		return KindButton
	case CategoryBinary:
		if d.Writable() {
			return KindSwitch
		}
		if d.Readable() {
			return KindBinarySensor
		}
	case CategoryNumeric:
		if d.Writable() && d.HasRange() {
			return KindNumber
		}
		if d.Readable() {
			return KindSensor
		}
	case CategoryEnum:
		if d.Writable() && len(d.Choices) > 0 {
			return KindSelect
		}
		if d.Readable() {
			return KindSensor
		}
	case CategoryText:
		if d.Readable() {
			return KindSensor
		}
	}
	return KindNone
}

// Family returns the composite family of the group tag, if any.
func (d *Descriptor) Family() string {
	family, _, _ := strings.Cut(d.Group, ".")
	return family
}

// Role returns the composite role of the group tag, if any.
func (d *Descriptor) Role() string {
	_, role, _ := strings.Cut(d.Group, ".")
	return role
}

// Set is the resolved descriptor list for a model.
type Set struct {
	Model       string
	Dialect     Dialect
	ReadMethod  string
	Source      Source
	Descriptors []*Descriptor
}

// Lookup finds a descriptor by name.
func (s *Set) Lookup(name string) (*Descriptor, bool) {
	for _, d := range s.Descriptors {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Readable returns the descriptors included in a poll.
func (s *Set) Readable() []*Descriptor {
	out := make([]*Descriptor, 0, len(s.Descriptors))
	for _, d := range s.Descriptors {
		if d.Readable() {
			out = append(out, d)
		}
	}
	return out
}

func f64(v float64) *float64 { return &v }
