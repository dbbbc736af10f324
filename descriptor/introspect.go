// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package descriptor

import (
	"context"
	"fmt"
	"strings"

	"github.com/soothill/miio-bridge/pkg/logger"
)

// Reported is one property or action as a device describes itself.
type Reported struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Access string   `json:"access"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Step   *float64 `json:"step,omitempty"`
	Values []Choice `json:"values,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	Siid   int      `json:"siid,omitempty"`
	Piid   int      `json:"piid,omitempty"`
	Aiid   int      `json:"aiid,omitempty"`
	Setter string   `json:"setter,omitempty"`
	Method string   `json:"method,omitempty"`
}

// Introspection is a device's answer to the describe call.
type Introspection struct {
	Dialect    Dialect    `json:"dialect,omitempty"`
	ReadMethod string     `json:"read_method,omitempty"`
	Properties []Reported `json:"properties"`
}

// Introspector asks a live device to enumerate its capabilities.
type Introspector interface {
	Introspect(ctx context.Context) (*Introspection, error)
}

// categoryFor maps device type names onto categories.
func categoryFor(t string) (Category, bool) {
	switch strings.ToLower(t) {
	case "bool", "boolean":
		return CategoryBinary, true
	case "int", "integer", "uint", "uint8", "uint16", "uint32", "int8", "int16", "int32", "int64", "float", "double", "number":
		return CategoryNumeric, true
	case "enum":
		return CategoryEnum, true
	case "string", "str", "text":
		return CategoryText, true
	case "action":
		return CategoryAction, true
	}
	return "", false
}

// Translate converts an introspection result into descriptors. Entries with
// an unknown type or access are skipped.
func Translate(model string, in *Introspection) ([]*Descriptor, Dialect) {
	dialect := in.Dialect
	if dialect == "" {
		dialect = DialectMiIO
	}

	out := make([]*Descriptor, 0, len(in.Properties))
	seen := make(map[string]bool)
	for _, r := range in.Properties {
		cat, ok := categoryFor(r.Type)
		if !ok || r.Name == "" || seen[r.Name] {
			logger.Debug().Str("model", model).Str("property", r.Name).Str("type", r.Type).Msg("Skipping unsupported introspected property")
			continue
		}
		d := &Descriptor{
			Name:     r.Name,
			Category: cat,
			Min:      r.Min,
			Max:      r.Max,
			Step:     r.Step,
			Choices:  r.Values,
			Unit:     r.Unit,
			Siid:     r.Siid,
			Piid:     r.Piid,
			Aiid:     r.Aiid,
			Setter:   r.Setter,
			Method:   r.Method,
		}
		if cat == CategoryAction {
			d.Access = AccessWrite
			if d.Method == "" && dialect == DialectMiIO {
				d.Method = r.Name
			}
		} else {
			access, err := ParseAccess(r.Access)
			if err != nil {
				logger.Debug().Str("model", model).Str("property", r.Name).Err(err).Msg("Skipping introspected property")
				continue
			}
			d.Access = access
			if d.Writable() && d.Setter == "" && dialect == DialectMiIO {
				d.Setter = "set_" + r.Name
			}
		}
		if cat == CategoryEnum && len(d.Choices) == 0 {
			d.Category = CategoryText
		}
		if err := validateDescriptor(dialect, d); err != nil {
			logger.Debug().Str("model", model).Err(err).Msg("Skipping invalid introspected property")
			continue
		}
		seen[r.Name] = true
		out = append(out, d)
	}
	return out, dialect
}

func describeErr(model string, err error) error {
	return fmt.Errorf("introspect %s: %w", model, err)
}
