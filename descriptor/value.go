// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package descriptor

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/soothill/miio-bridge/pkg/errors"
)

// Normalize converts a raw device value into the bridge representation:
// bool for binary, float64 for numeric, the choice value for enum and string
// for text.
func (d *Descriptor) Normalize(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch d.Category {
	case CategoryBinary:
		return d.normalizeBool(raw)
	case CategoryNumeric:
		f, ok := toFloat(raw)
		if !ok {
			return nil, fmt.Errorf("%s: %v is not numeric", d.Name, raw)
		}
		return f, nil
	case CategoryEnum:
		for _, c := range d.Choices {
			if valuesEqual(c.Value, raw) {
				return c.Value, nil
			}
		}
		return raw, nil
	case CategoryText:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return fmt.Sprint(raw), nil
	default:
		return raw, nil
	}
}

func (d *Descriptor) normalizeBool(raw any) (any, error) {
	if d.TrueValue != nil && valuesEqual(d.TrueValue, raw) {
		return true, nil
	}
	if d.FalseValue != nil && valuesEqual(d.FalseValue, raw) {
		return false, nil
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(v) {
		case "on", "true", "1", "yes":
			return true, nil
		case "off", "false", "0", "no":
			return false, nil
		}
	default:
		if f, ok := toFloat(v); ok {
			return f != 0, nil
		}
	}
	return nil, fmt.Errorf("%s: %v is not a boolean", d.Name, raw)
}

// Validate checks a value against the descriptor before anything is sent.
// Enum values may be given by choice name or by value.
func (d *Descriptor) Validate(value any) error {
	if !d.Writable() {
		return fmt.Errorf("%s: %w", d.Name, errors.ErrNotWritable)
	}
	_, err := d.Encode(value)
	return err
}

// Encode validates value and converts it to its wire representation.
func (d *Descriptor) Encode(value any) (any, error) {
	switch d.Category {
	case CategoryBinary:
		b, ok := value.(bool)
		if !ok {
			return nil, errors.NewValidationError(d.Name, value, "must be a boolean")
		}
		if b && d.TrueValue != nil {
			return d.TrueValue, nil
		}
		if !b && d.FalseValue != nil {
			return d.FalseValue, nil
		}
		return b, nil

	case CategoryNumeric:
		f, ok := toFloat(value)
		if !ok {
			return nil, errors.NewValidationError(d.Name, value, "must be a number")
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errors.NewRangeError(d.Name, value, "must be finite")
		}
		if d.Min != nil && f < *d.Min {
			return nil, errors.NewRangeError(d.Name, value, d.rangeText())
		}
		if d.Max != nil && f > *d.Max {
			return nil, errors.NewRangeError(d.Name, value, d.rangeText())
		}
		if d.integral() {
			return int64(math.Round(f)), nil
		}
		return f, nil

	case CategoryEnum:
		if c, ok := d.choice(value); ok {
			return c.Value, nil
		}
		return nil, errors.NewRangeError(d.Name, value, fmt.Sprintf("must be one of %s", strings.Join(d.ChoiceNames(), ", ")))

	case CategoryText:
		s, ok := value.(string)
		if !ok {
			return nil, errors.NewValidationError(d.Name, value, "must be a string")
		}
		return s, nil
	}
	return nil, errors.NewValidationError(d.Name, value, "actions take no value")
}

func (d *Descriptor) rangeText() string {
	lo, hi := "-inf", "+inf"
	if d.Min != nil {
		lo = strconv.FormatFloat(*d.Min, 'f', -1, 64)
	}
	if d.Max != nil {
		hi = strconv.FormatFloat(*d.Max, 'f', -1, 64)
	}
	return fmt.Sprintf("must be within [%s, %s]", lo, hi)
}

// integral reports whether writes should be sent as integers.
func (d *Descriptor) integral() bool {
	if d.Step != nil {
		return *d.Step == math.Trunc(*d.Step)
	}
	for _, b := range []*float64{d.Min, d.Max} {
		if b != nil && *b != math.Trunc(*b) {
			return false
		}
	}
	return true
}

func (d *Descriptor) choice(value any) (Choice, bool) {
	if s, ok := value.(string); ok {
		for _, c := range d.Choices {
			if strings.EqualFold(c.Name, s) {
				return c, true
			}
		}
	}
	for _, c := range d.Choices {
		if valuesEqual(c.Value, value) {
			return c, true
		}
	}
	return Choice{}, false
}

// ChoiceName returns the display name of an enum value.
func (d *Descriptor) ChoiceName(value any) (string, bool) {
	for _, c := range d.Choices {
		if valuesEqual(c.Value, value) {
			return c.Name, true
		}
	}
	return "", false
}

// ChoiceNames lists the enum names in catalog order.
func (d *Descriptor) ChoiceNames() []string {
	names := make([]string, len(d.Choices))
	for i, c := range d.Choices {
		names[i] = c.Name
	}
	return names
}

// valuesEqual compares values that may have crossed JSON or YAML decoding,
// where 1, int64(1) and 1.0 must compare equal.
func valuesEqual(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	if okA != okB {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// toFloat converts numeric values. Numeric strings are accepted because some
// firmwares quote numbers.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// ToFloat exposes numeric conversion for composite entities.
func ToFloat(v any) (float64, bool) {
	if _, isString := v.(string); isString {
		return 0, false
	}
	return toFloat(v)
}
