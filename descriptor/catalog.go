// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package descriptor

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var builtinCatalog []byte

// ModelEntry is one catalog entry.
type ModelEntry struct {
	Dialect     Dialect       `yaml:"dialect" json:"dialect" validate:"omitempty,oneof=miio miot"`
	ReadMethod  string        `yaml:"read_method,omitempty" json:"read_method,omitempty"`
	Descriptors []*Descriptor `yaml:"descriptors" json:"descriptors" validate:"dive"`
}

// Catalog maps exact model strings to their entries.
type Catalog struct {
	Models map[string]*ModelEntry `yaml:"models" json:"models" validate:"dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseCatalog decodes and validates a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalogFile reads a catalog from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// BuiltinCatalog returns the embedded catalog.
func BuiltinCatalog() (*Catalog, error) {
	return ParseCatalog(builtinCatalog)
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Catalog) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}
	for _, model := range c.ModelNames() {
		entry := c.Models[model]
		if entry == nil {
			return fmt.Errorf("model %s: empty entry", model)
		}
		if entry.Dialect == "" {
			entry.Dialect = DialectMiIO
		}
		seen := make(map[string]bool, len(entry.Descriptors))
		for _, d := range entry.Descriptors {
			if seen[d.Name] {
				return fmt.Errorf("model %s: duplicate descriptor %q", model, d.Name)
			}
			seen[d.Name] = true
			if err := validateDescriptor(entry.Dialect, d); err != nil {
				return fmt.Errorf("model %s: %w", model, err)
			}
		}
	}
	return nil
}

func validateDescriptor(dialect Dialect, d *Descriptor) error {
	if d.Access == 0 {
		if d.Category == CategoryAction {
			d.Access = AccessWrite
		} else {
			return fmt.Errorf("descriptor %s: access is required", d.Name)
		}
	}
	if d.HasRange() && *d.Min > *d.Max {
		return fmt.Errorf("descriptor %s: min %v greater than max %v", d.Name, *d.Min, *d.Max)
	}
	if d.Category == CategoryEnum && len(d.Choices) == 0 {
		return fmt.Errorf("descriptor %s: enum needs choices", d.Name)
	}
	switch dialect {
	case DialectMiOT:
		if d.Siid == 0 {
			return fmt.Errorf("descriptor %s: miot needs siid", d.Name)
		}
		if d.Category == CategoryAction && d.Aiid == 0 {
			return fmt.Errorf("descriptor %s: miot action needs aiid", d.Name)
		}
		if d.Category != CategoryAction && d.Piid == 0 {
			return fmt.Errorf("descriptor %s: miot property needs piid", d.Name)
		}
	default:
		if d.Category == CategoryAction && d.Method == "" {
			return fmt.Errorf("descriptor %s: action needs method", d.Name)
		}
		if d.Writable() && d.Setter == "" {
			return fmt.Errorf("descriptor %s: writable property needs setter", d.Name)
		}
	}
	return nil
}

// ModelNames lists models in sorted order.
func (c *Catalog) ModelNames() []string {
	names := make([]string, 0, len(c.Models))
	for m := range c.Models {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}
