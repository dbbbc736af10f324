// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package descriptor

import (
	"context"
	"sync"

	"github.com/soothill/miio-bridge/pkg/logger"
	"github.com/soothill/miio-bridge/pkg/metrics"
)

// Source records where a descriptor set came from.
type Source string

const (
	SourceCatalog       Source = "catalog"
	SourceCache         Source = "cache"
	SourceIntrospection Source = "introspection"
	SourceNone          Source = "none"
)

// Cache persists introspected descriptor sets between runs.
type Cache interface {
	Load(model string) (*Set, bool, error)
	Store(set *Set) error
}

// Registry resolves models to descriptor sets.
//
// Resolution order is: static catalog, persisted cache, live introspection,
// empty set. Successful resolutions are memoized so every device of a model
// shares the same descriptors. Empty sets are not memoized, so a model is
// introspected again when the next device of that model is added.
type Registry struct {
	mu      sync.Mutex
	catalog map[string]*ModelEntry
	sets    map[string]*Set
	cache   Cache
}

// Option configures a Registry.
type Option func(*Registry)

// WithCache enables the persisted introspection cache.
func WithCache(c Cache) Option {
	return func(r *Registry) { r.cache = c }
}

// NewRegistry creates a registry seeded with the built-in catalog.
func NewRegistry(opts ...Option) (*Registry, error) {
	builtin, err := BuiltinCatalog()
	if err != nil {
		return nil, err
	}
	r := &Registry{
		catalog: make(map[string]*ModelEntry),
		sets:    make(map[string]*Set),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Merge(builtin)
	return r, nil
}

// Merge adds catalog entries, replacing any existing entry for the same
// model. Memoized sets for replaced models are dropped.
func (r *Registry) Merge(c *Catalog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for model, entry := range c.Models {
		r.catalog[model] = entry
		delete(r.sets, model)
	}
}

// LoadFile merges a catalog file.
func (r *Registry) LoadFile(path string) error {
	c, err := LoadCatalogFile(path)
	if err != nil {
		return err
	}
	r.Merge(c)
	logger.Info().Str("path", path).Int("models", len(c.Models)).Msg("Loaded descriptor catalog")
	return nil
}

// Models lists catalog models.
func (r *Registry) Models() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := Catalog{Models: r.catalog}
	return c.ModelNames()
}

// Describe resolves the descriptor set for model. in may be nil when no live
// device is available. Introspection failures degrade to an empty set; the
// returned error is only informational in that case and the set is never nil.
func (r *Registry) Describe(ctx context.Context, model string, in Introspector) (*Set, error) {
	r.mu.Lock()
	if set, ok := r.sets[model]; ok {
		r.mu.Unlock()
		return set, nil
	}
	if entry, ok := r.catalog[model]; ok {
		set := &Set{
			Model:       model,
			Dialect:     entry.Dialect,
			ReadMethod:  entry.ReadMethod,
			Source:      SourceCatalog,
			Descriptors: entry.Descriptors,
		}
		r.sets[model] = set
		r.mu.Unlock()
		metrics.DescriptorResolutions.WithLabelValues(string(SourceCatalog)).Inc()
		return set, nil
	}
	r.mu.Unlock()

	if r.cache != nil {
		set, ok, err := r.cache.Load(model)
		if err != nil {
			logger.Warn().Err(err).Str("model", model).Msg("Descriptor cache read failed")
		} else if ok {
			set.Source = SourceCache
			return r.memoize(set), nil
		}
	}

	empty := &Set{Model: model, Dialect: DialectMiIO, Source: SourceNone}
	if in == nil {
		metrics.DescriptorResolutions.WithLabelValues(string(SourceNone)).Inc()
		return empty, nil
	}

	result, err := in.Introspect(ctx)
	if err != nil {
		metrics.DescriptorResolutions.WithLabelValues(string(SourceNone)).Inc()
		logger.Info().Err(err).Str("model", model).Msg("Model is not in the catalog and introspection failed; exposing connectivity only")
		return empty, describeErr(model, err)
	}
	descriptors, dialect := Translate(model, result)
	set := &Set{
		Model:       model,
		Dialect:     dialect,
		ReadMethod:  result.ReadMethod,
		Source:      SourceIntrospection,
		Descriptors: descriptors,
	}
	if r.cache != nil && len(descriptors) > 0 {
		if err := r.cache.Store(set); err != nil {
			logger.Warn().Err(err).Str("model", model).Msg("Descriptor cache write failed")
		}
	}
	return r.memoize(set), nil
}

func (r *Registry) memoize(set *Set) *Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sets[set.Model]; ok {
		return existing
	}
	r.sets[set.Model] = set
	metrics.DescriptorResolutions.WithLabelValues(string(set.Source)).Inc()
	return set
}
