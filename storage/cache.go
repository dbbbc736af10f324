// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage persists descriptor sets learned by live introspection, so
// a restart does not have to ask the device again.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/soothill/miio-bridge/descriptor"
	"github.com/soothill/miio-bridge/pkg/errors"
	"github.com/soothill/miio-bridge/pkg/logger"
	"github.com/soothill/miio-bridge/pkg/util"
)

const (
	defaultCacheDir = "/var/cache/miio-bridge"
	cacheFilePrefix = "descriptors_"
	cacheFileExt    = ".json"
	defaultMaxSize  = 10 * 1024 * 1024 // 10 MB
	defaultMaxAge   = 30 * 24 * time.Hour
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// CachedSet is the on-disk form of a descriptor set.
type CachedSet struct {
	Model       string                   `json:"model"`
	Dialect     descriptor.Dialect       `json:"dialect"`
	ReadMethod  string                   `json:"read_method,omitempty"`
	Descriptors []*descriptor.Descriptor `json:"descriptors"`
	CachedAt    time.Time                `json:"cached_at"`
}

// DescriptorCache is a file-per-model cache of introspected descriptor sets.
type DescriptorCache struct {
	cacheDir    string
	maxSize     int64
	maxAge      time.Duration
	mu          sync.Mutex
	currentSize int64
}

// NewDescriptorCache creates the cache directory if needed and drops
// expired entries.
func NewDescriptorCache(cacheDir string, maxSize int64, maxAge time.Duration) (*DescriptorCache, error) {
	if cacheDir == "" {
		cacheDir = defaultCacheDir
	}
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, errors.NewStorageError("create directory", cacheDir, err)
	}

	cache := &DescriptorCache{
		cacheDir: cacheDir,
		maxSize:  maxSize,
		maxAge:   maxAge,
	}

	if err := cache.updateCurrentSize(); err != nil {
		logger.Warn().Err(err).Msg("Failed to calculate initial cache size")
	}
	if err := cache.CleanupOld(); err != nil {
		logger.Warn().Err(err).Msg("Failed to cleanup old cache files")
	}

	return cache, nil
}

// Load implements descriptor.Cache. Expired or unreadable entries are misses.
func (dc *DescriptorCache) Load(model string) (*descriptor.Set, bool, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	filename := dc.filename(model)
	data, err := util.ReadFileSafely(filename)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.NewStorageError("read", model, err)
	}

	var cached CachedSet
	if err := json.Unmarshal(data, &cached); err != nil {
		logger.Warn().Err(err).Str("model", model).Msg("Discarding corrupt descriptor cache entry")
		dc.removeLocked(filename)
		return nil, false, nil
	}
	if cached.Model != model {
		return nil, false, nil
	}
	if time.Since(cached.CachedAt) > dc.maxAge {
		dc.removeLocked(filename)
		return nil, false, nil
	}

	return &descriptor.Set{
		Model:       cached.Model,
		Dialect:     cached.Dialect,
		ReadMethod:  cached.ReadMethod,
		Source:      descriptor.SourceCache,
		Descriptors: cached.Descriptors,
	}, true, nil
}

// Store implements descriptor.Cache. The oldest entries are evicted when the
// cache would exceed its size limit.
func (dc *DescriptorCache) Store(set *descriptor.Set) error {
	cached := &CachedSet{
		Model:       set.Model,
		Dialect:     set.Dialect,
		ReadMethod:  set.ReadMethod,
		Descriptors: set.Descriptors,
		CachedAt:    time.Now(),
	}
	data, err := json.MarshalIndent(cached, "", "  ")
	if err != nil {
		return errors.NewStorageError("marshal", set.Model, err)
	}
	if int64(len(data)) > dc.maxSize {
		return errors.NewStorageError("write", set.Model, fmt.Errorf("entry of %d bytes exceeds cache size %d", len(data), dc.maxSize))
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()

	filename := dc.filename(set.Model)
	var previous int64
	if info, err := os.Stat(filename); err == nil {
		previous = info.Size()
	}
	dc.evictLocked(int64(len(data)) - previous)

	if err := util.WriteFileAtomic(filename, data, 0o644); err != nil {
		return errors.NewStorageError("write", set.Model, err)
	}
	dc.currentSize += int64(len(data)) - previous

	logger.Debug().
		Str("model", set.Model).
		Str("filename", filepath.Base(filename)).
		Int64("cache_size", dc.currentSize).
		Msg("Stored descriptor set")
	return nil
}

// Delete removes one model from the cache.
func (dc *DescriptorCache) Delete(model string) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	filename := dc.filename(model)
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.NewStorageError("stat", model, err)
	}
	if err := os.Remove(filename); err != nil {
		return errors.NewStorageError("delete", model, err)
	}
	dc.currentSize -= info.Size()
	return nil
}

// List returns every cached entry, oldest first.
func (dc *DescriptorCache) List() ([]*CachedSet, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.listLocked()
}

func (dc *DescriptorCache) listLocked() ([]*CachedSet, error) {
	files, err := dc.files()
	if err != nil {
		return nil, err
	}

	var sets []*CachedSet
	for _, file := range files {
		data, err := os.ReadFile(file) // #nosec G304
		if err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to read cache file")
			continue
		}
		var cached CachedSet
		if err := json.Unmarshal(data, &cached); err != nil {
			logger.Warn().Err(err).Str("file", file).Msg("Failed to unmarshal cache file")
			continue
		}
		sets = append(sets, &cached)
	}

	sort.Slice(sets, func(i, j int) bool {
		return sets[i].CachedAt.Before(sets[j].CachedAt)
	})
	return sets, nil
}

// CleanupOld removes entries older than maxAge.
func (dc *DescriptorCache) CleanupOld() error {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	sets, err := dc.listLocked()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-dc.maxAge)
	deleted := 0
	for _, cached := range sets {
		if cached.CachedAt.Before(cutoff) {
			dc.removeLocked(dc.filename(cached.Model))
			deleted++
		}
	}
	if deleted > 0 {
		logger.Info().Int("count", deleted).Msg("Cleaned up old descriptor cache entries")
	}
	return nil
}

// Size returns the current cache size in bytes.
func (dc *DescriptorCache) Size() int64 {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.currentSize
}

// evictLocked drops the oldest entries until need more bytes fit.
func (dc *DescriptorCache) evictLocked(need int64) {
	if need <= 0 || dc.currentSize+need <= dc.maxSize {
		return
	}
	sets, err := dc.listLocked()
	if err != nil {
		return
	}
	for _, cached := range sets {
		if dc.currentSize+need <= dc.maxSize {
			return
		}
		logger.Debug().Str("model", cached.Model).Msg("Evicting descriptor cache entry")
		dc.removeLocked(dc.filename(cached.Model))
	}
}

func (dc *DescriptorCache) removeLocked(filename string) {
	info, err := os.Stat(filename)
	if err != nil {
		return
	}
	if err := os.Remove(filename); err != nil {
		logger.Warn().Err(err).Str("file", filename).Msg("Failed to delete cache file")
		return
	}
	dc.currentSize -= info.Size()
}

func (dc *DescriptorCache) updateCurrentSize() error {
	files, err := dc.files()
	if err != nil {
		return err
	}
	var total int64
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		total += info.Size()
	}
	dc.currentSize = total
	return nil
}

func (dc *DescriptorCache) files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dc.cacheDir, cacheFilePrefix+"*"+cacheFileExt))
	if err != nil {
		return nil, errors.NewStorageError("list", "", err)
	}
	return files, nil
}

// filename maps a model string onto a safe file name.
func (dc *DescriptorCache) filename(model string) string {
	return filepath.Join(dc.cacheDir, cacheFilePrefix+unsafeChars.ReplaceAllString(model, "_")+cacheFileExt)
}
