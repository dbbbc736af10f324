// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"context"

	"github.com/soothill/miio-bridge/pkg/logger"
)

// Watcher reloads the configuration file whenever Trigger is called, which
// the binary does on SIGHUP, and hands each valid result to the application.
// Invalid files are logged and ignored, so the running configuration stays
// in effect.
type Watcher struct {
	path       string
	configChan chan<- *Config
	reloadChan chan struct{}
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// NewWatcher creates a new configuration watcher.
func NewWatcher(path string, configChan chan<- *Config) *Watcher {
	return &Watcher{
		path:       path,
		configChan: configChan,
		reloadChan: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start begins serving reload requests.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancelFunc = context.WithCancel(ctx)
	go w.watch(ctx)
}

// Trigger requests a reload. Requests made while a reload is pending are
// merged.
func (w *Watcher) Trigger() {
	select {
	case w.reloadChan <- struct{}{}:
	default:
	}
}

// Stop stops the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancelFunc != nil {
		w.cancelFunc()
		<-w.done
	}
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.reloadChan:
			logger.Info().Str("path", w.path).Msg("Reloading configuration")
			cfg, err := Load(w.path)
			if err != nil {
				logger.Error().Err(err).Msg("Configuration reload failed; keeping current configuration")
				continue
			}
			select {
			case w.configChan <- cfg:
				logger.Info().Int("devices", len(cfg.Devices)).Msg("Configuration reloaded")
			case <-ctx.Done():
				return
			}
		}
	}
}
