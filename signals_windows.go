// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build windows

package main

import (
	"github.com/soothill/miio-bridge/app"
	"github.com/soothill/miio-bridge/pkg/logger"
)

// setupDebugSignalHandlers does nothing on Windows, which has no SIGHUP or
// SIGUSR signals. Device state is served by /api/devices; configuration
// changes need a restart.
func setupDebugSignalHandlers(_ *app.App) {
	logger.Debug().Msg("Operator signals not available on Windows")
}
