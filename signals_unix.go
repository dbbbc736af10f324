// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/soothill/miio-bridge/app"
	"github.com/soothill/miio-bridge/pkg/logger"
)

// bridgeSignals maps operator signals to bridge actions:
//
//	kill -HUP  <pid>  # re-read the config file and reconcile devices
//	kill -USR1 <pid>  # log managed and pending devices with their poll state
//	kill -USR2 <pid>  # log goroutine stack traces
var bridgeSignals = map[os.Signal]func(*app.App){
	syscall.SIGHUP:  (*app.App).Reload,
	syscall.SIGUSR1: (*app.App).DumpApplicationState,
	syscall.SIGUSR2: func(*app.App) { app.DumpGoroutineStackTraces() },
}

func setupDebugSignalHandlers(application *app.App) {
	sigs := make([]os.Signal, 0, len(bridgeSignals))
	for sig := range bridgeSignals {
		sigs = append(sigs, sig)
	}
	ch := make(chan os.Signal, len(sigs))
	signal.Notify(ch, sigs...)

	go func() {
		for sig := range ch {
			logger.Info().Str("signal", sig.String()).Msg("Operator signal received")
			bridgeSignals[sig](application)
		}
	}()
}
