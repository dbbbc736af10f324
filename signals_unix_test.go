// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build !windows

package main

import (
	"syscall"
	"testing"
)

func TestBridgeSignals(t *testing.T) {
	for _, sig := range []syscall.Signal{syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2} {
		if bridgeSignals[sig] == nil {
			t.Errorf("no action for %v", sig)
		}
	}
	if _, ok := bridgeSignals[syscall.SIGTERM]; ok {
		t.Error("SIGTERM is handled by the application shutdown path")
	}
}
