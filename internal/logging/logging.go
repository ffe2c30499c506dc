// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package logging provides component-scoped slog loggers for the server.
package logging

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu       sync.Mutex
	root     *slog.Logger
	levelVar = new(slog.LevelVar)
)

// SetDebug enables or disables debug level logging globally.
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// Root returns the process-wide root logger, initializing it on first use.
func Root() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
		root = slog.New(handler)
	}
	return root
}

// WithComponent returns a logger tagged with the given component name.
func WithComponent(name string) *slog.Logger {
	return Root().With("component", name)
}
