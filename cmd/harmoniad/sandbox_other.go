// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

//go:build !linux && !darwin

package main

import (
	"harmonia.build/daemon/internal/build"
	"harmonia.build/daemon/internal/config"
)

// newSandbox falls back to an unsandboxed builder on platforms Harmonia
// has no sandbox implementation for.
func newSandbox(c *config.Config) build.Sandbox {
	return build.Unsandboxed()
}
