// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

//go:build linux

package main

import (
	"harmonia.build/daemon/internal/build"
	"harmonia.build/daemon/internal/config"
)

// newSandbox picks the platform build sandbox, mirroring the
// build-tag split internal/build itself uses for LinuxSandbox vs
// DarwinSandbox.
func newSandbox(c *config.Config) build.Sandbox {
	return &build.LinuxSandbox{StoreDir: c.RealStoreDirectory}
}
