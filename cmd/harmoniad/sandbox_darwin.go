// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

//go:build darwin

package main

import (
	"harmonia.build/daemon/internal/build"
	"harmonia.build/daemon/internal/config"
)

func newSandbox(c *config.Config) build.Sandbox {
	return &build.DarwinSandbox{StoreDir: c.RealStoreDirectory}
}
