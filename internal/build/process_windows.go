// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

//go:build windows

package build

import "os/exec"

// setProcessGroup and killProcessGroup have no Windows equivalent of a
// POSIX process-group SIGKILL; Harmonia's sandboxed build executor
// targets Linux and macOS (spec.md §4.6.1 names only those two
// platforms), so Windows gets a plain single-process kill.
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}
