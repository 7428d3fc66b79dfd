// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

//go:build unix

package build

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts cmd's child in its own process group, so a
// timeout can SIGKILL the whole tree it spawns (spec.md §5
// "Cancellation: ... kill(-pid, SIGKILL)").
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func killProcessGroup(cmd *exec.Cmd) {
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
