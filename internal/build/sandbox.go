// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package build

import (
	"context"
	"os/exec"
)

// Sandbox is the platform-specific contract spec.md §4.6.1 names:
// prepare (acquire a build-user slot, etc.), spawn configuration, and
// teardown (release resources). Grounded on the shape of
// 256lights-zb's realize_linux.go/realize_darwin.go split, which this
// module generalizes into an interface Executor depends on instead of
// hardcoded platform build tags in the orchestration path.
type Sandbox interface {
	// Prepare allocates whatever platform resource a build needs (a
	// Linux build-user UID slot, a macOS sandbox profile) before the
	// child process is configured.
	Prepare(ctx context.Context, buildDir string, cfg Config) (Handle, error)
}

// Handle configures and supervises a single sandboxed child process.
type Handle interface {
	// Configure applies sandbox-specific settings to cmd before Start,
	// e.g. SysProcAttr namespace flags or a wrapped command line that
	// invokes sandbox_init_with_parameters.
	Configure(cmd *exec.Cmd)
	// Kill terminates the child's entire process group.
	Kill()
	// Teardown releases any resource Prepare acquired (a UID slot, a
	// temporary profile file).
	Teardown()
}

// unsandboxed is the fallback [Sandbox] used when no platform sandbox is
// wired in (tests, or an operator who has explicitly disabled
// sandboxing). It runs the builder as a plain child process in its own
// process group so [Handle.Kill] can still reach the whole tree.
// Unsandboxed returns the fallback [Sandbox] for callers outside this
// package (e.g. cmd/harmoniad, on platforms with no sandbox
// implementation).
func Unsandboxed() Sandbox { return unsandboxed{} }

type unsandboxed struct{}

func (unsandboxed) Prepare(ctx context.Context, buildDir string, cfg Config) (Handle, error) {
	return &unsandboxedHandle{}, nil
}

type unsandboxedHandle struct {
	cmd *exec.Cmd
}

func (h *unsandboxedHandle) Configure(cmd *exec.Cmd) {
	h.cmd = cmd
	setProcessGroup(cmd)
}

func (h *unsandboxedHandle) Kill() {
	if h.cmd != nil && h.cmd.Process != nil {
		killProcessGroup(h.cmd)
	}
}

func (h *unsandboxedHandle) Teardown() {}
