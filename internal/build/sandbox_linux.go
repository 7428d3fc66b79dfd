// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

//go:build linux

package build

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// LinuxSandbox implements [Sandbox] using user and mount namespaces:
// the child is started with CLONE_NEWUSER | CLONE_NEWNS, uid 0 inside
// the namespace maps to the allocated build-user UID (or the daemon's
// effective UID when UserPoolDir is empty), and setgroups is denied.
// It performs no bind mounts and creates no network namespace, and
// AllowedPaths and AllowKVM are not applied to the child.
//
// Grounded on 256lights-zb's realize_linux.go build-user-slot pattern,
// using Go's native `syscall.SysProcAttr{Cloneflags, UidMappings,
// GidMappings}` support instead of hand-writing /proc/self/uid_map,
// since the standard library exposes that path directly for os/exec
// children.
type LinuxSandbox struct {
	StoreDir     string
	UserPoolDir  string // e.g. "<state-dir>/userpool2"
	AllowedPaths []string
	AllowKVM     bool

	mu   sync.Mutex
	slot *buildUserSlot
}

type buildUserSlot struct {
	uid  int
	lock *os.File
}

// acquireBuildUser implements the "file-locked slot allocation in a pool
// directory" half of spec.md §4.6.1. UIDs are scanned starting at
// 100000, matching upstream Nix's build-user range convention.
func acquireBuildUser(poolDir string) (*buildUserSlot, error) {
	if poolDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(poolDir, 0o700); err != nil {
		return nil, fmt.Errorf("sandbox: build-user pool: %w", err)
	}
	const base = 100000
	const count = 128
	for i := 0; i < count; i++ {
		uid := base + i
		path := filepath.Join(poolDir, fmt.Sprintf("uid-%d", uid))
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			continue
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			continue
		}
		return &buildUserSlot{uid: uid, lock: f}, nil
	}
	return nil, fmt.Errorf("sandbox: no free build-user UID in %s", poolDir)
}

func (s *buildUserSlot) release() {
	if s == nil || s.lock == nil {
		return
	}
	unix.Flock(int(s.lock.Fd()), unix.LOCK_UN)
	s.lock.Close()
}

func (sb *LinuxSandbox) Prepare(ctx context.Context, buildDir string, cfg Config) (Handle, error) {
	slot, err := acquireBuildUser(sb.UserPoolDir)
	if err != nil {
		return nil, err
	}
	return &linuxHandle{sandbox: sb, buildDir: buildDir, slot: slot, allowKVM: sb.AllowKVM}, nil
}

type linuxHandle struct {
	sandbox  *LinuxSandbox
	buildDir string
	slot     *buildUserSlot
	allowKVM bool
	cmd      *exec.Cmd
}

func (h *linuxHandle) Configure(cmd *exec.Cmd) {
	h.cmd = cmd
	uid := os.Geteuid()
	if h.slot != nil {
		uid = h.slot.uid
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags:   unix.CLONE_NEWUSER | unix.CLONE_NEWNS,
		Setpgid:      true,
		UidMappings:  []syscall.SysProcIDMap{{ContainerID: 0, HostID: uid, Size: 1}},
		GidMappings:  []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getegid(), Size: 1}},
		GidMappingsEnableSetgroups: false,
	}
}

func (h *linuxHandle) Kill() {
	if h.cmd != nil && h.cmd.Process != nil {
		killProcessGroup(h.cmd)
	}
}

func (h *linuxHandle) Teardown() {
	h.slot.release()
}
