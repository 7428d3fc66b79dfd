// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package daemonserver

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// unixPeerUID reads the connecting process's uid via SO_PEERCRED,
// matching upstream nix-daemon's peer-credential trust check on Linux.
func unixPeerUID(uc *net.UnixConn) (int, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var cred *unix.Ucred
	var sysErr error
	err = raw.Control(func(fd uintptr) {
		cred, sysErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if sysErr != nil {
		return 0, fmt.Errorf("SO_PEERCRED: %w", sysErr)
	}
	return int(cred.Uid), nil
}
