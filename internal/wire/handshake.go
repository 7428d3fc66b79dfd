// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package wire

import (
	"fmt"
	"io"
)

// HandshakeInfo is the negotiated state resulting from a successful
// client/server handshake (spec.md §4.4.3).
type HandshakeInfo struct {
	ProtocolVersion uint64
	Trust           TrustLevel
	DaemonNonce     string
}

// ServerHandshake performs the daemon side of the handshake over rw:
// read the client magic, then write the server magic and our protocol
// version back-to-back before reading anything else, negotiate down to
// the minimum, then read the client's reserved cpu-affinity (protocol
// ≥ 1.14) and reserveSpace (≥ 1.11) fields and write the daemon version
// string (≥ 1.33) and trust level (≥ 1.35). No nonce is exchanged and
// DaemonNonce is left empty. The server must finish both writes before its first read
// of the client version, or it deadlocks against any peer that reads
// its own two values back-to-back before writing.
//
// Grounded on the client-side handshake in
// aldoborrero-go-nix/pkg/daemon/handshake.go, inverted to play the
// server role that package doesn't implement.
func ServerHandshake(rw io.ReadWriter, trust TrustLevel) (*HandshakeInfo, error) {
	magic, err := ReadUint64(rw)
	if err != nil {
		return nil, fmt.Errorf("wire: server handshake: read client magic: %w", err)
	}
	if magic != ClientMagic {
		return nil, fmt.Errorf("wire: server handshake: bad client magic %#x", magic)
	}
	if err := WriteUint64(rw, ServerMagic); err != nil {
		return nil, fmt.Errorf("wire: server handshake: write server magic: %w", err)
	}
	if err := WriteUint64(rw, ProtocolVersion); err != nil {
		return nil, fmt.Errorf("wire: server handshake: write server version: %w", err)
	}

	clientVersion, err := ReadUint64(rw)
	if err != nil {
		return nil, fmt.Errorf("wire: server handshake: read client version: %w", err)
	}
	version, err := NegotiateVersion(clientVersion, ProtocolVersion)
	if err != nil {
		return nil, err
	}

	info := &HandshakeInfo{ProtocolVersion: version, Trust: trust}

	if version >= 1<<8|14 {
		// Client sends a reserved cpu-affinity u64 (always 0 in practice)
		// followed by a reserved "reserveSpace" bool.
		if _, err := ReadUint64(rw); err != nil {
			return nil, fmt.Errorf("wire: server handshake: read cpu affinity: %w", err)
		}
	}
	if version >= 1<<8|11 {
		if _, err := ReadBool(rw); err != nil {
			return nil, fmt.Errorf("wire: server handshake: read reserveSpace: %w", err)
		}
	}
	if version >= 1<<8|33 {
		if err := WriteString(rw, "harmonia"); err != nil {
			return nil, fmt.Errorf("wire: server handshake: write daemon version: %w", err)
		}
	}
	if version >= 1<<8|35 {
		if err := WriteUint64(rw, uint64(trust)); err != nil {
			return nil, fmt.Errorf("wire: server handshake: write trust: %w", err)
		}
	}
	return info, nil
}

// ClientHandshake performs the client side of the handshake, for use by
// tooling in this module that dials another daemon (e.g. store-copy).
func ClientHandshake(rw io.ReadWriter) (*HandshakeInfo, error) {
	if err := WriteUint64(rw, ClientMagic); err != nil {
		return nil, fmt.Errorf("wire: client handshake: write client magic: %w", err)
	}
	magic, err := ReadUint64(rw)
	if err != nil {
		return nil, fmt.Errorf("wire: client handshake: read server magic: %w", err)
	}
	if magic != ServerMagic {
		return nil, fmt.Errorf("wire: client handshake: bad server magic %#x", magic)
	}
	serverVersion, err := ReadUint64(rw)
	if err != nil {
		return nil, fmt.Errorf("wire: client handshake: read server version: %w", err)
	}
	if err := WriteUint64(rw, ProtocolVersion); err != nil {
		return nil, fmt.Errorf("wire: client handshake: write client version: %w", err)
	}
	version, err := NegotiateVersion(ProtocolVersion, serverVersion)
	if err != nil {
		return nil, err
	}

	info := &HandshakeInfo{ProtocolVersion: version}

	if version >= 1<<8|14 {
		if err := WriteUint64(rw, 0); err != nil {
			return nil, fmt.Errorf("wire: client handshake: write cpu affinity: %w", err)
		}
	}
	if version >= 1<<8|11 {
		if err := WriteBool(rw, false); err != nil {
			return nil, fmt.Errorf("wire: client handshake: write reserveSpace: %w", err)
		}
	}
	if version >= 1<<8|33 {
		if _, err := ReadString(rw); err != nil {
			return nil, fmt.Errorf("wire: client handshake: read daemon version: %w", err)
		}
	}
	if version >= 1<<8|35 {
		trust, err := ReadUint64(rw)
		if err != nil {
			return nil, fmt.Errorf("wire: client handshake: read trust: %w", err)
		}
		info.Trust = TrustLevel(trust)
	}
	return info, nil
}
