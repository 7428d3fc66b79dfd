// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package wire implements the Nix daemon wire protocol codec primitives,
// frame stream, handshake, and trailing-logger interleaving (component
// C4). It is grounded on the shape of aldoborrero-go-nix's
// github.com/nix-community/go-nix/pkg/daemon package — the one example
// repo in the retrieved pack that speaks the real binary daemon protocol,
// as opposed to 256lights-zb's JSON-RPC transport — generalized from a
// client-only codec into one usable by both a client and this module's
// daemon server.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// ReadUint64 reads a little-endian u64, the base integer encoding for
// every scalar on the wire (spec.md §4.4.1).
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes v as a little-endian u64.
func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadBool reads a u64 {0,1} as a bool.
func ReadBool(r io.Reader) (bool, error) {
	v, err := ReadUint64(r)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// WriteBool writes a bool as a u64 {0,1}.
func WriteBool(w io.Writer, b bool) error {
	if b {
		return WriteUint64(w, 1)
	}
	return WriteUint64(w, 0)
}

// WritePadding writes zero bytes to round n up to the next multiple of 8.
func WritePadding(w io.Writer, n int) error {
	pad := (8 - n%8) % 8
	if pad == 0 {
		return nil
	}
	var zero [8]byte
	_, err := w.Write(zero[:pad])
	return err
}

func skipPadding(r io.Reader, n int) error {
	pad := (8 - n%8) % 8
	if pad == 0 {
		return nil
	}
	var buf [8]byte
	_, err := io.ReadFull(r, buf[:pad])
	return err
}

// ReadBytes reads a wire "bytes" value: u64 length, data, zero padding to
// the next multiple of 8. maxLen bounds the length to guard against
// malformed or malicious payloads.
func ReadBytes(r io.Reader, maxLen uint64) ([]byte, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if n > maxLen {
		return nil, fmt.Errorf("wire: string of %d bytes exceeds limit %d", n, maxLen)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	if err := skipPadding(r, int(n)); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteBytes writes a wire "bytes" value.
func WriteBytes(w io.Writer, data []byte) error {
	if err := WriteUint64(w, uint64(len(data))); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return WritePadding(w, len(data))
}

// MaxStringSize bounds individual string reads, guarding against malformed
// or malicious payloads (the per-operation codecs may use a tighter bound).
const MaxStringSize = 64 << 20 // 64 MiB

// ReadString reads a wire string with the default size limit.
func ReadString(r io.Reader) (string, error) {
	b, err := ReadBytes(r, MaxStringSize)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteString writes a wire string.
func WriteString(w io.Writer, s string) error {
	return WriteBytes(w, []byte(s))
}

// MaxListItems bounds list/set/map counts (spec.md §4.4.1: "default 2²³ items").
const MaxListItems = 1 << 23

// ReadStrings reads a wire list<string>.
func ReadStrings(r io.Reader) ([]string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if n > MaxListItems {
		return nil, fmt.Errorf("wire: list of %d items exceeds limit %d", n, MaxListItems)
	}
	out := make([]string, n)
	for i := range out {
		s, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// WriteStrings writes a wire list<string>.
func WriteStrings(w io.Writer, ss []string) error {
	if err := WriteUint64(w, uint64(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

// ReadStringMap reads a wire map<string,string>.
func ReadStringMap(r io.Reader) (map[string]string, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return nil, err
	}
	if n > MaxListItems {
		return nil, fmt.Errorf("wire: map of %d entries exceeds limit %d", n, MaxListItems)
	}
	out := make(map[string]string, n)
	for i := uint64(0); i < n; i++ {
		k, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		v, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// WriteStringMap writes a wire map<string,string>, sorted by key for
// stability (spec.md §4.4.1: "ordering is by K for stability").
func WriteStringMap(w io.Writer, m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if err := WriteUint64(w, uint64(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := WriteString(w, k); err != nil {
			return err
		}
		if err := WriteString(w, m[k]); err != nil {
			return err
		}
	}
	return nil
}
