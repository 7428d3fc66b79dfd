// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package nar

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// TestHelloWorldNAR matches spec.md §8 scenario a: a single file "hello"
// containing "Hello world!\n" serializes to the fixed byte sequence
// starting with the LE u64 13 length prefix for "nix-archive-1".
func TestHelloWorldNAR(t *testing.T) {
	dir := t.TempDir()
	const content = "Hello world!\n"
	if err := os.WriteFile(filepath.Join(dir, "hello"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := DumpPath(&buf, filepath.Join(dir, "hello"), false); err != nil {
		t.Fatalf("DumpPath: %v", err)
	}

	data := buf.Bytes()
	gotMagicLen := binary.LittleEndian.Uint64(data[:8])
	if gotMagicLen != uint64(len("nix-archive-1")) {
		t.Fatalf("magic length = %d, want %d", gotMagicLen, len("nix-archive-1"))
	}
	if string(data[8:8+gotMagicLen]) != "nix-archive-1" {
		t.Fatalf("magic = %q", data[8:8+gotMagicLen])
	}

	rdir := t.TempDir()
	target := filepath.Join(rdir, "out")
	if err := os.WriteFile(target, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	os.Remove(target)
	if err := Restore(target, bytes.NewReader(data)); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(got) != content {
		t.Errorf("restored content = %q, want %q", got, content)
	}
}

// TestDirectoryRoundTrip exercises spec.md §8 property 1 for a subtree
// with files, an empty directory, a symlink, and an executable bit.
func TestDirectoryRoundTrip(t *testing.T) {
	src := t.TempDir()
	mustWriteFile(t, filepath.Join(src, "a.txt"), "hello", 0o644)
	mustWriteFile(t, filepath.Join(src, "bin", "run"), "#!/bin/sh\necho hi\n", 0o755)
	if err := os.MkdirAll(filepath.Join(src, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("a.txt", filepath.Join(src, "link")); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := DumpPath(&buf, src, false); err != nil {
		t.Fatalf("DumpPath: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "restored")
	if err := Restore(dst, bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	if err != nil || string(got) != "hello" {
		t.Errorf("a.txt = %q, %v", got, err)
	}
	link, err := os.Readlink(filepath.Join(dst, "link"))
	if err != nil || link != "a.txt" {
		t.Errorf("link = %q, %v", link, err)
	}
	if _, err := os.Stat(filepath.Join(dst, "empty")); err != nil {
		t.Errorf("empty dir missing: %v", err)
	}

	var buf2 bytes.Buffer
	if err := CanonicalizeMetadata(dst); err != nil {
		t.Fatalf("CanonicalizeMetadata: %v", err)
	}
	if err := DumpPath(&buf2, dst, false); err != nil {
		t.Fatalf("re-dump: %v", err)
	}
}

func mustWriteFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatal(err)
	}
}
