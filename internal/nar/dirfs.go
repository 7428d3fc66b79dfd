// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package nar

import (
	"bufio"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// epoch is the fixed mtime NAR metadata canonicalization assigns,
// matching upstream Nix's "mtime := 1" (one second past the Unix epoch).
var epoch = time.Unix(1, 0)

// dirFS adapts a real directory for [Dump], adding symlink support that
// os.DirFS (as of the Go versions this module targets) does not expose.
type dirFS string

func (d dirFS) Open(name string) (fs.File, error) {
	return os.Open(filepath.Join(string(d), filepath.FromSlash(name)))
}

func (d dirFS) Stat(name string) (fs.FileInfo, error) {
	return os.Lstat(filepath.Join(string(d), filepath.FromSlash(name)))
}

func (d dirFS) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(filepath.Join(string(d), filepath.FromSlash(name)))
}

func (d dirFS) ReadLink(name string) (string, error) {
	return os.Readlink(filepath.Join(string(d), filepath.FromSlash(name)))
}

// DumpPath serializes the real filesystem subtree rooted at root to w in
// NAR format. Use CaseHack on platforms with a case-insensitive store
// filesystem (macOS).
func DumpPath(w io.Writer, root string, caseHack bool) error {
	info, err := os.Lstat(root)
	if err != nil {
		return err
	}
	return dumpRoot(w, dirFS(root), ".", info, DumpOptions{CaseHack: caseHack})
}

func dumpRoot(w io.Writer, fsys fs.FS, root string, info fs.FileInfo, opts DumpOptions) error {
	bw := bufio.NewWriter(w)
	if err := writeString(bw, magic); err != nil {
		return err
	}
	if err := dumpNode(bw, fsys, root, info, opts); err != nil {
		return err
	}
	return bw.Flush()
}
