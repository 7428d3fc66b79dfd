// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package nar

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Restore applies a NAR byte stream to freshly-created files under dir,
// which must either not exist or be an empty directory. Restore and Dump
// are exact inverses (spec.md §8 property 1): restoring then re-dumping
// produces the same bytes.
func Restore(dir string, r io.Reader) error {
	nr := NewReader(r)
	rootHandled := false
	for {
		ev, err := nr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("nar: restore: %w", err)
		}

		target := filepath.Join(dir, filepath.FromSlash(ev.Path))
		switch ev.Kind {
		case EventStartDirectory:
			d := target
			if !rootHandled && ev.Path == "" {
				d = dir
			}
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("nar: restore: %w", err)
			}
			rootHandled = true
		case EventEndDirectory:
			// Directory metadata (mode 0555) is fixed up in a final pass by
			// the caller after all entries are written, since writing
			// entries into a read-only directory would fail.
		case EventSymlink:
			if err := os.Symlink(ev.Target, target); err != nil {
				return fmt.Errorf("nar: restore: %w", err)
			}
		case EventFile:
			mode := os.FileMode(0o444)
			if ev.Executable {
				mode = 0o555
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
			if err != nil {
				return fmt.Errorf("nar: restore: %w", err)
			}
			if _, err := io.Copy(f, ev.Reader); err != nil {
				f.Close()
				return fmt.Errorf("nar: restore: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("nar: restore: %w", err)
			}
		}
	}
}

// CanonicalizeMetadata walks dir and sets the canonical file metadata
// spec.md §4.6 phase 12 requires for build outputs: mode 0444 (files) /
// 0555 (executables and directories), mtime fixed to the Unix epoch plus
// one second (matching upstream Nix's "mtime := 1").
func CanonicalizeMetadata(dir string) error {
	// Walk bottom-up so a directory's own mode is fixed to read-only last.
	var dirs []string
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if info.IsDir() {
			dirs = append(dirs, p)
			return nil
		}
		mode := os.FileMode(0o444)
		if info.Mode()&0o111 != 0 {
			mode = 0o555
		}
		if err := os.Chmod(p, mode); err != nil {
			return err
		}
		return os.Chtimes(p, epoch, epoch)
	})
	if err != nil {
		return fmt.Errorf("nar: canonicalize: %w", err)
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(dirs[i], 0o555); err != nil {
			return fmt.Errorf("nar: canonicalize: %w", err)
		}
		if err := os.Chtimes(dirs[i], epoch, epoch); err != nil {
			return fmt.Errorf("nar: canonicalize: %w", err)
		}
	}
	return nil
}
