// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package nar implements the NAR (Nix Archive) canonical filesystem
// serialization format (component C2): a deterministic encoding of a
// filesystem subtree as length-prefixed, 8-byte-aligned byte strings.
//
// The grammar (spec.md §4.2):
//
//	archive := "nix-archive-1" node
//	node    := "(" "type" ( "regular" ["executable" ""] "contents" <bytes>
//	                      | "symlink" "target" <str>
//	                      | "directory" entry* ) ")"
//	entry   := "entry" "(" "name" <str> "node" node ")"
package nar

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
)

const magic = "nix-archive-1"

// EventKind identifies the kind of a parsed NAR event.
type EventKind int

const (
	EventFile EventKind = iota
	EventSymlink
	EventStartDirectory
	EventEndDirectory
)

// Event is one node emitted while parsing a NAR stream, matching the
// "event iterator" parse mode from spec.md §4.2.
type Event struct {
	Kind EventKind

	// Path is the slash-separated path relative to the archive root, e.g.
	// "", "foo", "foo/bar".
	Path string

	// File fields (EventFile).
	Executable bool
	Size       int64
	Reader     io.Reader // valid only until the next call to Next

	// Symlink fields (EventSymlink).
	Target string
}

// writeString writes a wire string: LE u64 length, bytes, zero padding to
// the next multiple of 8.
func writeString(w io.Writer, s string) error {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	return writePadding(w, len(s))
}

func writePadding(w io.Writer, n int) error {
	pad := (8 - n%8) % 8
	if pad == 0 {
		return nil
	}
	var zero [8]byte
	_, err := w.Write(zero[:pad])
	return err
}

// DumpOptions configures [Dump].
type DumpOptions struct {
	// CaseHack enables the macOS case-collision suffixing described in
	// spec.md §4.2. It should be enabled only when dumping from a
	// case-insensitive filesystem so that the original (pre-hack) name can
	// be recovered as the sort key.
	CaseHack bool
}

// Dump serializes the filesystem subtree rooted at fsys (using root as the
// top-level entry) to w in NAR format.
func Dump(w io.Writer, fsys fs.FS, root string) error {
	return DumpOptions{}.Dump(w, fsys, root)
}

// Dump serializes the filesystem subtree rooted at fsys to w.
func (opts DumpOptions) Dump(w io.Writer, fsys fs.FS, root string) error {
	bw := bufio.NewWriter(w)
	if err := writeString(bw, magic); err != nil {
		return err
	}
	info, err := fs.Stat(fsys, root)
	if err != nil {
		return fmt.Errorf("nar: dump: %w", err)
	}
	if err := dumpNode(bw, fsys, root, info, opts); err != nil {
		return fmt.Errorf("nar: dump: %w", err)
	}
	return bw.Flush()
}

func dumpNode(w *bufio.Writer, fsys fs.FS, p string, info fs.FileInfo, opts DumpOptions) error {
	if err := writeString(w, "("); err != nil {
		return err
	}
	if err := writeString(w, "type"); err != nil {
		return err
	}
	switch {
	case info.Mode().IsDir():
		if err := writeString(w, "directory"); err != nil {
			return err
		}
		entries, err := fs.ReadDir(fsys, p)
		if err != nil {
			return err
		}
		entries = sortEntriesCaseHack(entries, opts.CaseHack)
		for _, e := range entries {
			name := e.Name()
			wireName := name
			if opts.CaseHack {
				wireName = stripCaseHackSuffix(name)
			}
			if err := writeString(w, "entry"); err != nil {
				return err
			}
			if err := writeString(w, "("); err != nil {
				return err
			}
			if err := writeString(w, "name"); err != nil {
				return err
			}
			if err := writeString(w, wireName); err != nil {
				return err
			}
			if err := writeString(w, "node"); err != nil {
				return err
			}
			childPath := path.Join(p, name)
			childInfo, err := e.Info()
			if err != nil {
				return err
			}
			if err := dumpNode(w, fsys, childPath, childInfo, opts); err != nil {
				return err
			}
			if err := writeString(w, ")"); err != nil {
				return err
			}
		}
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := readLink(fsys, p)
		if err != nil {
			return err
		}
		if err := writeString(w, "symlink"); err != nil {
			return err
		}
		if err := writeString(w, "target"); err != nil {
			return err
		}
		if err := writeString(w, target); err != nil {
			return err
		}
	case info.Mode().IsRegular():
		if err := writeString(w, "regular"); err != nil {
			return err
		}
		if info.Mode()&0o111 != 0 {
			if err := writeString(w, "executable"); err != nil {
				return err
			}
			if err := writeString(w, ""); err != nil {
				return err
			}
		}
		if err := writeString(w, "contents"); err != nil {
			return err
		}
		f, err := fsys.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		size := info.Size()
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(size))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		n, err := io.Copy(w, f)
		if err != nil {
			return err
		}
		if n != size {
			return fmt.Errorf("%s: size changed during dump (was %d, now %d)", p, size, n)
		}
		if err := writePadding(w, int(size%8)); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%s: unsupported file type %v", p, info.Mode())
	}
	return writeString(w, ")")
}

// readLink reads a symlink target from an fs.FS that has a ReadLink
// method; for any other fs.FS it returns an error.
func readLink(fsys fs.FS, p string) (string, error) {
	type readLinkFS interface {
		ReadLink(name string) (string, error)
	}
	if rl, ok := fsys.(readLinkFS); ok {
		return rl.ReadLink(p)
	}
	return "", fmt.Errorf("%s: filesystem does not support symlinks", p)
}

// caseHackSuffix is the marker used to disambiguate case-insensitive name
// collisions when restoring onto a case-insensitive filesystem (macOS).
const caseHackSuffix = "~nix~case~hack~"

func stripCaseHackSuffix(name string) string {
	if i := strings.Index(name, caseHackSuffix); i >= 0 {
		return name[:i]
	}
	return name
}

// sortEntriesCaseHack sorts directory entries by name, per spec.md §4.2:
// "Readers stripping the suffix must use the pre-hack lowercased name as
// the sort key" when case-hack is in effect.
func sortEntriesCaseHack(entries []fs.DirEntry, caseHack bool) []fs.DirEntry {
	sorted := append([]fs.DirEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].Name(), sorted[j].Name()
		if caseHack {
			a, b = strings.ToLower(stripCaseHackSuffix(a)), strings.ToLower(stripCaseHackSuffix(b))
		}
		return a < b
	})
	return sorted
}
