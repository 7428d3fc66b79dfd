// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package nar

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"path"
)

// Reader parses a NAR byte stream into a sequence of [Event] values.
// Call Next to advance; while an EventFile is current, read its contents
// from Event.Reader before calling Next again (Next discards any
// unconsumed file bytes automatically).
type Reader struct {
	r   *bufio.Reader
	cur Event
	err error

	// stack of directory paths currently open, used to compute Event.Path.
	pathStack []string
	// pendingName is set after reading an entry's "name" field, consumed by
	// the following node.
	pendingName string

	fileRemaining int64
	filePad       int
	startedFlag   bool
}

// NewReader returns a Reader that parses r as a NAR stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

func (nr *Reader) fail(err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if nr.err == nil {
		nr.err = err
	}
	return nr.err
}

func (nr *Reader) readUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(nr.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (nr *Reader) readString(max uint64) (string, error) {
	n, err := nr.readUint64()
	if err != nil {
		return "", err
	}
	if n > max {
		return "", fmt.Errorf("nar: string of %d bytes exceeds limit %d", n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(nr.r, buf); err != nil {
		return "", err
	}
	if err := nr.skipPadding(int(n)); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (nr *Reader) skipPadding(n int) error {
	pad := (8 - n%8) % 8
	if pad == 0 {
		return nil
	}
	var buf [8]byte
	_, err := io.ReadFull(nr.r, buf[:pad])
	return err
}

func (nr *Reader) expect(want string) error {
	got, err := nr.readString(4096)
	if err != nil {
		return nr.fail(err)
	}
	if got != want {
		return nr.fail(fmt.Errorf("nar: expected %q, got %q", want, got))
	}
	return nil
}

func (nr *Reader) currentPath() string {
	if len(nr.pathStack) == 0 {
		return ""
	}
	top := nr.pathStack[len(nr.pathStack)-1]
	if top == "/" {
		return ""
	}
	return top
}

// Next advances to the next event. It returns io.EOF once the archive is
// fully consumed.
func (nr *Reader) Next() (Event, error) {
	if nr.err != nil {
		return Event{}, nr.err
	}

	// Drain any unread file bytes from the previous EventFile.
	if nr.fileRemaining > 0 {
		if _, err := io.CopyN(io.Discard, nr.r, nr.fileRemaining); err != nil {
			return Event{}, nr.fail(err)
		}
		nr.fileRemaining = 0
		if err := nr.skipPadding(int(nr.filePad)); err != nil {
			return Event{}, nr.fail(err)
		}
		if err := nr.expect(")"); err != nil {
			return Event{}, err
		}
		return nr.afterNodeClose()
	}

	if len(nr.pathStack) == 0 && nr.pendingName == "" && nr.cur.Kind == 0 && !nr.started() {
		if err := nr.expect(magic); err != nil {
			return Event{}, err
		}
		return nr.readNode("")
	}

	// We're inside a directory: either another entry or the closing paren.
	if len(nr.pathStack) > 0 {
		tok, err := nr.readString(16)
		if err != nil {
			return Event{}, nr.fail(err)
		}
		switch tok {
		case ")":
			nr.pathStack = nr.pathStack[:len(nr.pathStack)-1]
			ev := Event{Kind: EventEndDirectory, Path: nr.currentPath()}
			return nr.emit(ev)
		case "entry":
			if err := nr.expect("("); err != nil {
				return Event{}, err
			}
			if err := nr.expect("name"); err != nil {
				return Event{}, err
			}
			name, err := nr.readString(4096)
			if err != nil {
				return Event{}, nr.fail(err)
			}
			if err := nr.expect("node"); err != nil {
				return Event{}, err
			}
			childPath := name
			if p := nr.currentPath(); p != "" {
				childPath = path.Join(p, name)
			}
			return nr.readNode(childPath)
		default:
			return Event{}, nr.fail(fmt.Errorf("nar: unexpected token %q in directory", tok))
		}
	}

	return Event{}, nr.fail(io.EOF)
}

func (nr *Reader) started() bool {
	return nr.startedFlag
}

func (nr *Reader) readNode(p string) (Event, error) {
	if err := nr.expect("("); err != nil {
		return Event{}, err
	}
	if err := nr.expect("type"); err != nil {
		return Event{}, err
	}
	typ, err := nr.readString(16)
	if err != nil {
		return Event{}, nr.fail(err)
	}
	nr.startedFlag = true
	switch typ {
	case "directory":
		nr.pathStack = append(nr.pathStack, orRoot(p))
		return nr.emit(Event{Kind: EventStartDirectory, Path: p})
	case "symlink":
		if err := nr.expect("target"); err != nil {
			return Event{}, err
		}
		target, err := nr.readString(4096)
		if err != nil {
			return Event{}, nr.fail(err)
		}
		if err := nr.expect(")"); err != nil {
			return Event{}, err
		}
		return nr.afterLeafClose(Event{Kind: EventSymlink, Path: p, Target: target})
	case "regular":
		executable := false
		tok, err := nr.readString(16)
		if err != nil {
			return Event{}, nr.fail(err)
		}
		if tok == "executable" {
			if _, err := nr.readString(0); err != nil {
				return Event{}, nr.fail(err)
			}
			executable = true
			tok, err = nr.readString(16)
			if err != nil {
				return Event{}, nr.fail(err)
			}
		}
		if tok != "contents" {
			return Event{}, nr.fail(fmt.Errorf("nar: expected %q, got %q", "contents", tok))
		}
		size, err := nr.readUint64()
		if err != nil {
			return Event{}, nr.fail(err)
		}
		nr.fileRemaining = int64(size)
		nr.filePad = int(size % 8)
		return Event{Kind: EventFile, Path: p, Executable: executable, Size: int64(size), Reader: &fileReader{nr: nr}}, nil
	default:
		return Event{}, nr.fail(fmt.Errorf("nar: unknown node type %q", typ))
	}
}

func orRoot(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

func (nr *Reader) afterLeafClose(ev Event) (Event, error) {
	return nr.emit(ev)
}

func (nr *Reader) afterNodeClose() (Event, error) {
	return nr.Next()
}

func (nr *Reader) emit(ev Event) (Event, error) {
	nr.cur = ev
	return ev, nil
}

// fileReader exposes the remaining bytes of the current EventFile.
type fileReader struct {
	nr *Reader
}

func (fr *fileReader) Read(p []byte) (int, error) {
	nr := fr.nr
	if nr.fileRemaining == 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > nr.fileRemaining {
		p = p[:nr.fileRemaining]
	}
	n, err := nr.r.Read(p)
	nr.fileRemaining -= int64(n)
	if err != nil {
		return n, nr.fail(err)
	}
	return n, nil
}
