// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package refscan

import (
	"bytes"
	"io"
)

// ModuloReader wraps an underlying reader, replacing every occurrence of a
// fixed-length search string with same-length zero bytes and recording the
// byte offsets where it did so.
//
// No other package in this module calls it.
// Adapted from 256lights-zb/internal/detect.HashModuloReader, simplified
// to a buffer-and-scan loop since the scanner's streaming concerns (C7)
// are handled separately by [Scanner].
type ModuloReader struct {
	r       io.Reader
	modulus []byte

	buf     []byte // unreturned bytes, possibly containing a partial match tail
	pos     int64  // bytes already returned to the caller
	offsets []int64
	err     error
}

// NewModuloReader returns a ModuloReader that replaces occurrences of
// modulus read from r with zero bytes of the same length.
func NewModuloReader(modulus string, r io.Reader) *ModuloReader {
	return &ModuloReader{r: r, modulus: []byte(modulus)}
}

// Offsets returns the byte offsets (in the output stream) where the
// modulus was found and zeroed, in ascending order.
func (mr *ModuloReader) Offsets() []int64 { return mr.offsets }

func (mr *ModuloReader) Read(p []byte) (int, error) {
	if len(mr.modulus) == 0 {
		return mr.r.Read(p)
	}

	for len(mr.buf) < len(mr.modulus) && mr.err == nil {
		tmp := make([]byte, 4096)
		n, err := mr.r.Read(tmp)
		mr.buf = append(mr.buf, tmp[:n]...)
		mr.err = err
	}

	if len(mr.buf) == 0 {
		return 0, mr.err
	}

	safe := len(mr.buf) - len(mr.modulus) + 1
	if mr.err != nil {
		// At EOF, the whole buffer is safe to scan and return.
		safe = len(mr.buf)
	}
	if safe <= 0 {
		if mr.err != nil {
			n := copy(p, mr.buf)
			mr.pos += int64(n)
			mr.buf = mr.buf[n:]
			if len(mr.buf) == 0 {
				return n, mr.err
			}
			return n, nil
		}
		return 0, nil
	}

	for {
		idx := bytes.Index(mr.buf, mr.modulus)
		if idx < 0 || idx >= safe {
			break
		}
		mr.offsets = append(mr.offsets, mr.pos+int64(idx))
		clear(mr.buf[idx : idx+len(mr.modulus)])
	}

	n := copy(p, mr.buf[:safe])
	mr.pos += int64(n)
	mr.buf = mr.buf[n:]
	if n < safe {
		// Caller's buffer was smaller than the safe region; keep going
		// next call without re-reading.
		return n, nil
	}
	if mr.err != nil && len(mr.buf) == 0 {
		return n, mr.err
	}
	return n, nil
}
