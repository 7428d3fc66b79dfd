// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package wire

import (
	"fmt"
	"io"
)

// defaultFrameSize is the chunk size [FramedWriter] buffers writes into
// before flushing a frame, matching spec.md §4.4.2's "length-prefixed
// chunks" framed body streams used for NAR data and multi-store dumps.
const defaultFrameSize = 32 << 10 // 32 KiB

// FramedReader reads a framed body stream: a sequence of length-prefixed
// chunks terminated by a zero-length chunk. Read returns io.EOF once the
// terminator has been consumed.
type FramedReader struct {
	r         io.Reader
	remaining uint64
	done      bool
}

// NewFramedReader returns a FramedReader reading frames from r.
func NewFramedReader(r io.Reader) *FramedReader {
	return &FramedReader{r: r}
}

func (fr *FramedReader) Read(p []byte) (int, error) {
	if fr.done {
		return 0, io.EOF
	}
	if fr.remaining == 0 {
		n, err := ReadUint64(fr.r)
		if err != nil {
			return 0, fmt.Errorf("wire: framed reader: read chunk length: %w", err)
		}
		if n == 0 {
			fr.done = true
			return 0, io.EOF
		}
		fr.remaining = n
	}
	if uint64(len(p)) > fr.remaining {
		p = p[:fr.remaining]
	}
	n, err := fr.r.Read(p)
	fr.remaining -= uint64(n)
	return n, err
}

// Drain reads and discards all remaining frames, including the terminator.
// Callers MUST call Drain after any failure in a framed-body handler so
// the connection resynchronizes at the next opcode (spec.md §4.4.2,
// §8 property 11).
func (fr *FramedReader) Drain() error {
	_, err := io.Copy(io.Discard, fr)
	if err == io.EOF {
		return nil
	}
	return err
}

// FramedWriter buffers writes into fixed-size chunks and flushes each as a
// length-prefixed frame. Close writes the zero-length terminator.
type FramedWriter struct {
	w   io.Writer
	buf []byte
}

// NewFramedWriter returns a FramedWriter writing frames to w.
func NewFramedWriter(w io.Writer) *FramedWriter {
	return &FramedWriter{w: w, buf: make([]byte, 0, defaultFrameSize)}
}

func (fw *FramedWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		n := copy(fw.buf[len(fw.buf):cap(fw.buf)], p)
		fw.buf = fw.buf[:len(fw.buf)+n]
		p = p[n:]
		if len(fw.buf) == cap(fw.buf) {
			if err := fw.flush(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

func (fw *FramedWriter) flush() error {
	if len(fw.buf) == 0 {
		return nil
	}
	if err := WriteUint64(fw.w, uint64(len(fw.buf))); err != nil {
		return err
	}
	if _, err := fw.w.Write(fw.buf); err != nil {
		return err
	}
	fw.buf = fw.buf[:0]
	return nil
}

// Close flushes any buffered data and writes the zero-length terminator.
func (fw *FramedWriter) Close() error {
	if err := fw.flush(); err != nil {
		return err
	}
	return WriteUint64(fw.w, 0)
}
