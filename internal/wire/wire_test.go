// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "hello world", string(make([]byte, 100))} {
		var buf bytes.Buffer
		if err := WriteString(&buf, s); err != nil {
			t.Fatalf("WriteString(%q): %v", s, err)
		}
		if buf.Len()%8 != 0 {
			t.Errorf("WriteString(%q): buffer length %d not 8-aligned", s, buf.Len())
		}
		got, err := ReadString(&buf)
		if err != nil {
			t.Fatalf("ReadString: %v", err)
		}
		if got != s {
			t.Errorf("round trip %q: got %q", s, got)
		}
	}
}

func TestStringMapSortedOutput(t *testing.T) {
	var buf bytes.Buffer
	m := map[string]string{"z": "1", "a": "2", "m": "3"}
	if err := WriteStringMap(&buf, m); err != nil {
		t.Fatal(err)
	}
	got, err := ReadStringMap(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(m) {
		t.Fatalf("got %d entries, want %d", len(got), len(m))
	}
	for k, v := range m {
		if got[k] != v {
			t.Errorf("key %q: got %q, want %q", k, got[k], v)
		}
	}
}

// TestFramedWriterReaderRoundTrip exercises the zero-length terminator and
// multi-chunk framing described in spec.md §4.4.2.
func TestFramedWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFramedWriter(&buf)
	payload := bytes.Repeat([]byte("x"), 100000)
	if _, err := fw.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fr := NewFramedReader(&buf)
	got, err := io.ReadAll(fr)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestFramedReaderDrain(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFramedWriter(&buf)
	fw.Write([]byte("partial data that will be abandoned"))
	fw.Close()

	fr := NewFramedReader(&buf)
	// Consume only a few bytes, then Drain must still leave the stream
	// positioned at the next frame boundary.
	small := make([]byte, 4)
	if _, err := fr.Read(small); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := fr.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("after Drain, %d bytes remain unconsumed", buf.Len())
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	client, server := newPipeConns()

	done := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(server, TrustTrusted)
		done <- err
	}()

	info, err := ClientHandshake(client)
	if err != nil {
		t.Fatalf("ClientHandshake: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("ServerHandshake: %v", err)
	}
	if info.ProtocolVersion != ProtocolVersion {
		t.Errorf("negotiated version = %#x, want %#x", info.ProtocolVersion, ProtocolVersion)
	}
	if info.Trust != TrustTrusted {
		t.Errorf("trust = %v, want TrustTrusted", info.Trust)
	}
}

// newPipeConns returns a pair of io.ReadWriters backed by in-memory pipes,
// one for each side of the handshake.
func newPipeConns() (client, server io.ReadWriter) {
	cr, sw := io.Pipe()
	sr, cw := io.Pipe()
	return &pipeRW{cr, cw}, &pipeRW{sr, sw}
}

type pipeRW struct {
	io.Reader
	io.Writer
}
