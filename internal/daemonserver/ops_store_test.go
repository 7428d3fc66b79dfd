// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package daemonserver

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"harmonia.build/daemon/internal/nar"
	"harmonia.build/daemon/internal/storepath"
	"harmonia.build/daemon/internal/wire"
)

// dumpFile writes a single regular file at dir/name and returns its NAR
// bytes, for use as an AddToStoreNar/AddMultipleToStore payload.
func dumpFile(t *testing.T, contents string) []byte {
	t.Helper()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "file"), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := nar.DumpPath(&buf, filepath.Join(src, "file"), false); err != nil {
		t.Fatalf("DumpPath: %v", err)
	}
	return buf.Bytes()
}

func writeAddToStoreNarRequest(t *testing.T, w net.Conn, p storepath.Path, narBytes []byte, hash storepath.Hash) {
	t.Helper()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("write request: %v", err)
		}
	}
	must(wire.WriteString(w, string(p)))
	must(wire.WriteString(w, "")) // deriver
	must(wire.WriteString(w, hash.SRI()))
	must(wire.WriteStrings(w, nil)) // references
	must(wire.WriteUint64(w, 0))    // registration time: now
	must(wire.WriteUint64(w, uint64(len(narBytes))))
	must(wire.WriteBool(w, false)) // ultimate
	must(wire.WriteStrings(w, nil)) // signatures
	must(wire.WriteString(w, ""))   // content address
	must(wire.WriteBool(w, false))  // repair
	must(wire.WriteBool(w, false))  // dontCheckSigs

	fw := wire.NewFramedWriter(w)
	if _, err := fw.Write(narBytes); err != nil {
		t.Fatalf("write nar body: %v", err)
	}
	if err := fw.Close(); err != nil {
		t.Fatalf("close framed writer: %v", err)
	}
}

func TestAddToStoreNarRegistersPath(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	p := fakeStorePath(t, 3, "nar-test")
	narBytes := dumpFile(t, "hello")
	sink := storepath.NewHashSink(storepath.SHA256)
	sink.Write(narBytes)
	hash, _ := sink.Finish()

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()
	c := &conn{rw: serverSide, version: wire.ProtocolVersion, trust: wire.TrustTrusted, server: srv}

	errCh := make(chan error, 1)
	go func() { errCh <- c.opAddToStoreNar(ctx) }()
	writeAddToStoreNarRequest(t, clientSide, p, narBytes, hash)

	msg, err := wire.ReadLogMessage(clientSide)
	if err != nil {
		t.Fatalf("read log message: %v", err)
	}
	if msg.Type != wire.LogLast {
		t.Fatalf("log message = %+v, want Last", msg)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("opAddToStoreNar: %v", err)
	}

	ok, err := srv.DB.IsValidPath(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("path not registered")
	}
	got, err := os.ReadFile(filepath.Join(srv.RealDir, p.Base()))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("restored contents = %q, want %q", got, "hello")
	}
}

// TestAddToStoreNarRejectsHashMismatch ensures a client-declared narHash
// that doesn't match the bytes actually received is rejected as a
// per-operation error rather than trusted, per the security rationale
// in opAddToStoreNar's doc comment.
func TestAddToStoreNarRejectsHashMismatch(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	p := fakeStorePath(t, 4, "nar-mismatch")
	narBytes := dumpFile(t, "hello")
	wrongHash := fakeNARHash(t, "not-the-nar-bytes")

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()
	c := &conn{rw: serverSide, version: wire.ProtocolVersion, trust: wire.TrustTrusted, server: srv}

	errCh := make(chan error, 1)
	go func() { errCh <- c.opAddToStoreNar(ctx) }()
	writeAddToStoreNarRequest(t, clientSide, p, narBytes, wrongHash)

	msg, err := wire.ReadLogMessage(clientSide)
	if err != nil {
		t.Fatalf("read log message: %v", err)
	}
	if msg.Type != wire.LogError {
		t.Fatalf("log message type = %v, want LogError", msg.Type)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("opAddToStoreNar: %v", err)
	}

	ok, err := srv.DB.IsValidPath(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("path registered despite hash mismatch")
	}
}

func TestAddToStoreNarRequiresTrustedConnection(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()
	c := &conn{rw: serverSide, version: wire.ProtocolVersion, trust: wire.TrustNotTrusted, server: srv}

	errCh := make(chan error, 1)
	go func() { errCh <- c.opAddToStoreNar(ctx) }()

	msg, err := wire.ReadLogMessage(clientSide)
	if err != nil {
		t.Fatalf("read log message: %v", err)
	}
	if msg.Type != wire.LogError {
		t.Fatalf("log message type = %v, want LogError", msg.Type)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("opAddToStoreNar: %v", err)
	}
}
