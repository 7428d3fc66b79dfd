// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package daemonserver

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"harmonia.build/daemon/internal/storedb"
	"harmonia.build/daemon/internal/storepath"
	"harmonia.build/daemon/internal/wire"
)

func TestRootSet(t *testing.T) {
	var s rootSet
	if s.has("a") {
		t.Error("has(a) = true before add")
	}
	s.add("a")
	s.add("a")
	s.add("b")
	if !s.has("a") || !s.has("b") {
		t.Error("has() false for added roots")
	}
	got := s.snapshot()
	if len(got) != 2 {
		t.Errorf("snapshot() = %v, want 2 distinct roots", got)
	}
}

func fakeNARHash(t *testing.T, seed string) storepath.Hash {
	t.Helper()
	ctx := storepath.NewContext(storepath.SHA256)
	ctx.WriteString(seed)
	return ctx.Sum()
}

// fakeStorePath builds a syntactically valid store path from seed so it
// survives [storepath.ParsePath] on the wire round trip, instead of a
// hand-padded digest string of the wrong length.
func fakeStorePath(t *testing.T, seed byte, name string) storepath.Path {
	t.Helper()
	digest := make([]byte, 20)
	digest[0] = seed
	p, err := storepath.DefaultDirectory.Object(storepath.EncodeBase32(digest) + "-" + name)
	if err != nil {
		t.Fatalf("fakeStorePath: %v", err)
	}
	return p
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db := storedb.OpenSQLite(filepath.Join(t.TempDir(), "db.sqlite"))
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Error(err)
		}
	})
	return New(storepath.DefaultDirectory, db, Options{
		RealDir:    t.TempDir(),
		BuildDir:   t.TempDir(),
		GCRootsDir: t.TempDir(),
	})
}

// TestAddTempRootThenFindRoots drives [conn.opAddTempRoot] and
// [conn.opFindRoots] over a real net.Conn pair, matching the protocol's
// actual wire shape rather than calling the handlers with fabricated
// arguments.
func TestAddTempRootThenFindRoots(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	target := fakeStorePath(t, 1, "dep")
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	c := &conn{rw: serverSide, version: wire.ProtocolVersion, trust: wire.TrustTrusted, server: srv}

	errCh := make(chan error, 1)
	go func() { errCh <- c.opAddTempRoot(ctx) }()
	if err := wire.WriteString(clientSide, string(target)); err != nil {
		t.Fatalf("write path: %v", err)
	}
	msg, err := wire.ReadLogMessage(clientSide)
	if err != nil {
		t.Fatalf("read log message: %v", err)
	}
	if msg.Type != wire.LogLast {
		t.Fatalf("log message type = %v, want LogLast", msg.Type)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("opAddTempRoot: %v", err)
	}

	if !srv.tempRoots.has(string(target)) {
		t.Fatal("temp root not recorded")
	}

	go func() { errCh <- c.opFindRoots(ctx) }()
	if msg, err = wire.ReadLogMessage(clientSide); err != nil {
		t.Fatalf("read log message: %v", err)
	}
	if msg.Type != wire.LogLast {
		t.Fatalf("log message type = %v, want LogLast", msg.Type)
	}
	n, err := wire.ReadUint64(clientSide)
	if err != nil {
		t.Fatalf("read root count: %v", err)
	}
	if n != 1 {
		t.Fatalf("root count = %d, want 1", n)
	}
	root, err := wire.ReadString(clientSide)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	if root != string(target) {
		t.Errorf("root = %q, want %q", root, target)
	}
	storePathStr, err := wire.ReadString(clientSide)
	if err != nil {
		t.Fatalf("read store path: %v", err)
	}
	if storePathStr != string(target) {
		t.Errorf("store path = %q, want %q", storePathStr, target)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("opFindRoots: %v", err)
	}
}

// TestCollectGarbageDeletesUnreferencedPath exercises the
// DeleteDead action end to end against a real sqlite-backed DB: a
// registered path with no referrers and no live root is reported and
// invalidated; its row is gone from QueryAllValidPaths afterward.
func TestCollectGarbageDeletesUnreferencedPath(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	dead := fakeStorePath(t, 2, "dead")
	if err := srv.DB.RegisterValidPath(ctx, storedb.RegisterParams{
		Path:             dead,
		NARHash:          fakeNARHash(t, "dead"),
		NARSize:          10,
		RegistrationTime: time.Now(),
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()
	c := &conn{rw: serverSide, version: wire.ProtocolVersion, trust: wire.TrustTrusted, server: srv}

	errCh := make(chan error, 1)
	go func() { errCh <- c.opCollectGarbage(ctx) }()

	if err := wire.WriteUint64(clientSide, uint64(gcDeleteDead)); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteStrings(clientSide, nil); err != nil { // pathsToDelete
		t.Fatal(err)
	}
	if err := wire.WriteBool(clientSide, false); err != nil { // ignoreLiveness
		t.Fatal(err)
	}
	if err := wire.WriteUint64(clientSide, 0); err != nil { // maxFreed
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := wire.WriteString(clientSide, ""); err != nil {
			t.Fatal(err)
		}
	}

	msg, err := wire.ReadLogMessage(clientSide)
	if err != nil {
		t.Fatalf("read log message: %v", err)
	}
	if msg.Type != wire.LogLast {
		t.Fatalf("log message type = %v, want LogLast", msg.Type)
	}
	deleted, err := wire.ReadStrings(clientSide)
	if err != nil {
		t.Fatalf("read deleted paths: %v", err)
	}
	if _, err := wire.ReadUint64(clientSide); err != nil { // bytesFreed
		t.Fatalf("read bytesFreed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("opCollectGarbage: %v", err)
	}

	if len(deleted) != 1 || deleted[0] != string(dead) {
		t.Fatalf("deleted = %v, want [%s]", deleted, dead)
	}
	ok, err := srv.DB.IsValidPath(ctx, dead)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("dead path still valid after DeleteDead")
	}
}
