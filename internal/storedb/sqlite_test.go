// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package storedb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"harmonia.build/daemon/internal/storepath"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	db := OpenSQLite(filepath.Join(t.TempDir(), "db.sqlite"))
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Error(err)
		}
	})
	return db
}

func fakeNARHash(t *testing.T, seed string) storepath.Hash {
	t.Helper()
	ctx := storepath.NewContext(storepath.SHA256)
	ctx.WriteString(seed)
	return ctx.Sum()
}

func TestRegisterAndQueryPathInfo(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t)

	dep := storepath.Path("/nix/store/0000000000000000000000000000001-dep")
	main := storepath.Path("/nix/store/0000000000000000000000000000002-main")

	if err := db.RegisterValidPath(ctx, RegisterParams{
		Path:    dep,
		NARHash: fakeNARHash(t, "dep"),
		NARSize: 100,
	}); err != nil {
		t.Fatalf("register dep: %v", err)
	}
	if err := db.RegisterValidPath(ctx, RegisterParams{
		Path:       main,
		NARHash:    fakeNARHash(t, "main"),
		NARSize:    200,
		References: []storepath.Path{dep, main}, // self-reference allowed
	}); err != nil {
		t.Fatalf("register main: %v", err)
	}

	info, err := db.QueryPathInfo(ctx, main)
	if err != nil {
		t.Fatal(err)
	}
	if info == nil {
		t.Fatal("expected path info, got nil")
	}
	if info.NARSize != 200 {
		t.Errorf("NARSize = %d; want 200", info.NARSize)
	}
	if len(info.References) != 2 {
		t.Errorf("References = %v; want 2 entries", info.References)
	}

	valid, err := db.IsValidPath(ctx, dep)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Error("IsValidPath(dep) = false; want true")
	}

	referrers, err := db.QueryReferrers(ctx, dep)
	if err != nil {
		t.Fatal(err)
	}
	if len(referrers) != 1 || referrers[0] != main {
		t.Errorf("QueryReferrers(dep) = %v; want [%s]", referrers, main)
	}

	missingInfo, err := db.QueryPathInfo(ctx, "/nix/store/0000000000000000000000000000000-gone")
	if err != nil {
		t.Fatal(err)
	}
	if missingInfo != nil {
		t.Errorf("QueryPathInfo for unregistered path = %v; want nil", missingInfo)
	}
}

func TestQueryPathFromHashPart(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t)

	p := storepath.Path("/nix/store/0000000000000000000000000000003-thing")
	if err := db.RegisterValidPath(ctx, RegisterParams{Path: p, NARHash: fakeNARHash(t, "thing")}); err != nil {
		t.Fatal(err)
	}

	got, err := db.QueryPathFromHashPart(ctx, "/nix/store", "0000000000000000000000000000003")
	if err != nil {
		t.Fatal(err)
	}
	if got != p {
		t.Errorf("QueryPathFromHashPart = %q; want %q", got, p)
	}

	got, err = db.QueryPathFromHashPart(ctx, "/nix/store", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("QueryPathFromHashPart for missing hash = %q; want empty", got)
	}
}

func TestRegisterValidPathRequiresRegisteredReferences(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t)

	p := storepath.Path("/nix/store/0000000000000000000000000000004-main")
	missing := storepath.Path("/nix/store/0000000000000000000000000000005-missing")

	err := db.RegisterValidPath(ctx, RegisterParams{
		Path:       p,
		NARHash:    fakeNARHash(t, "main2"),
		References: []storepath.Path{missing},
	})
	if err == nil {
		t.Fatal("RegisterValidPath with an unregistered reference should fail (invariant i)")
	}
}

func TestRepairReplacesExistingRow(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t)

	p := storepath.Path("/nix/store/0000000000000000000000000000006-thing")
	first := time.Now().Add(-time.Hour)
	if err := db.RegisterValidPath(ctx, RegisterParams{
		Path: p, NARHash: fakeNARHash(t, "v1"), RegistrationTime: first,
	}); err != nil {
		t.Fatal(err)
	}
	second := time.Now()
	if err := db.RegisterValidPath(ctx, RegisterParams{
		Path: p, NARHash: fakeNARHash(t, "v2"), RegistrationTime: second, Repair: true,
	}); err != nil {
		t.Fatal(err)
	}

	info, err := db.QueryPathInfo(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if info.NARHash != fakeNARHash(t, "v2") {
		t.Error("repair did not update nar hash")
	}
}

func TestInvalidatePath(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t)

	p := storepath.Path("/nix/store/0000000000000000000000000000007-thing")
	if err := db.RegisterValidPath(ctx, RegisterParams{Path: p, NARHash: fakeNARHash(t, "x")}); err != nil {
		t.Fatal(err)
	}
	if err := db.InvalidatePath(ctx, p); err != nil {
		t.Fatal(err)
	}
	valid, err := db.IsValidPath(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Error("path still valid after InvalidatePath")
	}
}

func TestComputeClosureSkipsMissingPaths(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t)

	leaf := storepath.Path("/nix/store/0000000000000000000000000000008-leaf")
	root := storepath.Path("/nix/store/0000000000000000000000000000009-root")
	if err := db.RegisterValidPath(ctx, RegisterParams{Path: leaf, NARHash: fakeNARHash(t, "leaf")}); err != nil {
		t.Fatal(err)
	}
	if err := db.RegisterValidPath(ctx, RegisterParams{
		Path: root, NARHash: fakeNARHash(t, "root"), References: []storepath.Path{leaf},
	}); err != nil {
		t.Fatal(err)
	}

	missing := storepath.Path("/nix/store/000000000000000000000000000000a-gone")
	closure, err := ComputeClosure(ctx, db, []storepath.Path{root, missing})
	if err != nil {
		t.Fatal(err)
	}
	found := map[storepath.Path]bool{}
	for _, p := range closure {
		found[p] = true
	}
	if !found[root] || !found[leaf] {
		t.Errorf("closure = %v; want root and leaf", closure)
	}
	if found[missing] {
		t.Errorf("closure should not have expanded references for missing path %s", missing)
	}
}
