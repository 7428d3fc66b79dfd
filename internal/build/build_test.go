// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package build

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"harmonia.build/daemon/internal/derivation"
	"harmonia.build/daemon/internal/storedb"
	"harmonia.build/daemon/internal/storepath"
)

func testDrv() *derivation.Derivation {
	return &derivation.Derivation{
		Name:     "hello",
		Platform: "x86_64-linux",
		Builder:  "/bin/sh",
		Args:    []string{"-c", "echo hi"},
		Env: map[string]string{
			"out": "/nix/store/00000000000000000000000000000000-hello",
		},
		Outputs: map[string]derivation.DerivationOutput{
			"out": {Kind: derivation.InputAddressed, Path: "00000000000000000000000000000000-hello"},
		},
	}
}

func TestBuildEnvironSetsFixedVars(t *testing.T) {
	drv := testDrv()
	outPaths := map[string]storepath.Path{
		"out": "/nix/store/00000000000000000000000000000000-hello",
	}
	env, attrFiles, err := buildEnviron("/nix/store", "hello", drv, outPaths, "/build/tmp", Config{})
	if err != nil {
		t.Fatal(err)
	}
	if len(attrFiles) != 0 {
		t.Errorf("attrFiles = %v, want none (no passAsFile/structuredAttrs)", attrFiles)
	}
	want := map[string]string{
		"NIX_BUILD_TOP": "/build/tmp",
		"TMPDIR":        "/build/tmp",
		"PWD":           "/build/tmp",
		"out":           "/nix/store/00000000000000000000000000000000-hello",
		"outputs":       "out",
		"NIX_LOG_FD":    "2",
	}
	got := make(map[string]string, len(want))
	for k := range want {
		got[k] = env[k]
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("fixed env vars (-want +got):\n%s", diff)
	}
}

func TestBuildEnvironPassAsFile(t *testing.T) {
	drv := testDrv()
	drv.Env["passAsFile"] = "buildCommand"
	drv.Env["buildCommand"] = "a very long inline script"
	outPaths := map[string]storepath.Path{"out": "/nix/store/00000000000000000000000000000000-hello"}

	env, attrFiles, err := buildEnviron("/nix/store", "hello", drv, outPaths, "/build/tmp", Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := env["buildCommand"]; ok {
		t.Error("buildCommand should not appear directly in env when passAsFile'd")
	}
	path, ok := env["buildCommandPath"]
	if !ok {
		t.Fatal("buildCommandPath not set")
	}
	data, ok := attrFiles[path]
	if !ok {
		t.Fatalf("attrFiles missing entry for %s", path)
	}
	if string(data) != "a very long inline script" {
		t.Errorf("attr file content = %q", data)
	}
}

func TestBuildEnvironStructuredAttrs(t *testing.T) {
	drv := testDrv()
	drv.StructuredAttrs = []byte(`{"foo": "bar"}`)
	outPaths := map[string]storepath.Path{"out": "/nix/store/00000000000000000000000000000000-hello"}

	env, attrFiles, err := buildEnviron("/nix/store", "hello", drv, outPaths, "/build/tmp", Config{})
	if err != nil {
		t.Fatal(err)
	}
	file, ok := env["NIX_ATTRS_JSON_FILE"]
	if !ok {
		t.Fatal("NIX_ATTRS_JSON_FILE not set")
	}
	data, ok := attrFiles[file]
	if !ok {
		t.Fatal("attrFiles missing the JSON file")
	}
	if !strings.Contains(string(data), `"foo":"bar"`) && !strings.Contains(string(data), `"foo": "bar"`) {
		t.Errorf("structured attrs JSON missing original key: %s", data)
	}
	if !strings.Contains(string(data), `"outputs"`) {
		t.Errorf("structured attrs JSON missing injected outputs key: %s", data)
	}
}

func TestCheckImpureHostDeps(t *testing.T) {
	drv := testDrv()
	drv.Env["__impureHostDeps"] = "/usr/lib/libSystem.dylib"

	if err := checkImpureHostDeps(drv, Config{AllowedImpureHostDeps: []string{"/usr/lib"}}); err != nil {
		t.Errorf("expected no error with matching prefix, got %v", err)
	}
	if err := checkImpureHostDeps(drv, Config{AllowedImpureHostDeps: []string{"/opt"}}); err == nil {
		t.Error("expected error for unlisted impure host dep")
	}
}

func testDB(t *testing.T) storedb.DB {
	t.Helper()
	db := storedb.OpenSQLite(filepath.Join(t.TempDir(), "db.sqlite"))
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Error(err)
		}
	})
	return db
}

func registerFakeValidPath(t *testing.T, db storedb.DB, p storepath.Path, refs []storepath.Path) {
	t.Helper()
	ctx := storepath.NewContext(storepath.SHA256)
	ctx.WriteString(string(p))
	if err := db.RegisterValidPath(context.Background(), storedb.RegisterParams{
		Path:             p,
		NARHash:          ctx.Sum(),
		NARSize:          1,
		References:       refs,
		RegistrationTime: time.Now(),
	}); err != nil {
		t.Fatalf("registerFakeValidPath(%s): %v", p, err)
	}
}

func TestCheckConstraintsAllowedReferences(t *testing.T) {
	drv := testDrv()
	out := storepath.Path("/nix/store/00000000000000000000000000000000-hello")
	ref := storepath.Path("/nix/store/11111111111111111111111111111111-dep")
	drv.Env["allowedReferences"] = string(ref)

	outPaths := map[string]storepath.Path{"out": out}
	infos := map[string]*outputInfo{"out": {References: []storepath.Path{ref}}}
	db := testDB(t)

	if _, ok, err := checkConstraints(context.Background(), db, drv, outPaths, infos); err != nil || !ok {
		t.Errorf("expected allowed reference to pass, got ok=%v err=%v", ok, err)
	}

	infos["out"].References = append(infos["out"].References, storepath.Path("/nix/store/22222222222222222222222222222222-other"))
	if _, ok, err := checkConstraints(context.Background(), db, drv, outPaths, infos); err != nil || ok {
		t.Errorf("expected unlisted reference to fail allowedReferences, got ok=%v err=%v", ok, err)
	}
}

func TestCheckConstraintsDisallowedReferences(t *testing.T) {
	drv := testDrv()
	out := storepath.Path("/nix/store/00000000000000000000000000000000-hello")
	bad := storepath.Path("/nix/store/33333333333333333333333333333333-forbidden")
	drv.Env["disallowedReferences"] = string(bad)

	outPaths := map[string]storepath.Path{"out": out}
	infos := map[string]*outputInfo{"out": {References: []storepath.Path{bad}}}
	db := testDB(t)

	if _, ok, err := checkConstraints(context.Background(), db, drv, outPaths, infos); err != nil || ok {
		t.Errorf("expected disallowed reference to fail, got ok=%v err=%v", ok, err)
	}
}

func TestCheckConstraintsDisallowedRequisitesTransitive(t *testing.T) {
	drv := testDrv()
	out := storepath.Path("/nix/store/00000000000000000000000000000000-hello")
	direct := storepath.Path("/nix/store/11111111111111111111111111111111-dep")
	transitive := storepath.Path("/nix/store/44444444444444444444444444444444-transitive-bad")
	drv.Env["disallowedRequisites"] = string(transitive)

	db := testDB(t)
	// direct references transitive, but the output itself does not -
	// disallowedRequisites must still catch it via the closure.
	registerFakeValidPath(t, db, transitive, nil)
	registerFakeValidPath(t, db, direct, []storepath.Path{transitive})

	outPaths := map[string]storepath.Path{"out": out}
	infos := map[string]*outputInfo{"out": {References: []storepath.Path{direct}}}

	if _, ok, err := checkConstraints(context.Background(), db, drv, outPaths, infos); err != nil || ok {
		t.Errorf("expected transitively disallowed requisite to fail, got ok=%v err=%v", ok, err)
	}
}

func TestCheckConstraintsAllowedRequisitesTransitive(t *testing.T) {
	drv := testDrv()
	out := storepath.Path("/nix/store/00000000000000000000000000000000-hello")
	direct := storepath.Path("/nix/store/11111111111111111111111111111111-dep")
	transitive := storepath.Path("/nix/store/44444444444444444444444444444444-transitive-ok")
	drv.Env["allowedRequisites"] = strings.Join([]string{string(direct), string(transitive)}, " ")

	db := testDB(t)
	registerFakeValidPath(t, db, transitive, nil)
	registerFakeValidPath(t, db, direct, []storepath.Path{transitive})

	outPaths := map[string]storepath.Path{"out": out}
	infos := map[string]*outputInfo{"out": {References: []storepath.Path{direct}}}

	if _, ok, err := checkConstraints(context.Background(), db, drv, outPaths, infos); err != nil || !ok {
		t.Errorf("expected requisite closure within allowedRequisites to pass, got ok=%v err=%v", ok, err)
	}

	notAllowed := storepath.Path("/nix/store/55555555555555555555555555555555-unexpected")
	registerFakeValidPath(t, db, notAllowed, nil)
	registerFakeValidPath(t, db, direct, []storepath.Path{transitive, notAllowed})
	if _, ok, err := checkConstraints(context.Background(), db, drv, outPaths, infos); err != nil || ok {
		t.Errorf("expected requisite outside allowedRequisites to fail, got ok=%v err=%v", ok, err)
	}
}

func TestSandboxDirPrefixTruncates(t *testing.T) {
	long := strings.Repeat("x", 200)
	p := sandboxDirPrefix(long)
	if !strings.HasSuffix(p, "-*") {
		t.Errorf("prefix %q missing trailing glob", p)
	}
	if len(p) > 64 {
		t.Errorf("prefix %q too long: %d bytes", p, len(p))
	}
}

func TestDeadlineExpiry(t *testing.T) {
	dl := newDeadline(0)
	if dl.expired() {
		t.Error("zero duration deadline should never expire")
	}
}
