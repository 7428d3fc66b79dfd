// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package derivation

import (
	"testing"

	"harmonia.build/daemon/internal/storepath"
)

func TestMarshalParseRoundTrip(t *testing.T) {
	dir := storepath.DefaultDirectory
	dep, err := dir.Object("00000000000000000000000000000001-dep")
	if err != nil {
		t.Fatal(err)
	}
	src, err := dir.Object("00000000000000000000000000000002-src")
	if err != nil {
		t.Fatal(err)
	}
	drv := &Derivation{
		Dir:      dir,
		Name:     "hello",
		Platform: "x86_64-linux",
		Builder:  "/bin/sh",
		Args:     []string{"-c", "echo hi"},
		Env:      map[string]string{"out": "/nix/store/xyz-hello", "PATH": "/bin"},
		Outputs: map[string]DerivationOutput{
			"out": {Kind: InputAddressed, Path: storepath.Path("/nix/store/xyz-hello")},
		},
		InputSources:     []storepath.Path{src},
		InputDerivations: map[storepath.Path][]string{dep: {"out", "dev"}},
	}

	data, err := drv.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	got, err := Parse(dir, "hello", data)
	if err != nil {
		t.Fatalf("Parse: %v\ndata: %s", err, data)
	}
	if got.Platform != drv.Platform || got.Builder != drv.Builder {
		t.Errorf("platform/builder mismatch: got %+v", got)
	}
	if len(got.Args) != 2 || got.Args[0] != "-c" || got.Args[1] != "echo hi" {
		t.Errorf("args mismatch: %v", got.Args)
	}
	if got.Env["PATH"] != "/bin" {
		t.Errorf("env mismatch: %v", got.Env)
	}
	if len(got.InputSources) != 1 || got.InputSources[0] != src {
		t.Errorf("input sources mismatch: %v", got.InputSources)
	}
	names := got.InputDerivations[dep]
	if len(names) != 2 || names[0] != "dev" || names[1] != "out" {
		t.Errorf("input derivation output names mismatch: %v", names)
	}
	out, ok := got.Outputs["out"]
	if !ok || out.Kind != InputAddressed || out.Path != "/nix/store/xyz-hello" {
		t.Errorf("output mismatch: %+v", out)
	}

	data2, err := got.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != string(data2) {
		t.Errorf("re-marshal not idempotent:\n%s\nvs\n%s", data, data2)
	}
}

func TestFixedOutputRoundTrip(t *testing.T) {
	dir := storepath.DefaultDirectory
	ctx := storepath.NewContext(storepath.SHA256)
	ctx.WriteString("fixed output content")
	h := ctx.Sum()

	drv := &Derivation{
		Dir: dir, Name: "fetched", Platform: "x86_64-linux", Builder: "builtin:fetchurl",
		Env: map[string]string{},
		Outputs: map[string]DerivationOutput{
			"out": {Kind: CAFixed, Method: storepath.FlatMethod, HashType: storepath.SHA256, Hash: h},
		},
		InputDerivations: map[storepath.Path][]string{},
	}
	data, err := drv.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(dir, "fetched", data)
	if err != nil {
		t.Fatalf("Parse: %v\ndata: %s", err, data)
	}
	out := got.Outputs["out"]
	if out.Kind != CAFixed || out.Hash != h {
		t.Errorf("fixed output round-trip mismatch: %+v", out)
	}

	resolved, ok := ResolveOutputPath(dir, drv.Name, "out", out)
	if !ok {
		t.Fatal("ResolveOutputPath: not resolvable")
	}
	if resolved.Dir() != dir {
		t.Errorf("resolved path dir = %s; want %s", resolved.Dir(), dir)
	}
}

func TestFloatingOutputRoundTrip(t *testing.T) {
	dir := storepath.DefaultDirectory
	drv := &Derivation{
		Dir: dir, Name: "floater", Platform: "x86_64-linux", Builder: "/bin/sh",
		Env: map[string]string{},
		Outputs: map[string]DerivationOutput{
			"out": {Kind: CAFloating, Method: storepath.RecursiveMethod, HashType: storepath.SHA256},
		},
		InputDerivations: map[storepath.Path][]string{},
	}
	data, err := drv.MarshalText()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Parse(dir, "floater", data)
	if err != nil {
		t.Fatalf("Parse: %v\ndata: %s", err, data)
	}
	out := got.Outputs["out"]
	if out.Kind != CAFloating || out.Method != storepath.RecursiveMethod {
		t.Errorf("floating output round-trip mismatch: %+v", out)
	}
	if _, ok := ResolveOutputPath(dir, drv.Name, "out", out); ok {
		t.Error("ResolveOutputPath should not resolve a floating output before build")
	}
}
