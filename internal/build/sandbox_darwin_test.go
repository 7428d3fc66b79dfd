// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

//go:build darwin

package build

import (
	"strings"
	"testing"
)

func TestBuildSBPLProfileDenyDefault(t *testing.T) {
	sb := &DarwinSandbox{StoreDir: "/nix/store"}
	profile := buildSBPLProfile(sb, "/build/tmp", nil)
	if want := "(deny default)"; !strings.Contains(profile, want) {
		t.Errorf("profile missing %q:\n%s", want, profile)
	}
	if want := "(subpath \"/build/tmp\")"; !strings.Contains(profile, want) {
		t.Errorf("profile missing build dir rule:\n%s", profile)
	}
}

func TestBuildSBPLProfileGroupsLargeInputSets(t *testing.T) {
	var inputs []string
	for i := 0; i < 2000; i++ {
		inputs = append(inputs, "/nix/store/"+paddedDigest(i)+"-dep")
	}
	sb := &DarwinSandbox{StoreDir: "/nix/store"}
	profile := buildSBPLProfileForInputs(sb, "/build/tmp", inputs, nil)

	groups := groupPaths(inputs, sbplPathGroupLimit)
	if len(groups) < 2 {
		t.Fatalf("expected grouping to split 2000 paths into multiple groups, got %d", len(groups))
	}
	for _, g := range groups {
		size := 0
		for _, p := range g {
			size += len("  (subpath )\n") + len(sbplQuote(p))
		}
		if size > sbplPathGroupLimit {
			t.Errorf("group exceeds limit: %d bytes", size)
		}
	}
	if !strings.Contains(profile, "allow file-read* file-write* process-exec") {
		t.Errorf("profile missing input allow block:\n%s", profile)
	}
}

func TestBuildSBPLProfileNetworkOnlyWhenAllowed(t *testing.T) {
	sb := &DarwinSandbox{}
	profile := buildSBPLProfile(sb, "/build/tmp", nil)
	if strings.Contains(profile, "network*") {
		t.Errorf("unexpected network rule in non-networked profile:\n%s", profile)
	}

	sb.AllowNetworking = true
	profile = buildSBPLProfile(sb, "/build/tmp", nil)
	if !strings.Contains(profile, "network*") {
		t.Errorf("expected network rule when AllowNetworking is set:\n%s", profile)
	}
}

func paddedDigest(i int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = '0'
	}
	n := i
	pos := len(buf) - 1
	for n > 0 && pos >= 0 {
		buf[pos] = alphabet[n%len(alphabet)]
		n /= len(alphabet)
		pos--
	}
	return string(buf)
}
