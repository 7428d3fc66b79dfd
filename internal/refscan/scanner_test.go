// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package refscan

import (
	"sort"
	"testing"

	"harmonia.build/daemon/internal/storepath"
)

func mustPath(t *testing.T, s string) storepath.Path {
	t.Helper()
	p, err := storepath.ParsePath(s)
	if err != nil {
		t.Fatalf("ParsePath(%q): %v", s, err)
	}
	return p
}

// TestScannerChunkInvariance matches spec.md §8 property 4: feeding the
// same reference-bearing stream in any chunk size reports the same hit set.
func TestScannerChunkInvariance(t *testing.T) {
	target := mustPath(t, "/nix/store/0c1kdrag4zlvpbymzhvhma84a70xgabr-hello-2.12.1")
	other := mustPath(t, "/nix/store/zn1w1wsmqmh1v2sy4x5ginlm1ccl22ql-glibc-2.38")

	stream := "prefix garbage " + string(target) + " middle " + string(other) + " suffix"

	for size := 1; size <= len(stream); size++ {
		s := New([]storepath.Path{target, other})
		for i := 0; i < len(stream); i += size {
			end := i + size
			if end > len(stream) {
				end = len(stream)
			}
			if _, err := s.Write([]byte(stream[i:end])); err != nil {
				t.Fatalf("chunk size %d: Write: %v", size, err)
			}
		}
		got := s.Found()
		sort.Strings(got)
		want := []string{target.Digest(), other.Digest()}
		sort.Strings(want)
		if len(got) != len(want) {
			t.Fatalf("chunk size %d: Found() = %v, want %v", size, got, want)
		}
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("chunk size %d: Found() = %v, want %v", size, got, want)
			}
		}
	}
}

func TestScannerIgnoresNonCandidates(t *testing.T) {
	target := mustPath(t, "/nix/store/0c1kdrag4zlvpbymzhvhma84a70xgabr-hello-2.12.1")
	s := New([]storepath.Path{target})
	if _, err := s.Write([]byte("no hashes in here at all")); err != nil {
		t.Fatal(err)
	}
	if got := s.Found(); len(got) != 0 {
		t.Errorf("Found() = %v, want empty", got)
	}
}
