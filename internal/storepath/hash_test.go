// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package storepath

import (
	"bytes"
	"testing"
)

func TestBase32RoundTrip(t *testing.T) {
	tests := [][]byte{
		{},
		{0x00},
		{0xff},
		{0x01, 0x02, 0x03, 0x04, 0x05},
		bytes.Repeat([]byte{0xab}, 20),
		bytes.Repeat([]byte{0x00, 0xff}, 16),
	}
	for _, data := range tests {
		enc := EncodeBase32(data)
		if len(enc) != EncodedBase32Len(len(data)) {
			t.Errorf("EncodeBase32(%x): len(enc) = %d, want %d", data, len(enc), EncodedBase32Len(len(data)))
		}
		dec, err := DecodeBase32(enc, len(data))
		if err != nil {
			t.Fatalf("DecodeBase32(%q, %d): %v", enc, len(data), err)
		}
		if !bytes.Equal(dec, data) {
			t.Errorf("DecodeBase32(EncodeBase32(%x)) = %x, want %x", data, dec, data)
		}
	}
}

func TestDecodeBase32InvalidChar(t *testing.T) {
	// "e", "o", "t", "u" are excluded from the alphabet.
	_, err := DecodeBase32("0000000000000000000000000000000e", 20)
	var decErr *DecodeBase32Error
	if err == nil {
		t.Fatal("DecodeBase32: expected error for invalid character, got nil")
	}
	if !asDecodeError(err, &decErr) {
		t.Fatalf("DecodeBase32: error %v is not a *DecodeBase32Error", err)
	}
	if decErr.Char != 'e' {
		t.Errorf("DecodeBase32: error points at %q, want 'e'", decErr.Char)
	}
}

func asDecodeError(err error, target **DecodeBase32Error) bool {
	if de, ok := err.(*DecodeBase32Error); ok {
		*target = de
		return true
	}
	return false
}

func TestHashSinkRejectsWriteAfterFinish(t *testing.T) {
	sink := NewHashSink(SHA256)
	if _, err := sink.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	h1, n1 := sink.Finish()
	if n1 != 5 {
		t.Errorf("Finish: count = %d, want 5", n1)
	}
	if _, err := sink.Write([]byte("world")); err == nil {
		t.Error("Write after Finish: want error, got nil")
	}
	h2, _ := sink.Finish()
	if h1.Base16() != h2.Base16() {
		t.Error("Finish called twice returned different digests")
	}
}

func TestHashDeterminism(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	full := NewContext(SHA256)
	full.Write(data)
	want := full.Sum().Base16()

	for split := 1; split < len(data); split++ {
		c := NewContext(SHA256)
		c.Write(data[:split])
		c.Write(data[split:])
		if got := c.Sum().Base16(); got != want {
			t.Fatalf("split at %d: digest = %s, want %s", split, got, want)
		}
	}
}

func TestStorePathRoundTrip(t *testing.T) {
	const s = "/nix/store/0c1kdrag4zlvpbymzhvhma84a70xgabr-hello-2.12.1"
	p, err := ParsePath(s)
	if err != nil {
		t.Fatalf("ParsePath(%q): %v", s, err)
	}
	if got := string(p.Dir()); got != "/nix/store" {
		t.Errorf("Dir() = %q, want /nix/store", got)
	}
	if got := p.Name(); got != "hello-2.12.1" {
		t.Errorf("Name() = %q, want hello-2.12.1", got)
	}
	if got := p.Digest(); got != "0c1kdrag4zlvpbymzhvhma84a70xgabr" {
		t.Errorf("Digest() = %q", got)
	}
}

func TestParsePathRejectsBadDigest(t *testing.T) {
	_, err := ParsePath("/nix/store/short-hello")
	if err == nil {
		t.Error("ParsePath with short digest: want error, got nil")
	}
}
