// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package storepath

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// Signature is a parsed "<key-name>:<base64 signature>" pair, matching the
// on-disk/wire format Nix uses for narinfo signatures. Signing itself uses
// crypto/ed25519 from the standard library: spec.md §1 names cryptographic
// signature primitives as an externally-supplied stable dependency rather
// than something this component reimplements.
type Signature struct {
	KeyName string
	Sig     []byte
}

// String renders the signature in "<key-name>:<base64>" form.
func (s Signature) String() string {
	return s.KeyName + ":" + base64.StdEncoding.EncodeToString(s.Sig)
}

// ParseSignature parses a signature in "<key-name>:<base64>" form.
func ParseSignature(s string) (Signature, error) {
	name, b64, ok := strings.Cut(s, ":")
	if !ok {
		return Signature{}, fmt.Errorf("parse signature %q: missing ':'", s)
	}
	sig, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Signature{}, fmt.Errorf("parse signature %q: %v", s, err)
	}
	return Signature{KeyName: name, Sig: sig}, nil
}

// Fingerprint computes the exact byte string Nix signs for a store path,
// per spec.md §8 scenario c: "1;<full-path>;sha256:<base32-H>;<nar-size>;<comma-joined-refs>".
func Fingerprint(dir Directory, path Path, narHash Hash, narSize int64, refs References) string {
	sorted := append([]Path(nil), refs.Others...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	names := make([]string, len(sorted))
	for i, r := range sorted {
		names[i] = string(r)
	}
	return fmt.Sprintf("1;%s;%s:%s;%d;%s",
		path, narHash.Type(), narHash.Base32(), narSize, strings.Join(names, ","))
}

// SigningKey is an Ed25519 keypair identified by name, used to sign
// fingerprints produced by [Fingerprint].
type SigningKey struct {
	Name    string
	Private ed25519.PrivateKey
}

// Sign signs data and returns a Signature.
func (k SigningKey) Sign(data string) Signature {
	return Signature{
		KeyName: k.Name,
		Sig:     ed25519.Sign(k.Private, []byte(data)),
	}
}

// PublicKey is the verifying half of a [SigningKey], distributed to clients
// to check narinfo signatures (spec.md §8 scenario c, "trusted key").
type PublicKey struct {
	Name   string
	Public ed25519.PublicKey
}

// Verify reports whether sig is a valid signature over data by k, matching
// both the key name and the Ed25519 signature.
func (k PublicKey) Verify(data string, sig Signature) bool {
	return sig.KeyName == k.Name && ed25519.Verify(k.Public, []byte(data), sig.Sig)
}
