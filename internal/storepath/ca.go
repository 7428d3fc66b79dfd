// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package storepath

import (
	"fmt"
	"strings"
)

// CAMethod identifies how a content address's hash was computed.
type CAMethod int8

const (
	// TextMethod hashes the raw bytes of a single text file (always SHA-256).
	TextMethod CAMethod = 1 + iota
	// FlatMethod hashes the raw bytes of a single file.
	FlatMethod
	// RecursiveMethod hashes the canonical NAR serialization of a subtree.
	RecursiveMethod
)

func (m CAMethod) prefix() string {
	switch m {
	case TextMethod:
		return "text:"
	case FlatMethod:
		return ""
	case RecursiveMethod:
		return "r:"
	default:
		panic("storepath: unknown content address method")
	}
}

// ContentAddress is a content-addressability assertion: a tagged union of
// Text(sha256) | Flat(hash) | Recursive(hash), per spec.md §3.
type ContentAddress struct {
	method CAMethod
	hash   Hash
}

// TextContentAddress returns a ContentAddress for a text file hashed with h,
// which must be a SHA-256 hash.
func TextContentAddress(h Hash) ContentAddress {
	if h.Type() != SHA256 {
		panic("storepath: text content address must use SHA-256")
	}
	return ContentAddress{method: TextMethod, hash: h}
}

// FlatFileContentAddress returns a ContentAddress for a single file hashed flat.
func FlatFileContentAddress(h Hash) ContentAddress {
	return ContentAddress{method: FlatMethod, hash: h}
}

// RecursiveFileContentAddress returns a ContentAddress for a subtree hashed
// via its NAR serialization.
func RecursiveFileContentAddress(h Hash) ContentAddress {
	return ContentAddress{method: RecursiveMethod, hash: h}
}

// IsZero reports whether ca is the zero value (no content address).
func (ca ContentAddress) IsZero() bool { return ca.method == 0 }

// IsText reports whether ca uses [TextMethod].
func (ca ContentAddress) IsText() bool { return ca.method == TextMethod }

// IsRecursiveFile reports whether ca uses [RecursiveMethod].
func (ca ContentAddress) IsRecursiveFile() bool { return ca.method == RecursiveMethod }

// IsFixed reports whether ca fixes a concrete hash (true for all non-zero
// content addresses; the name matches upstream Nix's "fixed output" usage,
// distinguishing it from floating/deferred derivation outputs which carry
// only a method+algorithm, not a hash, until build time).
func (ca ContentAddress) IsFixed() bool { return !ca.IsZero() }

// Method returns the content-addressing method.
func (ca ContentAddress) Method() CAMethod { return ca.method }

// Hash returns the content address's digest.
func (ca ContentAddress) Hash() Hash { return ca.hash }

// IsSourceContentAddress reports whether ca describes a "source" store
// object: hashed recursively with SHA-256 and not a fixed (non-SHA-256)
// hash. This typically means imported source trees, but can also mean
// content-addressed build artifacts (floating outputs).
func IsSourceContentAddress(ca ContentAddress) bool {
	return ca.IsRecursiveFile() && ca.hash.Type() == SHA256
}

// ValidateContentAddress checks whether the combination of ca and refs is
// one the store will accept, per spec.md §3 invariant (iv) and the
// text/fixed-output reference restrictions.
func ValidateContentAddress(ca ContentAddress, refs References) error {
	isFixedOutput := ca.IsFixed() && !IsSourceContentAddress(ca)
	switch {
	case ca.IsZero():
		return fmt.Errorf("null content address")
	case ca.IsText() && ca.hash.Type() != SHA256:
		return fmt.Errorf("text must be content-addressed by sha256 (got %v)", ca.hash.Type())
	case refs.Self && ca.IsText():
		return fmt.Errorf("self-references not allowed in text")
	case !refs.IsEmpty() && isFixedOutput:
		return fmt.Errorf("references not allowed in fixed output")
	default:
		return nil
	}
}

// String renders ca in Nix's "<method-prefix><algo>:<base32>" textual form,
// e.g. "sha256:1abc...", "r:sha256:1abc...", "text:sha256:1abc...". The
// zero value renders as the empty string.
func (ca ContentAddress) String() string {
	if ca.IsZero() {
		return ""
	}
	return ca.method.prefix() + ca.hash.Type().String() + ":" + ca.hash.Base32()
}

// ParseContentAddress parses the textual form produced by
// [ContentAddress.String].
func ParseContentAddress(s string) (ContentAddress, error) {
	if s == "" {
		return ContentAddress{}, nil
	}
	method := FlatMethod
	rest := s
	switch {
	case strings.HasPrefix(rest, "text:"):
		method = TextMethod
		rest = rest[len("text:"):]
	case strings.HasPrefix(rest, "r:"):
		method = RecursiveMethod
		rest = rest[len("r:"):]
	}
	algo, b32, ok := strings.Cut(rest, ":")
	if !ok {
		return ContentAddress{}, fmt.Errorf("parse content address %q: missing hash", s)
	}
	typ, err := ParseHashType(algo)
	if err != nil {
		return ContentAddress{}, fmt.Errorf("parse content address %q: %v", s, err)
	}
	digest, err := DecodeBase32(b32, typ.Size())
	if err != nil {
		return ContentAddress{}, fmt.Errorf("parse content address %q: %v", s, err)
	}
	return ContentAddress{method: method, hash: NewHash(typ, digest)}, nil
}

// String renders the bare method name ("text", "flat", "recursive"), used
// by ATerm derivation output serialization (spec.md §6).
func (m CAMethod) String() string {
	switch m {
	case TextMethod:
		return "text"
	case FlatMethod:
		return "flat"
	case RecursiveMethod:
		return "recursive"
	default:
		return fmt.Sprintf("CAMethod(%d)", int8(m))
	}
}

// ParseCAMethod parses the bare method name produced by [CAMethod.String].
func ParseCAMethod(s string) (CAMethod, error) {
	switch s {
	case "text":
		return TextMethod, nil
	case "flat":
		return FlatMethod, nil
	case "recursive":
		return RecursiveMethod, nil
	default:
		return 0, fmt.Errorf("parse content address method: unknown %q", s)
	}
}

// FixedCAOutputPath computes the path of a store object with the given
// directory, name, content address, and reference set, per spec.md §3 and
// §4.6 phase 3's CAFixed naming rule.
func FixedCAOutputPath(dir Directory, name string, ca ContentAddress, refs References) (Path, error) {
	if err := ValidateContentAddress(ca, refs); err != nil {
		return "", fmt.Errorf("compute fixed output path for %s: %w", name, err)
	}
	h := ca.Hash()
	switch {
	case ca.IsText():
		return MakeStorePath(dir, "text", h, name, refs)
	case IsSourceContentAddress(ca):
		return MakeStorePath(dir, "source", h, name, refs)
	default:
		h2 := NewContext(SHA256)
		h2.WriteString("fixed:out:")
		h2.WriteString(ca.method.prefix())
		h2.WriteString(h.Base16())
		h2.WriteString(":")
		return MakeStorePath(dir, "output:out", h2.Sum(), name, References{})
	}
}
