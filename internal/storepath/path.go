// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package storepath

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strings"
)

// Directory is a store directory, e.g. "/nix/store".
type Directory string

// DefaultDirectory is the conventional store directory.
const DefaultDirectory Directory = "/nix/store"

// Object joins dir with a base name ("<hash>-<name>"), validating it as a Path.
func (dir Directory) Object(base string) (Path, error) {
	return ParsePath(string(dir) + "/" + base)
}

const (
	digestLen       = 20 // bytes; 32 base32 characters
	maxNameLength   = 211
)

// Path is a validated, fully-qualified store path:
// "<store-dir>/<base32-digest>-<name>".
type Path string

// ParsePath validates and wraps s as a Path.
func ParsePath(s string) (Path, error) {
	i := strings.LastIndexByte(s, '/')
	if i < 0 {
		return "", fmt.Errorf("parse store path %q: missing directory", s)
	}
	base := s[i+1:]
	digest, name, ok := strings.Cut(base, "-")
	if !ok {
		return "", fmt.Errorf("parse store path %q: missing name", s)
	}
	if len(digest) != EncodedBase32Len(digestLen) {
		return "", fmt.Errorf("parse store path %q: digest has wrong length", s)
	}
	if _, err := DecodeBase32(digest, digestLen); err != nil {
		return "", fmt.Errorf("parse store path %q: %v", s, err)
	}
	if name == "" {
		return "", fmt.Errorf("parse store path %q: empty name", s)
	}
	if len(name) > maxNameLength {
		return "", fmt.Errorf("parse store path %q: name exceeds %d characters", s, maxNameLength)
	}
	for i := 0; i < len(name); i++ {
		if !isNameChar(name[i]) {
			return "", fmt.Errorf("parse store path %q: invalid name character %q", s, name[i])
		}
	}
	return Path(s), nil
}

// isNameChar reports whether b is permitted in a store object name:
// [A-Za-z0-9+-._?=].
func isNameChar(b byte) bool {
	switch {
	case 'A' <= b && b <= 'Z', 'a' <= b && b <= 'z', '0' <= b && b <= '9':
		return true
	case b == '+' || b == '-' || b == '.' || b == '_' || b == '?' || b == '=':
		return true
	default:
		return false
	}
}

// Dir returns the store directory component of p.
func (p Path) Dir() Directory {
	i := strings.LastIndexByte(string(p), '/')
	return Directory(p[:i])
}

// Base returns "<digest>-<name>".
func (p Path) Base() string {
	i := strings.LastIndexByte(string(p), '/')
	return string(p[i+1:])
}

// Digest returns the base32-encoded digest component.
func (p Path) Digest() string {
	base := p.Base()
	i := strings.IndexByte(base, '-')
	return base[:i]
}

// Name returns the name component (after the digest and its separating dash).
func (p Path) Name() string {
	base := p.Base()
	i := strings.IndexByte(base, '-')
	return base[i+1:]
}

// IsDerivation reports whether p names a ".drv" file.
func (p Path) IsDerivation() bool {
	return strings.HasSuffix(string(p), ".drv")
}

// Join appends a relative path beneath p (e.g. for sub-path queries).
func (p Path) Join(sub string) string {
	if sub == "" {
		return string(p)
	}
	return string(p) + "/" + sub
}

// References is the set of other store objects (and optionally itself)
// that a store object's content refers to.
type References struct {
	Self   bool
	Others []Path // kept sorted; see AddOther
}

// IsEmpty reports whether refs has no members at all (not even Self).
func (refs References) IsEmpty() bool {
	return !refs.Self && len(refs.Others) == 0
}

// AddOther inserts p into Others, preserving sorted order and uniqueness.
func (refs *References) AddOther(p Path) {
	for i, o := range refs.Others {
		if o == p {
			return
		}
		if o > p {
			refs.Others = append(refs.Others, "")
			copy(refs.Others[i+1:], refs.Others[i:])
			refs.Others[i] = p
			return
		}
	}
	refs.Others = append(refs.Others, p)
}

// MakeStorePath computes a store path per
// https://nixos.org/manual/nix/stable/protocols/store-path, shared by
// fixed-output and input-addressed path derivation.
func MakeStorePath(dir Directory, tag string, h Hash, name string, refs References) (Path, error) {
	hasher := sha256.New()
	io.WriteString(hasher, tag)
	for _, ref := range refs.Others {
		io.WriteString(hasher, ":")
		io.WriteString(hasher, string(ref))
	}
	if refs.Self {
		io.WriteString(hasher, ":self")
	}
	io.WriteString(hasher, ":")
	io.WriteString(hasher, h.Base16())
	io.WriteString(hasher, ":")
	io.WriteString(hasher, string(dir))
	io.WriteString(hasher, ":")
	io.WriteString(hasher, name)

	fingerprint := hasher.Sum(nil)
	compressed := make([]byte, digestLen)
	CompressHash(compressed, fingerprint)
	digest := EncodeBase32(compressed)
	return dir.Object(digest + "-" + name)
}
