// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package storedb implements the store metadata database (component C3):
// valid-path records, reference edges, derivation outputs, and
// realisations, per spec.md §4.3. Two backends share the [DB] interface —
// a sqlite-backed default (sqlite.go) and a Postgres-backed alternative
// (postgres.go), matching spec.md §6's "pluggable backend with the same
// schema" requirement.
package storedb

import (
	"context"
	"time"

	"harmonia.build/daemon/internal/storepath"
)

// ValidPathInfo is the persisted record for a registered store path,
// per spec.md §3 "Valid-path record".
type ValidPathInfo struct {
	ID               int64
	Path             storepath.Path
	Deriver          storepath.Path // empty if unknown
	NARHash          storepath.Hash
	NARSize          int64
	References       []storepath.Path
	RegistrationTime time.Time
	Ultimate         bool
	Signatures       []storepath.Signature
	CA               storepath.ContentAddress
}

// RegisterParams is the input to [DB.RegisterValidPath].
type RegisterParams struct {
	Path             storepath.Path
	Deriver          storepath.Path
	NARHash          storepath.Hash
	NARSize          int64
	References       []storepath.Path
	Ultimate         bool
	Signatures       []storepath.Signature
	CA               storepath.ContentAddress
	RegistrationTime time.Time // zero means "now"
	Repair           bool      // if true, invalidate any existing row first
}

// DerivationOutput is a row in the DerivationOutputs relation: the mapping
// from a derivation's declared output name to its (possibly not-yet-known)
// store path.
type DerivationOutput struct {
	Drv    storepath.Path
	Name   string
	Output storepath.Path // empty if not yet resolved (floating CA)
}

// Realisation is the persisted form of spec.md §3's Realisation: the
// binding between a CA-derivation output identifier and a concrete store
// path, keyed by "sha256!output-name".
type Realisation struct {
	DrvOutputID            string // "<drv-hash-sha256>!<output-name>"
	OutPath                storepath.Path
	Signatures             []storepath.Signature
	DependentRealisations  map[string]storepath.Path
}

// DB is the interface both backends (sqlite, postgres) implement, per
// spec.md §4.3's required operation list.
type DB interface {
	// QueryPathInfo returns the full record for path, or (nil, nil) if it
	// is not a registered valid path.
	QueryPathInfo(ctx context.Context, path storepath.Path) (*ValidPathInfo, error)

	// QueryPathFromHashPart returns the path whose base name begins with
	// hashPart, or ("", nil) if none is registered.
	QueryPathFromHashPart(ctx context.Context, storeDir storepath.Directory, hashPart string) (storepath.Path, error)

	// IsValidPath reports whether path is a registered valid path.
	IsValidPath(ctx context.Context, path storepath.Path) (bool, error)

	// QueryReferences returns the paths that path references.
	QueryReferences(ctx context.Context, path storepath.Path) ([]storepath.Path, error)

	// QueryReferrers returns the paths that reference path.
	QueryReferrers(ctx context.Context, path storepath.Path) ([]storepath.Path, error)

	// QueryValidDerivers returns the registered derivers of path.
	QueryValidDerivers(ctx context.Context, path storepath.Path) ([]storepath.Path, error)

	// QueryDerivationOutputs returns the declared outputs of a derivation.
	QueryDerivationOutputs(ctx context.Context, drv storepath.Path) ([]DerivationOutput, error)

	// QueryAllValidPaths returns every registered valid path.
	QueryAllValidPaths(ctx context.Context) ([]storepath.Path, error)

	// CountValidPaths returns the number of registered valid paths.
	CountValidPaths(ctx context.Context) (int64, error)

	// QueryRealisation looks up a realisation by its "hash!output" id.
	QueryRealisation(ctx context.Context, id string) (*Realisation, error)

	// RegisterValidPath atomically inserts a row and its reference edges.
	// Per spec.md §4.3 invariant (i), this fails if any reference in
	// params.References is not itself a currently-registered valid path
	// (registration order must be topological, leaves first).
	RegisterValidPath(ctx context.Context, params RegisterParams) error

	// RegisterDrvOutput idempotently records a realisation.
	RegisterDrvOutput(ctx context.Context, r Realisation) error

	// InvalidatePath removes path's row and its reference edges.
	InvalidatePath(ctx context.Context, path storepath.Path) error

	// Close releases resources held by the backend.
	Close() error
}

// ComputeClosure computes the transitive closure of starts within the set
// of paths registered in db, per spec.md §9's resolved open question:
// paths missing from the DB are silently skipped rather than erroring,
// matching upstream Nix's compute_fs_closure behavior for
// exportReferencesGraph and requisite checks alike.
func ComputeClosure(ctx context.Context, db DB, starts []storepath.Path) ([]storepath.Path, error) {
	seen := make(map[storepath.Path]bool)
	var order []storepath.Path
	queue := append([]storepath.Path(nil), starts...)
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if seen[p] {
			continue
		}
		seen[p] = true
		valid, err := db.IsValidPath(ctx, p)
		if err != nil {
			return nil, err
		}
		if !valid {
			continue
		}
		refs, err := db.QueryReferences(ctx, p)
		if err != nil {
			return nil, err
		}
		order = append(order, p)
		for _, r := range refs {
			if !seen[r] {
				queue = append(queue, r)
			}
		}
	}
	return order, nil
}
