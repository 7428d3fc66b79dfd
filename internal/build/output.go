// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"harmonia.build/daemon/internal/derivation"
	"harmonia.build/daemon/internal/nar"
	"harmonia.build/daemon/internal/refscan"
	"harmonia.build/daemon/internal/storedb"
	"harmonia.build/daemon/internal/storepath"
)

// finishBuild implements spec.md §4.6 phases 12-16: existence checks,
// metadata canonicalization, the single-pass NAR-hash-plus-refscan over
// each output, constraint checking, and registration (or, in Check mode,
// determinism comparison against the existing row).
func (e *Executor) finishBuild(ctx context.Context, drvPath storepath.Path, drv *derivation.Derivation, outPaths map[string]storepath.Path, mode Mode, cfg Config) (*Result, error) {
	inputs := drv.Inputs()

	infos := make(map[string]*outputInfo, len(outPaths))
	for name, p := range outPaths {
		real := filepath.Join(e.RealDir, p.Base())
		if _, err := os.Lstat(real); err != nil {
			e.removeOutputs(outPaths)
			return &Result{Status: MiscFailure, Message: fmt.Sprintf("output %q was not produced: %v", name, err)}, nil
		}
		if err := nar.CanonicalizeMetadata(real); err != nil {
			return nil, fmt.Errorf("canonicalize %s: %w", p, err)
		}

		narHash, narSize, refs, err := hashAndScan(real, p, inputs)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", p, err)
		}
		infos[name] = &outputInfo{Hash: narHash, Size: narSize, References: refs}
	}

	if mode == Check {
		for name, p := range outPaths {
			existing, err := e.DB.QueryPathInfo(ctx, p)
			if err != nil {
				return nil, err
			}
			if existing != nil && existing.NARHash != infos[name].Hash {
				e.removeOutputs(map[string]storepath.Path{name: p})
				return &Result{Status: NotDeterministic, Message: fmt.Sprintf("output %q is not deterministic", name)}, nil
			}
		}
		return &Result{Success: true, Outcome: Built, TimesBuilt: 1, Outputs: outPaths}, nil
	}

	// Phase 13: constraint checking.
	msg, ok, err := checkConstraints(ctx, e.DB, drv, outPaths, infos)
	if err != nil {
		return nil, fmt.Errorf("check constraints: %w", err)
	}
	if !ok {
		e.removeOutputs(outPaths)
		return &Result{Status: OutputRejected, Message: msg}, nil
	}

	// Phase 14: registration.
	for name, p := range outPaths {
		info := infos[name]
		if err := e.DB.RegisterValidPath(ctx, storedb.RegisterParams{
			Path:             p,
			Deriver:          drvPath,
			NARHash:          info.Hash,
			NARSize:          info.Size,
			References:       info.References,
			RegistrationTime: time.Now(),
			Ultimate:         true,
			Repair:           mode == Repair,
		}); err != nil {
			return nil, fmt.Errorf("register %s: %w", p, err)
		}
	}

	return &Result{Success: true, Outcome: Built, TimesBuilt: 1, Outputs: outPaths}, nil
}

func (e *Executor) removeOutputs(outPaths map[string]storepath.Path) {
	for _, p := range outPaths {
		os.RemoveAll(filepath.Join(e.RealDir, p.Base()))
	}
}

// outputInfo is the result of a single-pass NAR hash + reference scan.
type outputInfo struct {
	Hash       storepath.Hash
	Size       int64
	References []storepath.Path
}

// hashAndScan streams real's on-disk subtree through the NAR codec
// exactly once, feeding each chunk to both a SHA-256 hasher and a
// [refscan.Scanner] seeded with inputs (spec.md §4.6 phase 12's
// single-pass requirement).
func hashAndScan(real string, self storepath.Path, inputs []storepath.Path) (storepath.Hash, int64, []storepath.Path, error) {
	sink := storepath.NewHashSink(storepath.SHA256)
	scanner := refscan.New(append(append([]storepath.Path(nil), inputs...), self))

	w := io.MultiWriter(sink, scanner)
	if err := nar.DumpPath(w, real, false); err != nil {
		return storepath.Hash{}, 0, nil, err
	}
	hash, size := sink.Finish()

	found := scanner.Found()
	refs := make([]storepath.Path, 0, len(found))
	for _, digest := range found {
		if digest == self.Digest() {
			continue
		}
		for _, in := range inputs {
			if in.Digest() == digest {
				refs = append(refs, in)
				break
			}
		}
	}
	return hash, size, refs, nil
}

// checkConstraints enforces spec.md §4.6 phase 13's
// allowedReferences/disallowedReferences/allowedRequisites/disallowedRequisites.
// The *Requisites forms are closure-based: the closure is computed
// against already-registered valid paths via [storedb.ComputeClosure],
// starting from each output's direct references (which, being inputs
// to the derivation, are already registered by the time this runs).
// Per spec.md §9, a reference missing from the DB is skipped silently
// rather than erroring.
func checkConstraints(ctx context.Context, db storedb.DB, drv *derivation.Derivation, outPaths map[string]storepath.Path, infos map[string]*outputInfo) (string, bool, error) {
	allOutputs := make(map[storepath.Path]struct{}, len(outPaths))
	for _, p := range outPaths {
		allOutputs[p] = struct{}{}
	}

	for name, p := range outPaths {
		info := infos[name]
		if allowed, ok := constraintList(drv, name, "allowedReferences"); ok {
			allowedSet := constraintSet(allowed, allOutputs, p)
			for _, ref := range info.References {
				if _, ok := allowedSet[ref]; !ok {
					return fmt.Sprintf("output %q references %s, not in allowedReferences", name, ref), false, nil
				}
			}
		}
		if disallowed, ok := constraintList(drv, name, "disallowedReferences"); ok {
			disallowedSet := make(map[storepath.Path]struct{}, len(disallowed))
			for _, d := range disallowed {
				disallowedSet[storepath.Path(d)] = struct{}{}
			}
			for _, ref := range info.References {
				if _, ok := disallowedSet[ref]; ok {
					return fmt.Sprintf("output %q references disallowed path %s", name, ref), false, nil
				}
			}
		}

		needAllowed, hasAllowed := constraintList(drv, name, "allowedRequisites")
		needDisallowed, hasDisallowed := constraintList(drv, name, "disallowedRequisites")
		if !hasAllowed && !hasDisallowed {
			continue
		}
		closure, err := storedb.ComputeClosure(ctx, db, info.References)
		if err != nil {
			return "", false, fmt.Errorf("compute requisites closure for %q: %w", name, err)
		}
		if hasAllowed {
			allowedSet := constraintSet(needAllowed, allOutputs, p)
			for _, req := range closure {
				if _, ok := allowedSet[req]; !ok {
					return fmt.Sprintf("output %q requires %s, not in allowedRequisites", name, req), false, nil
				}
			}
		}
		if hasDisallowed {
			disallowedSet := make(map[storepath.Path]struct{}, len(needDisallowed))
			for _, d := range needDisallowed {
				disallowedSet[storepath.Path(d)] = struct{}{}
			}
			for _, req := range closure {
				if _, ok := disallowedSet[req]; ok {
					return fmt.Sprintf("output %q requires disallowed path %s", name, req), false, nil
				}
			}
		}
	}
	return "", true, nil
}

func constraintList(drv *derivation.Derivation, outputName, key string) ([]string, bool) {
	raw, ok := drv.Env[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, false
	}
	return strings.Fields(raw), true
}

func constraintSet(allowed []string, ownOutputs map[storepath.Path]struct{}, self storepath.Path) map[storepath.Path]struct{} {
	set := make(map[storepath.Path]struct{}, len(allowed)+len(ownOutputs))
	for p := range ownOutputs {
		set[p] = struct{}{}
	}
	set[self] = struct{}{}
	for _, a := range allowed {
		set[storepath.Path(a)] = struct{}{}
	}
	return set
}
