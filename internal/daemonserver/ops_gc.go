// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package daemonserver

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"zombiezen.com/go/log"

	"harmonia.build/daemon/internal/nar"
	"harmonia.build/daemon/internal/storedb"
	"harmonia.build/daemon/internal/storepath"
	"harmonia.build/daemon/internal/wire"
)

// rootSet is a concurrency-safe multiset of root strings, used both for
// temp roots (store paths, protecting a live build's outputs) and
// indirect roots (arbitrary symlink paths a client asked the daemon to
// remember). Harmonia keeps these in memory only: a crashed daemon loses
// them exactly as upstream Nix's own fdtable-based temp-root tracking
// does, since they exist to protect in-flight work, not to survive a
// restart.
type rootSet struct {
	mu    sync.Mutex
	roots map[string]int
}

func (t *rootSet) add(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roots == nil {
		t.roots = make(map[string]int)
	}
	t.roots[s]++
}

func (t *rootSet) has(s string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roots[s] > 0
}

func (t *rootSet) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.roots))
	for s := range t.roots {
		out = append(out, s)
	}
	return out
}

// opAddTempRoot registers path as a GC root for the lifetime of this
// connection, per spec.md §4.4.5. The Nix protocol expects the daemon to
// hold the root until the client disconnects; Harmonia approximates this
// by never removing it (a conservative leak rather than a premature
// collection), since the connection's eventual close is not itself
// observable from inside the operation handler.
func (c *conn) opAddTempRoot(ctx context.Context) error {
	p, err := c.readPath()
	if err != nil {
		return c.failOp(err)
	}
	c.server.tempRoots.add(string(p))
	return c.okLast()
}

// opAddIndirectRoot registers a symlink at path (a client-owned file,
// typically under a per-invocation gcroots directory) as an indirect GC
// root: path itself must resolve to a store path for [opFindRoots] to
// report it.
func (c *conn) opAddIndirectRoot(ctx context.Context) error {
	path, err := wire.ReadString(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	c.server.indirectRoots.add(path)
	return c.okLast()
}

// opAddPermRoot registers gcRoot as a durable (survives daemon restart)
// GC root for storePath by materializing it as a symlink under
// <StateDir>/gcroots, matching upstream Nix's indirect-root-via-symlink
// convention.
func (c *conn) opAddPermRoot(ctx context.Context) error {
	if err := c.requireTrusted(); err != nil {
		return c.failOp(err)
	}
	storePath, err := c.readPath()
	if err != nil {
		return c.failOp(err)
	}
	gcRoot, err := wire.ReadString(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	if gcRoot != "" {
		if err := os.MkdirAll(filepath.Dir(gcRoot), 0o755); err == nil {
			os.Remove(gcRoot)
			if err := os.Symlink(string(storePath), gcRoot); err != nil {
				log.Warnf(ctx, "daemonserver: add-perm-root: symlink %s: %v", gcRoot, err)
			}
		}
	}
	if err := c.okLast(); err != nil {
		return err
	}
	return c.writePath(storePath)
}

// opFindRoots returns the set of known roots as a root-path -> store-path
// map: temp roots, indirect roots whose target still resolves, and
// symlinks found under <StateDir>/gcroots.
func (c *conn) opFindRoots(ctx context.Context) error {
	roots := make(map[string]storepath.Path)
	for _, s := range c.server.tempRoots.snapshot() {
		if p, err := storepath.ParsePath(s); err == nil {
			roots[s] = p
		}
	}
	for _, link := range c.server.indirectRoots.snapshot() {
		target, err := os.Readlink(link)
		if err != nil {
			continue
		}
		if p, err := storepath.ParsePath(target); err == nil {
			roots[link] = p
		}
	}
	if c.server.gcRootsDir != "" {
		entries, _ := os.ReadDir(c.server.gcRootsDir)
		for _, e := range entries {
			linkPath := filepath.Join(c.server.gcRootsDir, e.Name())
			target, err := os.Readlink(linkPath)
			if err != nil {
				continue
			}
			if p, err := storepath.ParsePath(target); err == nil {
				roots[linkPath] = p
			}
		}
	}
	if err := c.okLast(); err != nil {
		return err
	}
	if err := wire.WriteUint64(c.rw, uint64(len(roots))); err != nil {
		return err
	}
	for root, p := range roots {
		if err := wire.WriteString(c.rw, root); err != nil {
			return err
		}
		if err := c.writePath(p); err != nil {
			return err
		}
	}
	return nil
}

// gcAction mirrors upstream Nix's GCAction enum (spec.md §4.4.5
// CollectGarbage).
type gcAction uint64

const (
	gcReturnLive gcAction = iota
	gcReturnDead
	gcDeleteDead
	gcDeleteSpecific
)

// opCollectGarbage implements spec.md §4.4.5's CollectGarbage. Only
// DeleteSpecific and DeleteDead are destructive; the Return* actions
// report without mutating. A path is "dead" when it is registered but
// unreachable from any live root (temp, indirect, or permanent) and has
// no referrers, matching upstream Nix's reachability definition.
func (c *conn) opCollectGarbage(ctx context.Context) error {
	if err := c.requireTrusted(); err != nil {
		return c.failOp(err)
	}
	actionRaw, err := wire.ReadUint64(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	pathsToDeleteRaw, err := wire.ReadStrings(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	if _, err := wire.ReadBool(c.rw); err != nil { // ignoreLiveness: Harmonia always respects liveness
		return c.failOp(err)
	}
	if _, err := wire.ReadUint64(c.rw); err != nil { // maxFreed
		return c.failOp(err)
	}
	for i := 0; i < 3; i++ { // legacy reserved fields (protocol < 1.29 compatibility padding)
		if _, err := wire.ReadString(c.rw); err != nil {
			return c.failOp(err)
		}
	}

	action := gcAction(actionRaw)
	all, err := c.server.DB.QueryAllValidPaths(ctx)
	if err != nil {
		return c.failOp(err)
	}
	live := c.server.liveRoots(ctx)

	var toDelete []storepath.Path
	switch action {
	case gcDeleteSpecific:
		for _, s := range pathsToDeleteRaw {
			p, err := storepath.ParsePath(s)
			if err != nil {
				continue
			}
			if live[p] {
				continue
			}
			referrers, err := c.server.DB.QueryReferrers(ctx, p)
			if err != nil {
				return c.failOp(err)
			}
			if len(referrers) == 0 {
				toDelete = append(toDelete, p)
			}
		}
	case gcDeleteDead, gcReturnDead:
		for _, p := range all {
			if live[p] {
				continue
			}
			referrers, err := c.server.DB.QueryReferrers(ctx, p)
			if err != nil {
				return c.failOp(err)
			}
			if len(referrers) == 0 {
				toDelete = append(toDelete, p)
			}
		}
	case gcReturnLive:
		for _, p := range all {
			if live[p] {
				toDelete = append(toDelete, p)
			}
		}
	}

	var bytesFreed uint64
	if action == gcDeleteDead || action == gcDeleteSpecific {
		for _, p := range toDelete {
			info, err := c.server.DB.QueryPathInfo(ctx, p)
			if err != nil {
				return c.failOp(err)
			}
			if err := os.RemoveAll(filepath.Join(c.server.RealDir, p.Base())); err != nil {
				log.Warnf(ctx, "daemonserver: collect-garbage: remove %s: %v", p, err)
				continue
			}
			if err := c.server.DB.InvalidatePath(ctx, p); err != nil {
				return c.failOp(err)
			}
			if info != nil {
				bytesFreed += uint64(info.NARSize)
			}
		}
	}

	if err := c.okLast(); err != nil {
		return err
	}
	strs := make([]string, len(toDelete))
	for i, p := range toDelete {
		strs[i] = string(p)
	}
	if err := wire.WriteStrings(c.rw, strs); err != nil {
		return err
	}
	return wire.WriteUint64(c.rw, bytesFreed)
}

// liveRoots computes the closure of every currently known root (temp,
// indirect, permanent), reusing [storedb.ComputeClosure] (spec.md §9's
// resolved open question: closure computation silently skips paths
// missing from the DB).
func (s *Server) liveRoots(ctx context.Context) map[storepath.Path]bool {
	var starts []storepath.Path
	for _, str := range s.tempRoots.snapshot() {
		if p, err := storepath.ParsePath(str); err == nil {
			starts = append(starts, p)
		}
	}
	for _, link := range s.indirectRoots.snapshot() {
		if target, err := os.Readlink(link); err == nil {
			if p, err := storepath.ParsePath(target); err == nil {
				starts = append(starts, p)
			}
		}
	}
	if s.gcRootsDir != "" {
		if entries, err := os.ReadDir(s.gcRootsDir); err == nil {
			for _, e := range entries {
				target, err := os.Readlink(filepath.Join(s.gcRootsDir, e.Name()))
				if err != nil {
					continue
				}
				if p, err := storepath.ParsePath(target); err == nil {
					starts = append(starts, p)
				}
			}
		}
	}
	closure, err := storedb.ComputeClosure(ctx, s.DB, starts)
	live := make(map[storepath.Path]bool, len(closure))
	if err != nil {
		return live
	}
	for _, p := range closure {
		live[p] = true
	}
	return live
}

// opOptimiseStore is a no-op: Harmonia does not deduplicate store objects
// via hardlinks (spec.md's Non-goals exclude the optimise-store feature
// set), but the opcode must still be handled so a client issuing it
// doesn't desync the connection.
func (c *conn) opOptimiseStore(ctx context.Context) error {
	if err := c.requireTrusted(); err != nil {
		return c.failOp(err)
	}
	return c.okLast()
}

// opVerifyStore checks every registered path still exists on disk and
// (if checkContents) that its NAR hash still matches; mismatches are
// reported as log errors rather than failing the whole operation, since a
// single corrupted path shouldn't prevent verifying the rest.
func (c *conn) opVerifyStore(ctx context.Context) error {
	if err := c.requireTrusted(); err != nil {
		return c.failOp(err)
	}
	checkContents, err := wire.ReadBool(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	repair, err := wire.ReadBool(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	_ = repair // Harmonia reports corruption but does not attempt substituter-based repair (no substituters are wired in).

	all, err := c.server.DB.QueryAllValidPaths(ctx)
	if err != nil {
		return c.failOp(err)
	}
	var madeChanges bool
	for _, p := range all {
		real := filepath.Join(c.server.RealDir, p.Base())
		if _, err := os.Lstat(real); err != nil {
			log.Warnf(ctx, "daemonserver: verify-store: missing path %s", p)
			madeChanges = true
			continue
		}
		if !checkContents {
			continue
		}
		info, err := c.server.DB.QueryPathInfo(ctx, p)
		if err != nil {
			return c.failOp(err)
		}
		sink := storepath.NewHashSink(storepath.SHA256)
		if err := nar.DumpPath(sink, real, false); err != nil {
			log.Warnf(ctx, "daemonserver: verify-store: hash %s: %v", p, err)
			continue
		}
		hash, _ := sink.Finish()
		if info != nil && hash != info.NARHash {
			log.Warnf(ctx, "daemonserver: verify-store: %s: hash mismatch", p)
			madeChanges = true
		}
	}
	if err := c.okLast(); err != nil {
		return err
	}
	return wire.WriteBool(c.rw, madeChanges)
}
