// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package daemonserver

import (
	"context"
	"fmt"
	"io"

	"harmonia.build/daemon/internal/build"
	"harmonia.build/daemon/internal/scheduler"
	"harmonia.build/daemon/internal/storepath"
	"harmonia.build/daemon/internal/wire"
)

func buildModeFromWire(m wire.BuildMode) build.Mode {
	switch m {
	case wire.BuildRepair:
		return build.Repair
	case wire.BuildCheck:
		return build.Check
	default:
		return build.Normal
	}
}

// opBuildDerivation builds a single derivation already present on disk
// as a ".drv" file, per spec.md §4.6. It does not consult the scheduler:
// the client is responsible for ordering multi-derivation builds via
// repeated BuildDerivation/BuildPaths calls (matching upstream Nix,
// where the scheduler lives client-side in most callers).
func (c *conn) opBuildDerivation(ctx context.Context) error {
	if err := c.requireTrusted(); err != nil {
		return c.failOp(err)
	}
	drvPath, err := c.readPath()
	if err != nil {
		return c.failOp(err)
	}
	modeRaw, err := wire.ReadUint64(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	mode := buildModeFromWire(wire.BuildMode(modeRaw))

	drv, err := c.server.loadDerivation(drvPath)
	if err != nil {
		return c.failOp(err)
	}
	res, err := c.server.executor.BuildDerivation(ctx, drvPath, drv, mode, c.buildConfig())
	if err != nil {
		return c.failOp(err)
	}
	if err := c.okLast(); err != nil {
		return err
	}
	return writeBuildResult(c.rw, res)
}

func writeBuildResult(w io.Writer, res *build.Result) error {
	if err := wire.WriteUint64(w, uint64(res.Status)); err != nil {
		return err
	}
	if err := wire.WriteString(w, res.Message); err != nil {
		return err
	}
	if err := wire.WriteUint64(w, uint64(res.TimesBuilt)); err != nil {
		return err
	}
	if err := wire.WriteBool(w, res.Success); err != nil {
		return err
	}
	return wire.WriteBool(w, res.Outcome == build.AlreadyValid)
}

// opBuildPaths implements both BuildPaths and BuildPathsWithResults: a
// set of store paths (derivation outputs, referenced by
// "<drvpath>!<outputname>" or "<drvpath>" for all outputs) is built
// through the DAG scheduler (component C8), since a client-supplied set
// can itself contain cross-derivation dependencies.
func (c *conn) opBuildPaths(ctx context.Context, withResults bool) error {
	if err := c.requireTrusted(); err != nil {
		return c.failOp(err)
	}
	raw, err := wire.ReadStrings(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	modeRaw, err := wire.ReadUint64(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	mode := buildModeFromWire(wire.BuildMode(modeRaw))

	var targets []storepath.Path
	for _, s := range raw {
		name, _, _ := splitOutputSpec(s)
		p, err := storepath.ParsePath(name)
		if err != nil {
			return c.failOp(fmt.Errorf("build-paths: %w", err))
		}
		targets = append(targets, p)
	}

	results, err := c.runScheduled(ctx, targets, mode)
	if err != nil {
		return c.failOp(err)
	}
	if err := c.okLast(); err != nil {
		return err
	}
	if !withResults {
		return nil
	}
	if err := wire.WriteUint64(c.rw, uint64(len(targets))); err != nil {
		return err
	}
	for _, t := range targets {
		r := results[t]
		if err := c.writePath(t); err != nil {
			return err
		}
		if err := wire.WriteBool(c.rw, r.Status == scheduler.Success); err != nil {
			return err
		}
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		if err := wire.WriteString(c.rw, msg); err != nil {
			return err
		}
	}
	return nil
}

// splitOutputSpec splits a client-supplied "<path>!<output>" spec into
// its path and output-name components ("!*" meaning all outputs).
func splitOutputSpec(s string) (path, output string, hasOutput bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '!' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}

// opEnsurePath succeeds if path is already a valid path and fails
// otherwise; it does not build or substitute anything, so it amounts to
// an IsValidPath check that reports an invalid path as an error.
func (c *conn) opEnsurePath(ctx context.Context) error {
	if err := c.requireTrusted(); err != nil {
		return c.failOp(err)
	}
	p, err := c.readPath()
	if err != nil {
		return c.failOp(err)
	}
	ok, err := c.server.DB.IsValidPath(ctx, p)
	if err != nil {
		return c.failOp(err)
	}
	if !ok {
		return c.failOp(fmt.Errorf("ensure-path: %s is not a valid path and has no known deriver", p))
	}
	return c.okLast()
}
