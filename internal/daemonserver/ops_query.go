// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package daemonserver

import (
	"context"

	"harmonia.build/daemon/internal/storepath"
	"harmonia.build/daemon/internal/wire"
)

func (c *conn) readPath() (storepath.Path, error) {
	s, err := wire.ReadString(c.rw)
	if err != nil {
		return "", err
	}
	return storepath.ParsePath(s)
}

func (c *conn) writePath(p storepath.Path) error {
	return wire.WriteString(c.rw, string(p))
}

func (c *conn) opIsValidPath(ctx context.Context) error {
	p, err := c.readPath()
	if err != nil {
		return c.failOp(err)
	}
	ok, err := c.server.DB.IsValidPath(ctx, p)
	if err != nil {
		return c.failOp(err)
	}
	if err := c.okLast(); err != nil {
		return err
	}
	return wire.WriteBool(c.rw, ok)
}

func (c *conn) opQueryValidPaths(ctx context.Context) error {
	raw, err := wire.ReadStrings(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	if c.version >= 1<<8|12 {
		if _, err := wire.ReadBool(c.rw); err != nil { // substitute flag; Harmonia never substitutes mid-query
			return c.failOp(err)
		}
	}
	var out []string
	for _, s := range raw {
		p, err := storepath.ParsePath(s)
		if err != nil {
			continue
		}
		ok, err := c.server.DB.IsValidPath(ctx, p)
		if err != nil {
			return c.failOp(err)
		}
		if ok {
			out = append(out, s)
		}
	}
	if err := c.okLast(); err != nil {
		return err
	}
	return wire.WriteStrings(c.rw, out)
}

func (c *conn) opQueryAllValidPaths(ctx context.Context) error {
	paths, err := c.server.DB.QueryAllValidPaths(ctx)
	if err != nil {
		return c.failOp(err)
	}
	if err := c.okLast(); err != nil {
		return err
	}
	strs := make([]string, len(paths))
	for i, p := range paths {
		strs[i] = string(p)
	}
	return wire.WriteStrings(c.rw, strs)
}

func (c *conn) opQueryPathInfo(ctx context.Context) error {
	p, err := c.readPath()
	if err != nil {
		return c.failOp(err)
	}
	info, err := c.server.DB.QueryPathInfo(ctx, p)
	if err != nil {
		return c.failOp(err)
	}
	if err := c.okLast(); err != nil {
		return err
	}
	if info == nil {
		return wire.WriteBool(c.rw, false)
	}
	if err := wire.WriteBool(c.rw, true); err != nil {
		return err
	}
	if err := c.writePath(info.Deriver); err != nil {
		return err
	}
	if err := wire.WriteString(c.rw, info.NARHash.SRI()); err != nil {
		return err
	}
	refStrs := make([]string, len(info.References))
	for i, r := range info.References {
		refStrs[i] = string(r)
	}
	if err := wire.WriteStrings(c.rw, refStrs); err != nil {
		return err
	}
	if err := wire.WriteUint64(c.rw, uint64(info.RegistrationTime.Unix())); err != nil {
		return err
	}
	if err := wire.WriteUint64(c.rw, uint64(info.NARSize)); err != nil {
		return err
	}
	if err := wire.WriteBool(c.rw, info.Ultimate); err != nil {
		return err
	}
	sigStrs := make([]string, len(info.Signatures))
	for i, sig := range info.Signatures {
		sigStrs[i] = sig.String()
	}
	if err := wire.WriteStrings(c.rw, sigStrs); err != nil {
		return err
	}
	return wire.WriteString(c.rw, info.CA.String())
}

func (c *conn) opQueryPathFromHashPart(ctx context.Context) error {
	hashPart, err := wire.ReadString(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	p, err := c.server.DB.QueryPathFromHashPart(ctx, c.server.Dir, hashPart)
	if err != nil {
		return c.failOp(err)
	}
	if err := c.okLast(); err != nil {
		return err
	}
	return c.writePath(p)
}

func (c *conn) opQueryReferrers(ctx context.Context) error {
	p, err := c.readPath()
	if err != nil {
		return c.failOp(err)
	}
	refs, err := c.server.DB.QueryReferrers(ctx, p)
	if err != nil {
		return c.failOp(err)
	}
	if err := c.okLast(); err != nil {
		return err
	}
	return c.writePaths(refs)
}

func (c *conn) opQueryValidDerivers(ctx context.Context) error {
	p, err := c.readPath()
	if err != nil {
		return c.failOp(err)
	}
	derivers, err := c.server.DB.QueryValidDerivers(ctx, p)
	if err != nil {
		return c.failOp(err)
	}
	if err := c.okLast(); err != nil {
		return err
	}
	return c.writePaths(derivers)
}

func (c *conn) writePaths(paths []storepath.Path) error {
	strs := make([]string, len(paths))
	for i, p := range paths {
		strs[i] = string(p)
	}
	return wire.WriteStrings(c.rw, strs)
}

func (c *conn) opQueryDerivationOutputMap(ctx context.Context) error {
	p, err := c.readPath()
	if err != nil {
		return c.failOp(err)
	}
	outs, err := c.server.DB.QueryDerivationOutputs(ctx, p)
	if err != nil {
		return c.failOp(err)
	}
	if err := c.okLast(); err != nil {
		return err
	}
	if err := wire.WriteUint64(c.rw, uint64(len(outs))); err != nil {
		return err
	}
	for _, o := range outs {
		if err := wire.WriteString(c.rw, o.Name); err != nil {
			return err
		}
		if err := wire.WriteBool(c.rw, o.Output != ""); err != nil {
			return err
		}
		if o.Output != "" {
			if err := c.writePath(o.Output); err != nil {
				return err
			}
		}
	}
	return nil
}

// opQueryMissing reports, for a set of targets, which outputs are
// unbuilt and which are already valid, per spec.md §4.4.5. Harmonia has
// no substituters wired in yet, so willSubstitute is always empty.
func (c *conn) opQueryMissing(ctx context.Context) error {
	raw, err := wire.ReadStrings(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	var willBuild, willSubstitute, unknown []string
	var downloadSize, narSize uint64
	for _, s := range raw {
		p, err := storepath.ParsePath(s)
		if err != nil {
			unknown = append(unknown, s)
			continue
		}
		ok, err := c.server.DB.IsValidPath(ctx, p)
		if err != nil {
			return c.failOp(err)
		}
		if !ok {
			willBuild = append(willBuild, s)
		}
	}
	if err := c.okLast(); err != nil {
		return err
	}
	if err := wire.WriteStrings(c.rw, willBuild); err != nil {
		return err
	}
	if err := wire.WriteStrings(c.rw, willSubstitute); err != nil {
		return err
	}
	if err := wire.WriteStrings(c.rw, unknown); err != nil {
		return err
	}
	if err := wire.WriteUint64(c.rw, downloadSize); err != nil {
		return err
	}
	return wire.WriteUint64(c.rw, narSize)
}

// opQuerySubstitutablePaths always returns the empty set: Harmonia's
// scope is a store+build daemon without a substituter chain (spec.md's
// Non-goals exclude binary-cache-client behavior from this component).
func (c *conn) opQuerySubstitutablePaths(ctx context.Context) error {
	if _, err := wire.ReadStrings(c.rw); err != nil {
		return c.failOp(err)
	}
	if err := c.okLast(); err != nil {
		return err
	}
	return wire.WriteStrings(c.rw, nil)
}
