// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"harmonia.build/daemon/internal/storedb"
	"harmonia.build/daemon/internal/storepath"
)

// gcOptions mirrors the relevant fields of spec.md §4.4.5's
// CollectGarbage request, offered here as an offline maintenance command
// for operators who would rather not open a daemon connection just to
// run GC (e.g. from a cron job with the daemon stopped).
type gcOptions struct {
	dryRun bool
}

func newGCCommand(g *globalConfig) *cobra.Command {
	opts := new(gcOptions)
	c := &cobra.Command{
		Use:                   "gc",
		Short:                 "delete unreachable store paths",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().BoolVar(&opts.dryRun, "dry-run", false, "report dead paths without deleting them")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runGC(cmd.Context(), g, opts)
	}
	return c
}

func runGC(ctx context.Context, g *globalConfig, opts *gcOptions) error {
	c, err := loadConfig(g)
	if err != nil {
		return err
	}
	db, err := openDB(ctx, c)
	if err != nil {
		return fmt.Errorf("gc: open database: %w", err)
	}
	defer db.Close()

	all, err := db.QueryAllValidPaths(ctx)
	if err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	live, err := liveClosure(ctx, db, filepath.Join(c.StateDir, "gcroots"))
	if err != nil {
		return fmt.Errorf("gc: %w", err)
	}

	var dead []storepath.Path
	var bytesFreed int64
	for _, p := range all {
		if live[p] {
			continue
		}
		referrers, err := db.QueryReferrers(ctx, p)
		if err != nil {
			return fmt.Errorf("gc: %w", err)
		}
		if len(referrers) > 0 {
			continue
		}
		dead = append(dead, p)
		if info, err := db.QueryPathInfo(ctx, p); err == nil && info != nil {
			bytesFreed += info.NARSize
		}
	}

	for _, p := range dead {
		if opts.dryRun {
			fmt.Println(p)
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.RealStoreDirectory, p.Base())); err != nil {
			log.Warnf(ctx, "gc: remove %s: %v", p, err)
			continue
		}
		if err := db.InvalidatePath(ctx, p); err != nil {
			return fmt.Errorf("gc: invalidate %s: %w", p, err)
		}
		fmt.Println(p)
	}
	if !opts.dryRun {
		fmt.Printf("%d bytes freed\n", bytesFreed)
	}
	return nil
}

// liveClosure reads the permanent-root symlinks under gcRootsDir (the
// only roots an offline command can see, since temp and indirect roots
// live only in a running [daemonserver.Server]'s memory) and computes
// their reachability closure.
func liveClosure(ctx context.Context, db storedb.DB, gcRootsDir string) (map[storepath.Path]bool, error) {
	var starts []storepath.Path
	entries, _ := os.ReadDir(gcRootsDir)
	for _, e := range entries {
		target, err := os.Readlink(filepath.Join(gcRootsDir, e.Name()))
		if err != nil {
			continue
		}
		if p, err := storepath.ParsePath(target); err == nil {
			starts = append(starts, p)
		}
	}
	closure, err := storedb.ComputeClosure(ctx, db, starts)
	if err != nil {
		return nil, err
	}
	live := make(map[storepath.Path]bool, len(closure))
	for _, p := range closure {
		live[p] = true
	}
	return live, nil
}
