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

	"harmonia.build/daemon/internal/nar"
	"harmonia.build/daemon/internal/storepath"
)

type verifyOptions struct {
	checkContents bool
}

func newVerifyStoreCommand(g *globalConfig) *cobra.Command {
	opts := new(verifyOptions)
	c := &cobra.Command{
		Use:                   "verify-store",
		Short:                 "check registered store paths against disk",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.Flags().BoolVar(&opts.checkContents, "check-contents", false, "recompute each path's NAR hash and compare against its registered hash")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runVerifyStore(cmd.Context(), g, opts)
	}
	return c
}

// runVerifyStore is the offline counterpart of
// [daemonserver.conn.opVerifyStore], reimplemented here against the
// database and store directory directly since this command is meant to
// run with the daemon stopped.
func runVerifyStore(ctx context.Context, g *globalConfig, opts *verifyOptions) error {
	c, err := loadConfig(g)
	if err != nil {
		return err
	}
	db, err := openDB(ctx, c)
	if err != nil {
		return fmt.Errorf("verify-store: open database: %w", err)
	}
	defer db.Close()

	all, err := db.QueryAllValidPaths(ctx)
	if err != nil {
		return fmt.Errorf("verify-store: %w", err)
	}

	var problems int
	for _, p := range all {
		real := filepath.Join(c.RealStoreDirectory, p.Base())
		if _, err := os.Lstat(real); err != nil {
			fmt.Printf("missing: %s\n", p)
			problems++
			continue
		}
		if !opts.checkContents {
			continue
		}
		info, err := db.QueryPathInfo(ctx, p)
		if err != nil {
			return fmt.Errorf("verify-store: %w", err)
		}
		sink := storepath.NewHashSink(storepath.SHA256)
		if err := nar.DumpPath(sink, real, false); err != nil {
			log.Warnf(ctx, "verify-store: hash %s: %v", p, err)
			problems++
			continue
		}
		hash, _ := sink.Finish()
		if info != nil && hash != info.NARHash {
			fmt.Printf("corrupt: %s\n", p)
			problems++
		}
	}
	if problems > 0 {
		return fmt.Errorf("verify-store: %d problem(s) found", problems)
	}
	fmt.Printf("%d paths OK\n", len(all))
	return nil
}
