// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Command harmoniad runs the Harmonia store daemon: the nix-daemon wire
// protocol server (component C4), its metadata database (C3), build
// executor (C6), and ambient HTTP health/metrics surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "harmoniad",
		Short:         "Harmonia store daemon",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := new(globalConfig)
	rootCommand.PersistentFlags().StringVar(&g.configPath, "config", "", "`path` to the configuration file (default $CONFIG_FILE)")
	showDebug := rootCommand.PersistentFlags().Bool("debug", false, "show debugging output")
	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		v := os.Getenv("HARMONIA_LOG")
		initLogging(*showDebug || strings.EqualFold(v, "debug") || strings.EqualFold(v, "trace"))
		return nil
	}

	rootCommand.AddCommand(
		newServeCommand(g),
		newGCCommand(g),
		newVerifyStoreCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(*showDebug)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

// globalConfig holds the flags every subcommand shares, matching the
// teacher's globalConfig shape.
type globalConfig struct {
	configPath string
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "harmoniad: ", log.StdFlags, nil),
		})
	})
}
