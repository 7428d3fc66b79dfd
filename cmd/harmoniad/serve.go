// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"zombiezen.com/go/log"

	"harmonia.build/daemon/internal/config"
	"harmonia.build/daemon/internal/daemonserver"
	"harmonia.build/daemon/internal/httpapi"
	"harmonia.build/daemon/internal/storedb"
)

func newServeCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "serve",
		Short:                 "run the store daemon",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), g)
	}
	return c
}

func runServe(ctx context.Context, g *globalConfig) error {
	c, err := loadConfig(g)
	if err != nil {
		return err
	}

	for _, dir := range []string{c.StateDir, c.LogDir, c.BuildDir, c.RealStoreDirectory} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	db, err := openDB(ctx, c)
	if err != nil {
		return fmt.Errorf("serve: open database: %w", err)
	}
	defer db.Close()

	blobStore, err := newBlobStore(c)
	if err != nil {
		return fmt.Errorf("serve: open blob store: %w", err)
	}

	auth, err := newAuthenticator(ctx, c)
	if err != nil {
		return fmt.Errorf("serve: configure auth: %w", err)
	}

	gcRootsDir := filepath.Join(c.StateDir, "gcroots")
	if err := os.MkdirAll(gcRootsDir, 0o755); err != nil {
		return err
	}

	srv := daemonserver.New(c.StoreDirectory, db, daemonserver.Options{
		RealDir:               c.RealStoreDirectory,
		BuildDir:              c.BuildDir,
		LogDir:                c.LogDir,
		GCRootsDir:            gcRootsDir,
		MaxJobs:               c.MaxJobs,
		Cores:                 c.Cores,
		LogCompression:        c.BuildConfig().LogCompression,
		AllowedImpureHostDeps: c.AllowedImpureHostDeps,
		ImpureEnvVars:         c.ImpureEnvVars,
		Sandbox:               newSandbox(c),
		BlobStore:             blobStore,
		Authenticator:         auth,
	})

	ln, err := listen(c)
	if err != nil {
		return err
	}
	defer ln.Close()

	if c.MetricsAddr != "" {
		ms, err := startMetricsServer(c, db)
		if err != nil {
			return fmt.Errorf("serve: start metrics server: %w", err)
		}
		defer ms.Close()
	}

	log.Infof(ctx, "harmoniad: listening on %s", ln.Addr())
	if supported, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debugf(ctx, "harmoniad: sd_notify: %v", err)
	} else if supported {
		log.Debugf(ctx, "harmoniad: notified systemd of readiness")
	}

	return srv.Serve(ctx, ln)
}

// listen acquires the daemon's listener either from a systemd socket
// activation fd set (grounded on Mic92-niks3/client/socket.go's
// LISTEN_PID/LISTEN_FDS convention, generalized here to the real
// coreos/go-systemd/v22/activation package) or by binding c.Socket
// directly.
func listen(c *config.Config) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("listen: systemd activation: %w", err)
	}
	if len(listeners) > 0 {
		return listeners[0], nil
	}

	if err := os.MkdirAll(filepath.Dir(c.Socket), 0o755); err != nil {
		return nil, err
	}
	os.Remove(c.Socket)
	ln, err := net.Listen("unix", c.Socket)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(c.Socket, c.SocketMode); err != nil {
		ln.Close()
		return nil, fmt.Errorf("listen: chmod %s: %w", c.Socket, err)
	}
	return ln, nil
}

type metricsServer struct {
	ln net.Listener
}

func (m *metricsServer) Close() error { return m.ln.Close() }

// startMetricsServer serves [httpapi.NewHandler] on c.MetricsAddr in the
// background, matching the teacher's "serve is one more subcommand, the
// HTTP surface is incidental to it" layering.
func startMetricsServer(c *config.Config, db storedb.DB) (*metricsServer, error) {
	ln, err := net.Listen("tcp", c.MetricsAddr)
	if err != nil {
		return nil, err
	}
	handler := httpapi.NewHandler(httpapi.Options{
		DB:      db,
		Limiter: rate.NewLimiter(rate.Limit(10), 20),
	}, "dev")
	go http.Serve(ln, handler)
	return &metricsServer{ln: ln}, nil
}
