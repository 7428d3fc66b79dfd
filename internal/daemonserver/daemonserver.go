// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package daemonserver implements the per-connection dispatch loop of
// component C4: handshake, operation-code routing, and the trailing-log
// interleaving contract spec.md §4.4.4 requires around every response.
//
// Grounded on 256lights-zb's internal/backend.Server: the same
// "one long-lived Server holding dir/realDir/db/buildDir, one handler
// method per operation" shape, generalized from a JSON-RPC ServeMux
// dispatch table into a loop over the real binary Nix daemon protocol's
// opcodes (internal/wire), since Harmonia speaks that protocol rather
// than JSON-RPC.
package daemonserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"zombiezen.com/go/log"

	"harmonia.build/daemon/internal/build"
	"harmonia.build/daemon/internal/scheduler"
	"harmonia.build/daemon/internal/storedb"
	"harmonia.build/daemon/internal/storepath"
	"harmonia.build/daemon/internal/wire"
)

// Options configures a [Server].
type Options struct {
	RealDir  string
	BuildDir string
	LogDir   string
	// GCRootsDir holds permanent GC root symlinks created by AddPermRoot
	// and consulted by FindRoots/CollectGarbage; empty disables the
	// on-disk permanent-root directory (temp and indirect roots still
	// work).
	GCRootsDir string
	MaxJobs    int
	// Cores is the default NIX_BUILD_CORES exposed to builds that don't
	// override it via SetOptions.
	Cores int
	// LogCompression selects the build log codec (spec.md §4.6 phase 9).
	LogCompression build.LogCompression
	// AllowedImpureHostDeps and ImpureEnvVars are forwarded to every
	// [build.Config] (spec.md §4.6 phases 5-6).
	AllowedImpureHostDeps []string
	ImpureEnvVars         []string

	Sandbox build.Sandbox

	// BlobStore, if non-nil, mirrors every newly registered NAR's bytes
	// to an S3-compatible object store alongside the local on-disk copy
	// (SPEC_FULL.md §11).
	BlobStore *storedb.BlobStore

	// Authenticator elevates a connection's trust level from
	// credentials presented out-of-band (mTLS identity, bearer token);
	// nil means every connection is NotTrusted unless AllowAllTrusted.
	Authenticator Authenticator
	// AllowAllTrusted marks every connection Trusted without checking
	// Authenticator; intended for a daemon listening only on a
	// root-owned local socket, matching upstream nix-daemon's Unix
	// socket peer-credential trust model.
	AllowAllTrusted bool
}

// Server dispatches daemon protocol connections against a store
// directory and its metadata database.
type Server struct {
	Dir     storepath.Directory
	RealDir string
	DB      storedb.DB

	buildDir       string
	logDir         string
	gcRootsDir     string
	maxJobs        int
	cores          int
	logCompression build.LogCompression
	impureDeps     []string
	impureEnvVars  []string
	executor       *build.Executor
	blobStore      *storedb.BlobStore
	auth           Authenticator
	allowAll       bool

	tempRoots     rootSet
	indirectRoots rootSet

	clientsMu sync.Mutex
	clients   map[net.Conn]struct{}
}

// New returns a Server ready to accept connections via [Server.Serve].
func New(dir storepath.Directory, db storedb.DB, opts Options) *Server {
	realDir := opts.RealDir
	if realDir == "" {
		realDir = string(dir)
	}
	maxJobs := opts.MaxJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}
	return &Server{
		Dir:            dir,
		RealDir:        realDir,
		DB:             db,
		buildDir:       opts.BuildDir,
		logDir:         opts.LogDir,
		gcRootsDir:     opts.GCRootsDir,
		maxJobs:        maxJobs,
		cores:          opts.Cores,
		logCompression: opts.LogCompression,
		impureDeps:     opts.AllowedImpureHostDeps,
		impureEnvVars:  opts.ImpureEnvVars,
		executor:       &build.Executor{Dir: dir, RealDir: realDir, DB: db, Sandbox: opts.Sandbox},
		blobStore:      opts.BlobStore,
		auth:           opts.Authenticator,
		allowAll:       opts.AllowAllTrusted,
		clients:        make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections from ln until ctx is canceled or Accept
// fails non-transiently, handling each on its own goroutine (spec.md §5:
// "Multiple connections to the same server execute concurrently").
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.trackConn(conn, true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			if err := s.handleConn(ctx, conn); err != nil && !errors.Is(err, io.EOF) {
				log.Debugf(ctx, "daemonserver: connection from %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if add {
		s.clients[conn] = struct{}{}
	} else {
		delete(s.clients, conn)
	}
}

// conn bundles the per-connection state the op handlers need: the
// negotiated protocol version, trust level, and the raw stream to read
// arguments from / write logs and results to.
type conn struct {
	rw      net.Conn
	version uint64
	trust   wire.TrustLevel
	server  *Server
	session *ClientSettings
}

// handleConn runs the handshake then the strictly-serial request loop
// spec.md §5 requires ("a single client connection is strictly serial").
func (s *Server) handleConn(ctx context.Context, nc net.Conn) error {
	trust := wire.TrustNotTrusted
	if s.allowAll {
		trust = wire.TrustTrusted
	} else if s.auth != nil {
		if t, err := s.auth.Authenticate(ctx, nc); err == nil {
			trust = t
		}
	}

	info, err := wire.ServerHandshake(nc, trust)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	// Handshake log stream terminator; Harmonia has nothing to report at
	// connect time.
	if err := wire.WriteLogMessage(nc, &wire.LogMessage{Type: wire.LogLast}); err != nil {
		return err
	}

	c := &conn{rw: nc, version: info.ProtocolVersion, trust: info.Trust, server: s}
	for {
		opNum, err := wire.ReadUint64(nc)
		if err != nil {
			return err
		}
		op := wire.Operation(opNum)
		start := time.Now()
		if err := c.dispatch(ctx, op); err != nil {
			return fmt.Errorf("operation %s: %w", op, err)
		}
		log.Debugf(ctx, "daemonserver: %s took %s", op, time.Since(start))
	}
}

// ClientSettings holds the last SetOptions call's values for this
// connection, consulted by build operations for cores/max-silent-time/
// keep-failed.
type ClientSettings = wire.ClientSettings

func (c *conn) dispatch(ctx context.Context, op wire.Operation) error {
	switch op {
	case wire.OpSetOptions:
		return c.opSetOptions(ctx)
	case wire.OpIsValidPath:
		return c.opIsValidPath(ctx)
	case wire.OpQueryValidPaths:
		return c.opQueryValidPaths(ctx)
	case wire.OpQueryPathInfo:
		return c.opQueryPathInfo(ctx)
	case wire.OpQueryPathFromHashPart:
		return c.opQueryPathFromHashPart(ctx)
	case wire.OpQueryReferrers:
		return c.opQueryReferrers(ctx)
	case wire.OpQueryValidDerivers:
		return c.opQueryValidDerivers(ctx)
	case wire.OpQueryAllValidPaths:
		return c.opQueryAllValidPaths(ctx)
	case wire.OpQueryDerivationOutputMap:
		return c.opQueryDerivationOutputMap(ctx)
	case wire.OpQueryMissing:
		return c.opQueryMissing(ctx)
	case wire.OpQuerySubstitutablePaths:
		return c.opQuerySubstitutablePaths(ctx)
	case wire.OpAddTempRoot:
		return c.opAddTempRoot(ctx)
	case wire.OpAddIndirectRoot:
		return c.opAddIndirectRoot(ctx)
	case wire.OpAddPermRoot:
		return c.opAddPermRoot(ctx)
	case wire.OpFindRoots:
		return c.opFindRoots(ctx)
	case wire.OpCollectGarbage:
		return c.opCollectGarbage(ctx)
	case wire.OpBuildDerivation:
		return c.opBuildDerivation(ctx)
	case wire.OpBuildPaths:
		return c.opBuildPaths(ctx, false)
	case wire.OpBuildPathsWithResults:
		return c.opBuildPaths(ctx, true)
	case wire.OpEnsurePath:
		return c.opEnsurePath(ctx)
	case wire.OpAddToStore:
		return c.opAddToStore(ctx)
	case wire.OpAddToStoreNar:
		return c.opAddToStoreNar(ctx)
	case wire.OpAddMultipleToStore:
		return c.opAddMultipleToStore(ctx)
	case wire.OpNarFromPath:
		return c.opNarFromPath(ctx)
	case wire.OpAddSignatures:
		return c.opAddSignatures(ctx)
	case wire.OpRegisterDrvOutput:
		return c.opRegisterDrvOutput(ctx)
	case wire.OpQueryRealisation:
		return c.opQueryRealisation(ctx)
	case wire.OpAddBuildLog:
		return c.opAddBuildLog(ctx)
	case wire.OpOptimiseStore:
		return c.opOptimiseStore(ctx)
	case wire.OpVerifyStore:
		return c.opVerifyStore(ctx)
	default:
		return c.failOp(fmt.Errorf("daemonserver: unsupported operation %s", op))
	}
}

// okLast writes the Last log terminator; call before writing a typed
// response on the success path of every operation (spec.md §4.4.4).
func (c *conn) okLast() error {
	return wire.WriteLogMessage(c.rw, &wire.LogMessage{Type: wire.LogLast})
}

// failOp reports a recoverable per-operation error as a single Error log
// message and returns nil so the connection's request loop continues,
// matching spec.md §4.4.6's "recoverable errors ... the loop continues".
func (c *conn) failOp(err error) error {
	return wire.WriteLogMessage(c.rw, &wire.LogMessage{
		Type:         wire.LogError,
		ErrorMessage: err.Error(),
		Exit:         1,
	})
}

func (c *conn) opSetOptions(ctx context.Context) error {
	s, err := wire.ReadClientSettings(c.rw, c.version)
	if err != nil {
		return err
	}
	c.session = s
	return c.okLast()
}

func (c *conn) requireTrusted() error {
	if c.trust != wire.TrustTrusted {
		return errors.New("operation requires a trusted connection")
	}
	return nil
}

func (c *conn) buildConfig() build.Config {
	cfg := build.Config{
		BuildDir:              c.server.buildDir,
		LogDir:                c.server.logDir,
		Cores:                 c.server.cores,
		LogCompression:        c.server.logCompression,
		AllowedImpureHostDeps: c.server.impureDeps,
		ImpureEnvVars:         c.server.impureEnvVars,
	}
	if c.session != nil {
		if c.session.BuildCores > 0 {
			cfg.Cores = int(c.session.BuildCores)
		}
		cfg.KeepFailed = c.session.KeepFailed
		cfg.MaxSilentTime = time.Duration(c.session.MaxSilentTime) * time.Second
	}
	return cfg
}

// runScheduled builds the closure of drv paths named by targets using the
// DAG scheduler (component C8), resolving each drvPath's parsed
// [derivation.Derivation] and dependencies from the store/DB before
// handing off to [scheduler.Run].
func (c *conn) runScheduled(ctx context.Context, targets []storepath.Path, mode build.Mode) (map[storepath.Path]scheduler.Result, error) {
	nodes, err := c.server.planNodes(ctx, targets)
	if err != nil {
		return nil, err
	}
	cfg := c.buildConfig()
	return scheduler.Run(ctx, nodes, c.server.maxJobs, func(ctx context.Context, node scheduler.Node) error {
		drv, err := c.server.loadDerivation(node.Path)
		if err != nil {
			return err
		}
		res, err := c.server.executor.BuildDerivation(ctx, node.Path, drv, mode, cfg)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("%s: %s", res.Status, res.Message)
		}
		return nil
	})
}
