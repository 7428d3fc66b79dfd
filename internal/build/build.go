// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package build implements the build executor (component C6, spec.md
// §4.6): input validation, output-path resolution, sandboxed process
// supervision, single-pass NAR hashing + reference scanning, constraint
// checking, and atomic output registration.
//
// Grounded throughout on 256lights-zb's internal/backend/realize.go:
// runBuilderUnsandboxed's environment/spawn/drain shape, the
// postProcessFixedOutput/postProcessFloatingOutput single-pass
// NAR-hash-plus-refscan pipeline, and tempOutputPaths' placeholder
// rewriting — generalized from the teacher's JSON-RPC Server method
// into a store-agnostic BuildDerivation entry point operating over this
// module's own storedb/derivation/nar/refscan packages.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/log"

	"harmonia.build/daemon/internal/derivation"
	"harmonia.build/daemon/internal/storedb"
	"harmonia.build/daemon/internal/storepath"
)

// Mode selects among the three build strategies spec.md §4.6 names.
type Mode int

const (
	Normal Mode = iota
	Repair
	Check
)

// Outcome classifies how a build concluded.
type Outcome int

const (
	Built Outcome = iota
	AlreadyValid
)

func (o Outcome) String() string {
	if o == AlreadyValid {
		return "already-valid"
	}
	return "built"
}

// FailureStatus enumerates the BuildResultFailure statuses spec.md §7 names.
type FailureStatus int

const (
	NoFailure FailureStatus = iota
	Timeout
	MiscFailure
	OutputRejected
	NotDeterministic
	DependencyFailed
)

func (s FailureStatus) String() string {
	switch s {
	case Timeout:
		return "Timeout"
	case MiscFailure:
		return "MiscFailure"
	case OutputRejected:
		return "OutputRejected"
	case NotDeterministic:
		return "NotDeterministic"
	case DependencyFailed:
		return "DependencyFailed"
	default:
		return "NoFailure"
	}
}

// Result is the outcome of a [Executor.BuildDerivation] call.
type Result struct {
	Success    bool
	Outcome    Outcome
	Status     FailureStatus
	Message    string
	TimesBuilt int
	Outputs    map[string]storepath.Path
}

// Config holds the per-build knobs spec.md §4.6 calls out: timeouts,
// core count, sandbox restrictions, and on-failure disk behavior.
type Config struct {
	BuildDir string
	LogDir   string
	Cores    int

	// LogCompression selects the build log codec (spec.md §4.6 phase 9).
	// The zero value is [LogCompressionBzip2].
	LogCompression LogCompression

	Timeout       time.Duration
	MaxSilentTime time.Duration

	KeepFailed bool

	// AllowedImpureHostDeps lists path prefixes __impureHostDeps entries
	// must fall under (macOS only; spec.md §4.6 phase 5).
	AllowedImpureHostDeps []string
	// ImpureEnvVars lists env var names copied from the parent process
	// environment into fixed-output builds (spec.md §4.6 phase 6).
	ImpureEnvVars []string
}

// Executor runs derivations to completion against a store directory and
// metadata database.
type Executor struct {
	Dir     storepath.Directory
	RealDir string // filesystem path backing Dir; usually string(Dir).
	DB      storedb.DB
	Sandbox Sandbox

	buildLocks sync.Map // storepath.Path -> *sync.Mutex
}

// BuildDerivation is the entry point for component C6, implementing
// phases 1-16 of spec.md §4.6.
func (e *Executor) BuildDerivation(ctx context.Context, drvPath storepath.Path, drv *derivation.Derivation, mode Mode, cfg Config) (*Result, error) {
	lockIface, _ := e.buildLocks.LoadOrStore(drvPath, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	drvName := drv.Name

	// Phase 3: output-path resolution.
	outPaths := make(map[string]storepath.Path, len(drv.Outputs))
	for name, out := range drv.Outputs {
		p, ok := derivation.ResolveOutputPath(e.Dir, drvName, name, out)
		if !ok {
			return &Result{Status: MiscFailure, Message: fmt.Sprintf("output %q has an unresolvable (floating/deferred) path before build", name)}, nil
		}
		outPaths[name] = p
	}

	// Phase 1: fast skip.
	if mode == Normal {
		allValid := true
		for _, p := range outPaths {
			ok, err := e.DB.IsValidPath(ctx, p)
			if err != nil {
				return nil, fmt.Errorf("build %s: %w", drvPath, err)
			}
			if !ok {
				allValid = false
				break
			}
		}
		if allValid {
			return &Result{Success: true, Outcome: AlreadyValid, Outputs: outPaths}, nil
		}
	}

	// Phase 2: input validation.
	for _, input := range drv.Inputs() {
		if _, err := os.Lstat(filepath.Join(e.RealDir, input.Base())); err != nil {
			return &Result{Status: MiscFailure, Message: fmt.Sprintf("missing input %s: %v", input, err)}, nil
		}
	}

	// Phase 4: sandbox directory.
	topTempDir, err := os.MkdirTemp(cfg.BuildDir, sandboxDirPrefix(drvName))
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", drvPath, err)
	}
	defer func() {
		if !cfg.KeepFailed {
			os.RemoveAll(topTempDir)
		}
	}()
	if err := os.Chmod(topTempDir, 0o700); err != nil {
		return nil, fmt.Errorf("build %s: %w", drvPath, err)
	}

	// Phase 5: impure host deps (macOS only; no-op elsewhere).
	if err := checkImpureHostDeps(drv, cfg); err != nil {
		return &Result{Status: MiscFailure, Message: err.Error()}, nil
	}

	// Phase 6-7: environment construction, including exportReferencesGraph.
	env, attrPaths, err := buildEnviron(e.Dir, drvName, drv, outPaths, topTempDir, cfg)
	if err != nil {
		return &Result{Status: MiscFailure, Message: err.Error()}, nil
	}
	if err := writeExportReferencesGraph(ctx, e.DB, e.Dir, drv, topTempDir); err != nil {
		return &Result{Status: MiscFailure, Message: err.Error()}, nil
	}
	for path, data := range attrPaths {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("build %s: write attr file: %w", drvPath, err)
		}
	}

	// Phase 8: repair mode pre-clean.
	if mode == Repair {
		for _, p := range outPaths {
			os.RemoveAll(filepath.Join(e.RealDir, p.Base()))
		}
	}

	// Phase 9: build log sink.
	logSink, closeLog, err := openLogSink(cfg.LogDir, drvPath, cfg.LogCompression)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", drvPath, err)
	}
	defer closeLog()

	// Phase 10-11: builder dispatch + monitor.
	runErr := e.run(ctx, drv, env, topTempDir, logSink, cfg)
	if runErr != nil {
		status := MiscFailure
		if errors.Is(runErr, context.DeadlineExceeded) || errors.Is(runErr, errTimedOut) {
			status = Timeout
		}
		if !cfg.KeepFailed {
			for _, p := range outPaths {
				os.RemoveAll(filepath.Join(e.RealDir, p.Base()))
			}
		} else {
			for _, p := range outPaths {
				real := filepath.Join(e.RealDir, p.Base())
				os.Rename(real, real+".failed")
			}
		}
		return &Result{Status: status, Message: runErr.Error()}, nil
	}

	// Phase 12-16: output processing, constraint checking, registration.
	return e.finishBuild(ctx, drvPath, drv, outPaths, mode, cfg)
}

var errTimedOut = errors.New("build: timed out")

func sandboxDirPrefix(drvName string) string {
	const maxPrefix = 60 // keep well under NAME_MAX once the random suffix is appended.
	p := "nix-build-" + drvName
	if len(p) > maxPrefix {
		p = p[:maxPrefix]
	}
	return p + "-*"
}

func checkImpureHostDeps(drv *derivation.Derivation, cfg Config) error {
	raw, ok := drv.Env["__impureHostDeps"]
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	for _, dep := range strings.Fields(raw) {
		allowed := false
		for _, prefix := range cfg.AllowedImpureHostDeps {
			if dep == prefix || strings.HasPrefix(dep, strings.TrimSuffix(prefix, "/")+"/") {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("impure host dependency %q not in allowed-impure-host-deps", dep)
		}
	}
	return nil
}

// run dispatches to a builtin builder or spawns the external process
// through the sandbox, then drains its output into logSink while
// enforcing the timeout and max-silent-time deadlines (spec.md §4.6
// phases 10-11).
func (e *Executor) run(ctx context.Context, drv *derivation.Derivation, env map[string]string, buildDir string, logSink io.Writer, cfg Config) error {
	if b, ok := strings.CutPrefix(drv.Builder, "builtin:"); ok {
		return runBuiltin(ctx, b, drv, env, buildDir, logSink)
	}

	sandbox := e.Sandbox
	if sandbox == nil {
		sandbox = unsandboxed{}
	}
	handle, err := sandbox.Prepare(ctx, buildDir, cfg)
	if err != nil {
		return fmt.Errorf("prepare sandbox: %w", err)
	}
	defer handle.Teardown()

	cmd := exec.CommandContext(ctx, drv.Builder, drv.Args...)
	cmd.Dir = buildDir
	for _, k := range sortedEnvKeys(env) {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
	handle.Configure(cmd)

	log.Debugf(ctx, "starting builder %s for %s", drv.Builder, drv.Name)

	lastOutput := make(chan struct{}, 1)
	drain := func(r io.Reader) {
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				logSink.Write(buf[:n])
				select {
				case lastOutput <- struct{}{}:
				default:
				}
			}
			if err != nil {
				return
			}
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start builder: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); drain(stdout) }()
	go func() { defer wg.Done(); drain(stderr) }()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	deadline := newDeadline(cfg.Timeout)
	silentDeadline := newDeadline(cfg.MaxSilentTime)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var runErr error
waitLoop:
	for {
		select {
		case runErr = <-done:
			break waitLoop
		case <-ticker.C:
			if deadline.expired() || silentDeadline.expired() {
				handle.Kill()
				runErr = <-done
				runErr = errTimedOut
				break waitLoop
			}
		case <-lastOutput:
			silentDeadline.reset()
		}
	}
	wg.Wait()

	if runErr != nil && runErr != errTimedOut {
		return fmt.Errorf("builder: %w", runErr)
	}
	if runErr == nil {
		log.Debugf(ctx, "builder for %s finished successfully", drv.Name)
	}
	return runErr
}

type deadline struct {
	at time.Time
	d  time.Duration
}

func newDeadline(d time.Duration) *deadline {
	dl := &deadline{d: d}
	dl.reset()
	return dl
}

func (dl *deadline) reset() {
	if dl.d > 0 {
		dl.at = time.Now().Add(dl.d)
	}
}

func (dl *deadline) expired() bool {
	return dl.d > 0 && time.Now().After(dl.at)
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
