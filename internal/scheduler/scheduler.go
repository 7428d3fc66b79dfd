// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package scheduler implements the wave-based DAG build dispatcher
// (component C8, spec.md §4.8): given a node set with dependency edges
// and a max_jobs capacity, it computes ready waves, spawns up to
// max_jobs concurrent builds per wave via a counting semaphore, and
// propagates dependency failure without invoking a builder.
//
// Grounded on Mic92-niks3's client/parallel.go worker-pool shape
// (errgroup.WithContext + SetLimit as the bounded-fan-out primitive),
// generalized from a flat task list into wave-by-wave DAG dispatch.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"harmonia.build/daemon/internal/storepath"
)

// Status is the terminal state of one node after [Run] completes.
type Status int

const (
	// Pending means the node was never reached, which Run never returns
	// for a node actually in its input set; exported for callers that
	// track scheduler state incrementally.
	Pending Status = iota
	Success
	Failed
	DependencyFailed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Failed:
		return "failed"
	case DependencyFailed:
		return "dependency-failed"
	default:
		return "unknown"
	}
}

// Node is one unit of work in the dependency graph: a derivation path
// and the set of derivation paths it depends on (spec.md §4.8 "build
// nodes {drv_path, dependencies}").
type Node struct {
	Path         storepath.Path
	Dependencies []storepath.Path
}

// BuildFunc performs the actual build for one node and reports whether
// it succeeded. It is invoked only after every dependency of node has
// reached a terminal state and none of them failed (spec.md §5 "Build
// ordering").
type BuildFunc func(ctx context.Context, node Node) error

// Result is the final outcome of one node.
type Result struct {
	Status Status
	// Err holds the build error for Failed, or for DependencyFailed an
	// error whose message names the dependency that did not succeed.
	Err error
}

// Run schedules every node in nodes for build via build, honoring
// maxJobs concurrent builds at a time, and returns a Result per node
// (spec.md §4.8 steps 1-5).
//
// Nodes whose dependencies lie outside nodes are treated as already
// satisfied (step 1: "dependencies... outside the input set"). If no
// progress can be made in a round (a dependency cycle), every
// remaining node is marked Failed with an "unresolvable dependency
// cycle" error (step 5).
func Run(ctx context.Context, nodes []Node, maxJobs int, build BuildFunc) (map[storepath.Path]Result, error) {
	if maxJobs <= 0 {
		maxJobs = 1
	}

	byPath := make(map[storepath.Path]Node, len(nodes))
	remaining := make(map[storepath.Path]struct{}, len(nodes))
	for _, n := range nodes {
		byPath[n.Path] = n
		remaining[n.Path] = struct{}{}
	}

	results := make(map[storepath.Path]Result, len(nodes))
	var mu sync.Mutex

	setResult := func(p storepath.Path, r Result) {
		mu.Lock()
		results[p] = r
		delete(remaining, p)
		mu.Unlock()
	}

	for len(remaining) > 0 {
		var ready []storepath.Path
		var depFailed []struct {
			path  storepath.Path
			cause storepath.Path
		}

		mu.Lock()
		for p := range remaining {
			n := byPath[p]
			allDone := true
			var failedDep storepath.Path
			hasFailedDep := false
			for _, dep := range n.Dependencies {
				st, done := results[dep]
				if !done {
					if _, stillPending := remaining[dep]; stillPending {
						allDone = false
						break
					}
					// Dependency outside the input set: treat as satisfied.
					continue
				}
				if st.Status == Failed || st.Status == DependencyFailed {
					hasFailedDep = true
					failedDep = dep
					break
				}
			}
			if !allDone {
				continue
			}
			if hasFailedDep {
				depFailed = append(depFailed, struct {
					path  storepath.Path
					cause storepath.Path
				}{p, failedDep})
				continue
			}
			ready = append(ready, p)
		}
		mu.Unlock()

		for _, df := range depFailed {
			setResult(df.path, Result{
				Status: DependencyFailed,
				Err:    fmt.Errorf("scheduler: dependency %s did not succeed", df.cause),
			})
		}

		if len(ready) == 0 {
			if len(depFailed) > 0 {
				// Progress was made via dependency-failure propagation;
				// loop again to re-evaluate newly-settled nodes.
				continue
			}
			// No ready node and no dependency-failure progress: a cycle.
			mu.Lock()
			for p := range remaining {
				results[p] = Result{Status: Failed, Err: fmt.Errorf("scheduler: unresolvable dependency cycle")}
			}
			for p := range remaining {
				delete(remaining, p)
			}
			mu.Unlock()
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxJobs)
		for _, p := range ready {
			p := p
			n := byPath[p]
			g.Go(func() error {
				err := build(gctx, n)
				if err != nil {
					setResult(p, Result{Status: Failed, Err: err})
				} else {
					setResult(p, Result{Status: Success})
				}
				return nil // per-node failure never aborts the wave.
			})
		}
		if err := g.Wait(); err != nil {
			return results, err
		}
	}

	return results, nil
}
