// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"harmonia.build/daemon/internal/storepath"
)

func TestRunLinearChainSucceeds(t *testing.T) {
	var built []storepath.Path
	var mu sync.Mutex
	nodes := []Node{
		{Path: "a"},
		{Path: "b", Dependencies: []storepath.Path{"a"}},
		{Path: "c", Dependencies: []storepath.Path{"b"}},
	}
	results, err := Run(context.Background(), nodes, 2, func(ctx context.Context, n Node) error {
		mu.Lock()
		built = append(built, n.Path)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range nodes {
		if results[n.Path].Status != Success {
			t.Errorf("%s status = %v; want Success", n.Path, results[n.Path].Status)
		}
	}
	if len(built) != 3 {
		t.Fatalf("built %d nodes; want 3", len(built))
	}
}

func TestRunDependencyFailurePropagates(t *testing.T) {
	nodes := []Node{
		{Path: "a"},
		{Path: "b", Dependencies: []storepath.Path{"a"}},
		{Path: "c", Dependencies: []storepath.Path{"b"}},
	}
	results, err := Run(context.Background(), nodes, 4, func(ctx context.Context, n Node) error {
		if n.Path == "a" {
			return fmt.Errorf("boom")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if results["a"].Status != Failed {
		t.Errorf("a status = %v; want Failed", results["a"].Status)
	}
	if results["b"].Status != DependencyFailed {
		t.Errorf("b status = %v; want DependencyFailed", results["b"].Status)
	}
	if results["c"].Status != DependencyFailed {
		t.Errorf("c status = %v; want DependencyFailed", results["c"].Status)
	}
}

func TestRunUnresolvableCycleFails(t *testing.T) {
	nodes := []Node{
		{Path: "a", Dependencies: []storepath.Path{"b"}},
		{Path: "b", Dependencies: []storepath.Path{"a"}},
	}
	results, err := Run(context.Background(), nodes, 2, func(ctx context.Context, n Node) error {
		t.Errorf("build invoked for %s in a cyclic graph", n.Path)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if results["a"].Status != Failed || results["b"].Status != Failed {
		t.Errorf("results = %+v; want both Failed", results)
	}
}

func TestRunRespectsMaxJobs(t *testing.T) {
	var current, max int32
	nodes := make([]Node, 10)
	for i := range nodes {
		nodes[i] = Node{Path: storepath.Path(fmt.Sprintf("n%d", i))}
	}
	_, err := Run(context.Background(), nodes, 3, func(ctx context.Context, n Node) error {
		c := atomic.AddInt32(&current, 1)
		for {
			m := atomic.LoadInt32(&max)
			if c <= m || atomic.CompareAndSwapInt32(&max, m, c) {
				break
			}
		}
		atomic.AddInt32(&current, -1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if max > 3 {
		t.Errorf("observed concurrency %d; want ≤ 3", max)
	}
}

func TestRunDependencyOutsideInputSetTreatedAsSatisfied(t *testing.T) {
	nodes := []Node{
		{Path: "b", Dependencies: []storepath.Path{"external-not-in-set"}},
	}
	results, err := Run(context.Background(), nodes, 1, func(ctx context.Context, n Node) error {
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if results["b"].Status != Success {
		t.Errorf("b status = %v; want Success", results["b"].Status)
	}
}
