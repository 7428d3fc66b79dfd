// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package daemonserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"harmonia.build/daemon/internal/derivation"
	"harmonia.build/daemon/internal/scheduler"
	"harmonia.build/daemon/internal/storepath"
)

// loadDerivation reads and parses the ".drv" file at drvPath from disk.
func (s *Server) loadDerivation(drvPath storepath.Path) (*derivation.Derivation, error) {
	data, err := os.ReadFile(filepath.Join(s.RealDir, drvPath.Base()))
	if err != nil {
		return nil, fmt.Errorf("load derivation %s: %w", drvPath, err)
	}
	return derivation.Parse(s.Dir, drvPath.Name(), data)
}

// planNodes walks targets' derivation dependency graph to build the
// scheduler's input node set (component C8's input), resolving each
// input derivation transitively so the wave scheduler sees the full DAG.
func (s *Server) planNodes(ctx context.Context, targets []storepath.Path) ([]scheduler.Node, error) {
	seen := make(map[storepath.Path]bool)
	var nodes []scheduler.Node
	queue := append([]storepath.Path(nil), targets...)
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if seen[p] {
			continue
		}
		seen[p] = true
		if !p.IsDerivation() {
			continue
		}
		drv, err := s.loadDerivation(p)
		if err != nil {
			return nil, err
		}
		deps := drv.Inputs()
		var drvDeps []storepath.Path
		for _, d := range deps {
			if d.IsDerivation() {
				drvDeps = append(drvDeps, d)
				queue = append(queue, d)
			}
		}
		nodes = append(nodes, scheduler.Node{Path: p, Dependencies: drvDeps})
	}
	return nodes, nil
}
