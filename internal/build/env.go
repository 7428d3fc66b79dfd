// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package build

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"harmonia.build/daemon/internal/derivation"
	"harmonia.build/daemon/internal/storedb"
	"harmonia.build/daemon/internal/storepath"
)

// buildEnviron constructs the builder's environment map following the
// exact insertion-order precedence of spec.md §4.6 phase 6. It returns
// any additional files that must be written into buildDir (passAsFile
// targets and/or the structured-attrs JSON file), keyed by their
// absolute path.
func buildEnviron(dir storepath.Directory, drvName string, drv *derivation.Derivation, outPaths map[string]storepath.Path, buildDir string, cfg Config) (map[string]string, map[string][]byte, error) {
	env := make(map[string]string)
	attrFiles := make(map[string][]byte)

	cores := cfg.Cores
	if cores <= 0 {
		cores = runtime.NumCPU()
	}

	// Pre-drv defaults (overridable).
	env["PATH"] = "/path-not-set"
	env["HOME"] = "/homeless-shelter"
	env["NIX_STORE"] = string(dir)
	env["NIX_BUILD_CORES"] = strconv.Itoa(cores)

	structured := len(drv.StructuredAttrs) > 0

	if !structured {
		passAsFile := make(map[string]bool)
		for _, k := range strings.Fields(drv.Env["passAsFile"]) {
			passAsFile[k] = true
		}
		for _, k := range sortedDrvEnvKeys(drv.Env) {
			v := drv.Env[k]
			if passAsFile[k] {
				h := sha256.Sum256([]byte(k))
				fname := filepath.Join(buildDir, ".attr-"+storepath.EncodeBase32(h[:]))
				attrFiles[fname] = []byte(v)
				env[k+"Path"] = fname
				continue
			}
			env[k] = v
		}
	} else {
		var attrs map[string]json.RawMessage
		if err := json.Unmarshal(drv.StructuredAttrs, &attrs); err != nil {
			return nil, nil, fmt.Errorf("build env: parse structured attrs: %w", err)
		}
		outputsObj := make(map[string]string, len(outPaths))
		for name, p := range outPaths {
			outputsObj[name] = string(p)
		}
		outputsJSON, err := json.Marshal(outputsObj)
		if err != nil {
			return nil, nil, fmt.Errorf("build env: marshal outputs: %w", err)
		}
		attrs["outputs"] = outputsJSON
		merged, err := json.Marshal(attrs)
		if err != nil {
			return nil, nil, fmt.Errorf("build env: marshal structured attrs: %w", err)
		}
		attrsFile := filepath.Join(buildDir, ".attrs.json")
		attrFiles[attrsFile] = merged
		env["NIX_ATTRS_JSON_FILE"] = attrsFile
	}

	// Post-drv fixed (non-overridable).
	env["NIX_BUILD_TOP"] = buildDir
	env["TMPDIR"] = buildDir
	env["TEMPDIR"] = buildDir
	env["TMP"] = buildDir
	env["TEMP"] = buildDir
	env["PWD"] = buildDir
	outNames := make([]string, 0, len(outPaths))
	for name, p := range outPaths {
		env[name] = string(p)
		outNames = append(outNames, name)
	}
	sort.Strings(outNames)
	env["outputs"] = strings.Join(outNames, " ")

	// Fixed-output extras (single CA-Fixed output only).
	if len(drv.Outputs) == 1 {
		for _, out := range drv.Outputs {
			if out.Kind == derivation.CAFixed {
				env["NIX_OUTPUT_CHECKED"] = "1"
				for _, name := range cfg.ImpureEnvVars {
					if v, ok := os.LookupEnv(name); ok {
						env[name] = v
					}
				}
			}
		}
	}

	// Final fixed.
	env["NIX_LOG_FD"] = "2"
	env["TERM"] = "xterm-256color"

	return env, attrFiles, nil
}

func sortedDrvEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// writeExportReferencesGraph implements spec.md §4.6 phase 7: parse
// exportReferencesGraph (env-map form, "file1 path1 file2 path2 ...") or
// the structured-attrs form ({filename: [paths]}), and for each file
// write the closure's "validity registration" format:
//
//	<path>
//	<deriver (empty)>
//	<reference count>
//	<reference>...
func writeExportReferencesGraph(ctx context.Context, db storedb.DB, dir storepath.Directory, drv *derivation.Derivation, buildDir string) error {
	files := make(map[string][]storepath.Path)

	if len(drv.StructuredAttrs) > 0 {
		var attrs map[string]json.RawMessage
		if err := json.Unmarshal(drv.StructuredAttrs, &attrs); err != nil {
			return nil // Malformed structured attrs are reported elsewhere; skip quietly here.
		}
		raw, ok := attrs["exportReferencesGraph"]
		if ok {
			var obj map[string][]string
			if err := json.Unmarshal(raw, &obj); err == nil {
				for fname, paths := range obj {
					for _, p := range paths {
						files[fname] = append(files[fname], storepath.Path(p))
					}
				}
			}
		}
	} else if raw, ok := drv.Env["exportReferencesGraph"]; ok {
		fields := strings.Fields(raw)
		if len(fields)%2 != 0 {
			return fmt.Errorf("exportReferencesGraph: odd number of fields")
		}
		for i := 0; i < len(fields); i += 2 {
			files[fields[i]] = append(files[fields[i]], storepath.Path(fields[i+1]))
		}
	}

	for fname, starts := range files {
		closure, err := storedb.ComputeClosure(ctx, db, starts)
		if err != nil {
			return fmt.Errorf("exportReferencesGraph: compute closure for %s: %w", fname, err)
		}
		target := filepath.Join(buildDir, fname)
		if err := writeValidityRegistration(ctx, target, db, closure); err != nil {
			return fmt.Errorf("exportReferencesGraph: %s: %w", fname, err)
		}
	}
	return nil
}

func writeValidityRegistration(ctx context.Context, target string, db storedb.DB, closure []storepath.Path) error {
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)

	for _, p := range closure {
		info, err := db.QueryPathInfo(ctx, p)
		if err != nil {
			return err
		}
		if info == nil {
			continue
		}
		fmt.Fprintln(bw, string(p))
		fmt.Fprintln(bw)
		fmt.Fprintln(bw, len(info.References))
		for _, ref := range info.References {
			fmt.Fprintln(bw, string(ref))
		}
	}
	return bw.Flush()
}
