// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package build

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/breml/rootcerts" // installs a static CA bundle as the default RoundTripper trust store
	"github.com/ulikunitz/xz"

	"harmonia.build/daemon/internal/derivation"
)

// runBuiltin dispatches a "builtin:NAME" builder, per spec.md §4.6's
// note that some derivations are satisfied without spawning an external
// process. Grounded on 256lights-zb's builtin.go fetchURL, generalized
// to the three builtins SPEC_FULL.md names: fetchurl, buildenv, and
// unpack-channel.
func runBuiltin(ctx context.Context, name string, drv *derivation.Derivation, env map[string]string, buildDir string, logSink io.Writer) error {
	switch name {
	case "fetchurl":
		return builtinFetchURL(ctx, drv, env)
	case "buildenv":
		return builtinBuildEnv(drv, env)
	case "unpack-channel":
		return builtinUnpackChannel(drv, env)
	default:
		fmt.Fprintf(logSink, "builtin:%s: no such builtin\n", name)
		return fmt.Errorf("builtin %q not found", name)
	}
}

// builtinFetchURL implements the fixed-output "fetchurl" builtin: fetch
// url into the sole output path, optionally marking it executable.
func builtinFetchURL(ctx context.Context, drv *derivation.Derivation, env map[string]string) error {
	href := env["url"]
	if href == "" {
		return fmt.Errorf("builtin:fetchurl: missing url")
	}
	out, ok := drv.Outputs[derivation.DefaultOutputName]
	if !ok || out.Kind != derivation.CAFixed {
		return fmt.Errorf("builtin:fetchurl: output is not fixed")
	}
	outPath := env[derivation.DefaultOutputName]
	if outPath == "" {
		return fmt.Errorf("builtin:fetchurl: missing out environment variable")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("builtin:fetchurl: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("builtin:fetchurl: %s: HTTP %s", href, resp.Status)
	}

	perm := os.FileMode(0o444)
	if env["executable"] != "" {
		perm |= 0o111
	}
	f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("builtin:fetchurl: %w", err)
	}
	_, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return fmt.Errorf("builtin:fetchurl: %w", copyErr)
	}
	return closeErr
}

// builtinBuildEnv implements the "buildenv" builtin used to assemble a
// user environment (the target of `nix-env`-style profile generations):
// it merges the store paths listed in the derivation's "derivations"
// environment variable into a single symlink tree at the sole output,
// last writer wins on conflicting filenames, matching upstream Nix's
// builtin buildenv priority rule simplified to arrival order.
func builtinBuildEnv(drv *derivation.Derivation, env map[string]string) error {
	outPath := env[derivation.DefaultOutputName]
	if outPath == "" {
		return fmt.Errorf("builtin:buildenv: missing out environment variable")
	}
	manifest := strings.Fields(env["derivations"])
	if err := os.MkdirAll(outPath, 0o755); err != nil {
		return fmt.Errorf("builtin:buildenv: %w", err)
	}
	for _, srcPath := range manifest {
		entries, err := os.ReadDir(srcPath)
		if err != nil {
			return fmt.Errorf("builtin:buildenv: read %s: %w", srcPath, err)
		}
		for _, entry := range entries {
			link := filepath.Join(outPath, entry.Name())
			os.Remove(link)
			if err := os.Symlink(filepath.Join(srcPath, entry.Name()), link); err != nil {
				return fmt.Errorf("builtin:buildenv: %w", err)
			}
		}
	}
	return nil
}

// builtinUnpackChannel implements the "unpack-channel" builtin:
// extract a gzip- or xz-compressed tarball named by the "src" env var
// into a directory named by "channelName" under the sole output.
func builtinUnpackChannel(drv *derivation.Derivation, env map[string]string) error {
	outPath := env[derivation.DefaultOutputName]
	if outPath == "" {
		return fmt.Errorf("builtin:unpack-channel: missing out environment variable")
	}
	src := env["src"]
	if src == "" {
		return fmt.Errorf("builtin:unpack-channel: missing src environment variable")
	}
	channelName := env["channelName"]
	if channelName == "" {
		channelName = "channel"
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("builtin:unpack-channel: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(src, ".xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("builtin:unpack-channel: %w", err)
		}
		r = xr
	case strings.HasSuffix(src, ".gz") || strings.HasSuffix(src, ".tgz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("builtin:unpack-channel: %w", err)
		}
		defer gr.Close()
		r = gr
	}

	dest := filepath.Join(outPath, channelName)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("builtin:unpack-channel: %w", err)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("builtin:unpack-channel: %w", err)
		}
		target := filepath.Join(dest, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, dest+string(filepath.Separator)) && target != dest {
			return fmt.Errorf("builtin:unpack-channel: tar entry %q escapes destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return fmt.Errorf("builtin:unpack-channel: %w", err)
			}
		case tar.TypeSymlink:
			os.Symlink(hdr.Linkname, target)
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("builtin:unpack-channel: %w", err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)|0o200)
			if err != nil {
				return fmt.Errorf("builtin:unpack-channel: %w", err)
			}
			_, copyErr := io.Copy(out, tr)
			closeErr := out.Close()
			if copyErr != nil {
				return fmt.Errorf("builtin:unpack-channel: %w", copyErr)
			}
			if closeErr != nil {
				return fmt.Errorf("builtin:unpack-channel: %w", closeErr)
			}
		}
	}
	return nil
}
