// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Package config loads harmoniad's configuration, matching
// 256lights-zb's cmd/zb/config.go idiom: defaults, then an environment
// overlay, then one or more HuJSON (JSON With Commas and Comments)
// files merged in order.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/tailscale/hujson"

	"harmonia.build/daemon/internal/build"
	"harmonia.build/daemon/internal/storepath"
)

// Config is the top-level structure unmarshaled from $CONFIG_FILE (spec.md
// §6 "Environment variables consumed"), mirroring the teacher's
// globalConfig shape generalized from a CLI tool's flags to a daemon's
// on-disk configuration file.
type Config struct {
	// Debug records whether debug output was requested, by the file's
	// "debug" key or by HARMONIA_LOG=debug/trace. harmoniad picks its log
	// level from --debug and HARMONIA_LOG before loading the
	// configuration, so the level does not depend on this field.
	Debug bool `json:"debug"`

	// StoreDirectory is the store's canonical content directory
	// (spec.md §6 "Store directory layout").
	StoreDirectory storepath.Directory `json:"storeDirectory"`
	// RealStoreDirectory is the filesystem path backing StoreDirectory,
	// usually identical to it.
	RealStoreDirectory string `json:"realStoreDirectory"`
	// Socket is the Unix domain socket path the daemon listens on.
	Socket string `json:"socket"`
	// SocketMode is the socket's file permissions (spec.md §6, default
	// 0666 "or as configured").
	SocketMode os.FileMode `json:"socketMode"`

	// StateDir holds db/, userpool2/ per spec.md §6.
	StateDir string `json:"stateDir"`
	// LogDir holds drvs/<xy>/<rest>.bz2 build logs; empty disables
	// build log capture.
	LogDir string `json:"logDir"`
	// BuildDir holds ephemeral nix-build-* scratch directories.
	BuildDir string `json:"buildDir"`

	// DatabaseURL selects the storedb backend: empty or "sqlite://PATH"
	// uses the sqlite backend at PATH (default "<StateDir>/db/db.sqlite");
	// "postgres://..." uses the Postgres backend.
	DatabaseURL string `json:"databaseURL"`

	// MaxJobs bounds concurrent builds (spec.md §4.8 max_jobs).
	MaxJobs int `json:"maxJobs"`
	// Cores is NIX_BUILD_CORES for each build (spec.md §4.6 phase 6).
	Cores int `json:"cores"`

	AllowedImpureHostDeps []string `json:"allowedImpureHostDeps"`
	ImpureEnvVars         []string `json:"impureEnvVars"`

	// LogCompression selects the build log codec: "bzip2" (default) or
	// "zstd" (SPEC_FULL.md §11).
	LogCompression string `json:"logCompression"`

	// Auth configures connection trust elevation
	// (internal/daemonserver.Authenticator); the zero value trusts only
	// uid 0 via Unix peer credentials.
	Auth AuthConfig `json:"auth"`

	// S3 optionally configures an object-store NAR mirror
	// (internal/storedb.BlobStore).
	S3 *S3Config `json:"s3,omitempty"`

	// MetricsAddr, if non-empty, serves /health and /metrics on this
	// address (internal/httpapi).
	MetricsAddr string `json:"metricsAddr"`
}

// AuthConfig selects and parameterizes a daemonserver.Authenticator.
type AuthConfig struct {
	// Mode is "peercred" (default), "jwt", or "oidc".
	Mode string `json:"mode"`

	JWTSecret   string `json:"jwtSecret"`
	JWTAudience string `json:"jwtAudience"`

	OIDCIssuer   string `json:"oidcIssuer"`
	OIDCAudience string `json:"oidcAudience"`

	TrustedUIDs []int `json:"trustedUIDs"`
}

// S3Config parameterizes internal/storedb.BlobStore.
type S3Config struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	UseSSL    bool   `json:"useSSL"`
	Bucket    string `json:"bucket"`
}

// Default returns the configuration a freshly installed daemon should
// run with, rooted at XDG state/config directories the way
// 256lights-zb's defaultVarDir does (generalized from a single hardcoded
// "/opt/zb/var/zb" to github.com/adrg/xdg's cross-platform resolution,
// since Harmonia is not tied to a single deployment layout).
func Default() *Config {
	stateDir := filepath.Join(xdg.StateHome, "harmonia")
	return &Config{
		StoreDirectory:      storepath.DefaultDirectory,
		RealStoreDirectory:  string(storepath.DefaultDirectory),
		Socket:              filepath.Join(xdg.RuntimeDir, "harmonia", "daemon.sock"),
		SocketMode:          0o666,
		StateDir:            stateDir,
		LogDir:              filepath.Join(stateDir, "log"),
		BuildDir:            filepath.Join(stateDir, "build"),
		DatabaseURL:         "sqlite://" + filepath.Join(stateDir, "db", "db.sqlite"),
		MaxJobs:             1,
		Cores:               1,
		LogCompression:      "bzip2",
		Auth:                AuthConfig{Mode: "peercred"},
		MetricsAddr:         "",
	}
}

// MergeEnvironment overlays process environment variables onto c, matching
// spec.md §6's "environment variables consumed" list.
func (c *Config) MergeEnvironment() {
	if v := os.Getenv("HARMONIA_LOG"); v != "" {
		c.Debug = strings.EqualFold(v, "debug") || strings.EqualFold(v, "trace")
	}
	if v := os.Getenv("NIX_STATE_DIR"); v != "" {
		c.StateDir = v
	}
}

// MergeFile merges a HuJSON configuration file at path into c, following
// the teacher's mergeFiles idiom: a missing file is not an error, but a
// malformed one is. Fields present in the file overwrite c's current
// value; fields absent from the file are left untouched.
func (c *Config) MergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := json.Unmarshal(std, c); err != nil {
		return fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	return nil
}

// Load builds a [Config] from defaults, the process environment, and
// $CONFIG_FILE (or the explicit path, if non-empty), in that precedence
// order (later overrides earlier).
func Load(explicitPath string) (*Config, error) {
	c := Default()
	c.MergeEnvironment()

	path := explicitPath
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		path = filepath.Join(xdg.ConfigHome, "harmonia", "config.json")
	}
	if err := c.MergeFile(path); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the fields that must be set for the daemon to start,
// matching the teacher's globalConfig.validate's fail-fast idiom
// (SPEC_FULL.md §7 "Config — structural problems in options at startup;
// fatal").
func (c *Config) Validate() error {
	if !filepath.IsAbs(string(c.StoreDirectory)) {
		return fmt.Errorf("config: storeDirectory %q is not absolute", c.StoreDirectory)
	}
	if c.Socket == "" {
		return fmt.Errorf("config: socket not set")
	}
	if c.StateDir == "" {
		return fmt.Errorf("config: stateDir not set")
	}
	if c.MaxJobs <= 0 {
		return fmt.Errorf("config: maxJobs must be positive")
	}
	switch c.LogCompression {
	case "", "bzip2", "zstd":
	default:
		return fmt.Errorf("config: logCompression must be \"bzip2\" or \"zstd\", got %q", c.LogCompression)
	}
	switch c.Auth.Mode {
	case "", "peercred", "jwt", "oidc":
	default:
		return fmt.Errorf("config: auth.mode must be one of peercred/jwt/oidc, got %q", c.Auth.Mode)
	}
	return nil
}

// BuildConfig translates the parts of c relevant to component C6 into a
// [build.Config], leaving the per-connection fields (MaxSilentTime,
// KeepFailed) for the caller to fill in from SetOptions. Timeout is left
// at zero.
func (c *Config) BuildConfig() build.Config {
	compression := build.LogCompressionBzip2
	if c.LogCompression == "zstd" {
		compression = build.LogCompressionZstd
	}
	return build.Config{
		BuildDir:              c.BuildDir,
		LogDir:                c.LogDir,
		Cores:                 c.Cores,
		LogCompression:        compression,
		AllowedImpureHostDeps: c.AllowedImpureHostDeps,
		ImpureEnvVars:         c.ImpureEnvVars,
	}
}
