// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"strings"

	"harmonia.build/daemon/internal/config"
	"harmonia.build/daemon/internal/daemonserver"
	"harmonia.build/daemon/internal/storedb"
)

// loadConfig reads g's configuration file, following the teacher's
// "flags select the config, the config file selects everything else"
// split.
func loadConfig(g *globalConfig) (*config.Config, error) {
	return config.Load(g.configPath)
}

// openDB constructs the [storedb.DB] backend c.DatabaseURL selects.
func openDB(ctx context.Context, c *config.Config) (storedb.DB, error) {
	switch {
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return storedb.OpenPostgres(ctx, c.DatabaseURL)
	case c.DatabaseURL == "", strings.HasPrefix(c.DatabaseURL, "sqlite://"):
		path := strings.TrimPrefix(c.DatabaseURL, "sqlite://")
		return storedb.OpenSQLite(path), nil
	default:
		return nil, fmt.Errorf("config: unrecognized databaseURL scheme %q", c.DatabaseURL)
	}
}

// newAuthenticator builds the [daemonserver.Authenticator] c.Auth
// selects; "peercred" (the default) trusts uid 0 plus c.Auth.TrustedUIDs
// via Unix socket peer credentials, matching upstream nix-daemon's
// default local-socket trust model.
func newAuthenticator(ctx context.Context, c *config.Config) (daemonserver.Authenticator, error) {
	switch c.Auth.Mode {
	case "", "peercred":
		trusted := make(map[int]bool, len(c.Auth.TrustedUIDs))
		for _, uid := range c.Auth.TrustedUIDs {
			trusted[uid] = true
		}
		return &daemonserver.PeerCredTrust{TrustedUIDs: trusted}, nil
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return nil, fmt.Errorf("config: auth.mode=jwt requires auth.jwtSecret")
		}
		return &daemonserver.JWTAuthenticator{
			Secret:   []byte(c.Auth.JWTSecret),
			Audience: c.Auth.JWTAudience,
		}, nil
	case "oidc":
		if c.Auth.OIDCIssuer == "" {
			return nil, fmt.Errorf("config: auth.mode=oidc requires auth.oidcIssuer")
		}
		a := &daemonserver.OIDCAuthenticator{
			Issuer:   c.Auth.OIDCIssuer,
			Audience: c.Auth.OIDCAudience,
		}
		if err := a.Init(ctx); err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("config: unrecognized auth.mode %q", c.Auth.Mode)
	}
}

// newBlobStore constructs the optional S3 mirror c.S3 configures; nil if
// unconfigured, which is itself a valid *storedb.BlobStore per its own
// doc comment.
func newBlobStore(c *config.Config) (*storedb.BlobStore, error) {
	if c.S3 == nil {
		return nil, nil
	}
	return storedb.NewBlobStore(storedb.BlobStoreOptions{
		Endpoint:  c.S3.Endpoint,
		AccessKey: c.S3.AccessKey,
		SecretKey: c.S3.SecretKey,
		UseSSL:    c.S3.UseSSL,
		Bucket:    c.S3.Bucket,
	})
}
