// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package storedb

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/log"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"

	"harmonia.build/daemon/internal/storepath"
)

// SQLite is the default [DB] backend: a single sqlite database accessed
// through a [sqlitemigration.Pool], grounded on
// 256lights-zb/internal/backend.Server's sqlitemigration.Pool +
// embedded-schema pattern (backend.go's loadSchema/sqlFiles).
type SQLite struct {
	pool *sqlitemigration.Pool
}

// OpenSQLite opens (creating and migrating if necessary) the sqlite store
// database at path.
func OpenSQLite(path string) *SQLite {
	return &SQLite{
		pool: sqlitemigration.NewPool(path, loadSchema(), sqlitemigration.Options{
			Flags:       sqlite.OpenCreate | sqlite.OpenReadWrite,
			PrepareConn: prepareConn,
			OnStartMigrate: func() {
				log.Debugf(context.Background(), "storedb: migrating %s", path)
			},
			OnReady: func() {
				log.Debugf(context.Background(), "storedb: %s ready", path)
			},
			OnError: func(err error) {
				log.Errorf(context.Background(), "storedb: migration: %v", err)
			},
		}),
	}
}

func (db *SQLite) Close() error { return db.pool.Close() }

func prepareConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode = wal;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA foreign_keys = on;", nil); err != nil {
		return err
	}
	return nil
}

//go:embed sql/*.sql
//go:embed sql/schema/*.sql
var rawSQLFiles embed.FS

func sqlFiles() fs.FS {
	sub, err := fs.Sub(rawSQLFiles, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

var schemaState struct {
	init   sync.Once
	schema sqlitemigration.Schema
	err    error
}

func loadSchema() sqlitemigration.Schema {
	schemaState.init.Do(func() {
		for i := 1; ; i++ {
			migration, err := fs.ReadFile(sqlFiles(), fmt.Sprintf("schema/%02d.sql", i))
			if errors.Is(err, fs.ErrNotExist) {
				break
			}
			if err != nil {
				schemaState.err = err
				return
			}
			schemaState.schema.Migrations = append(schemaState.schema.Migrations, string(migration))
		}
	})
	if schemaState.err != nil {
		panic(schemaState.err)
	}
	return schemaState.schema
}

func (db *SQLite) QueryPathInfo(ctx context.Context, path storepath.Path) (*ValidPathInfo, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("storedb: query path info %s: %v", path, err)
	}
	defer db.pool.Put(conn)

	var info *ValidPathInfo
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_path_info.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			info = rowToInfo(stmt)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storedb: query path info %s: %v", path, err)
	}
	if info == nil {
		return nil, nil
	}
	refs, err := db.QueryReferences(ctx, path)
	if err != nil {
		return nil, err
	}
	info.References = refs
	return info, nil
}

func rowToInfo(stmt *sqlite.Stmt) *ValidPathInfo {
	info := &ValidPathInfo{
		ID:       stmt.GetInt64("id"),
		Path:     storepath.Path(stmt.GetText("path")),
		NARSize:  stmt.GetInt64("narSize"),
		Ultimate: stmt.GetInt64("ultimate") != 0,
	}
	if deriver := stmt.GetText("deriver"); deriver != "" {
		info.Deriver = storepath.Path(deriver)
	}
	if hashStr := stmt.GetText("hash"); hashStr != "" {
		if h, err := parseStoredHash(hashStr); err == nil {
			info.NARHash = h
		}
	}
	if t := stmt.GetInt64("registrationTime"); t != 0 {
		info.RegistrationTime = time.Unix(t, 0).UTC()
	}
	if sigs := stmt.GetText("sigs"); sigs != "" {
		for _, s := range strings.Fields(sigs) {
			if sig, err := storepath.ParseSignature(s); err == nil {
				info.Signatures = append(info.Signatures, sig)
			}
		}
	}
	if caStr := stmt.GetText("ca"); caStr != "" {
		info.CA = parseStoredCA(caStr)
	}
	return info
}

// parseStoredHash parses the "algo:base32" form persisted in the hash column.
func parseStoredHash(s string) (storepath.Hash, error) {
	algo, b32, ok := strings.Cut(s, ":")
	if !ok {
		return storepath.Hash{}, fmt.Errorf("malformed stored hash %q", s)
	}
	typ, err := storepath.ParseHashType(algo)
	if err != nil {
		return storepath.Hash{}, err
	}
	digest, err := storepath.DecodeBase32(b32, typ.Size())
	if err != nil {
		return storepath.Hash{}, err
	}
	return storepath.NewHash(typ, digest), nil
}

// parseStoredCA is best-effort: a malformed CA string degrades to the zero
// value rather than failing the whole row read, since CA is optional.
func parseStoredCA(s string) storepath.ContentAddress {
	ca, _ := storepath.ParseContentAddress(s)
	return ca
}

func (db *SQLite) QueryPathFromHashPart(ctx context.Context, storeDir storepath.Directory, hashPart string) (storepath.Path, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("storedb: query path from hash part %s: %v", hashPart, err)
	}
	defer db.pool.Put(conn)

	prefix := string(storeDir) + "/" + hashPart
	var found storepath.Path
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_path_from_hash_part.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":prefix":      prefix,
			":upperBound":  prefix + "\xff",
		},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			p := stmt.GetText("path")
			if strings.HasPrefix(p, prefix) {
				found = storepath.Path(p)
			}
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("storedb: query path from hash part %s: %v", hashPart, err)
	}
	return found, nil
}

func (db *SQLite) IsValidPath(ctx context.Context, path storepath.Path) (bool, error) {
	info, err := db.QueryPathInfo(ctx, path)
	return info != nil, err
}

func (db *SQLite) QueryReferences(ctx context.Context, path storepath.Path) ([]storepath.Path, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("storedb: query references %s: %v", path, err)
	}
	defer db.pool.Put(conn)

	var refs []storepath.Path
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_references.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			refs = append(refs, storepath.Path(stmt.GetText("path")))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storedb: query references %s: %v", path, err)
	}
	return refs, nil
}

func (db *SQLite) QueryReferrers(ctx context.Context, path storepath.Path) ([]storepath.Path, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("storedb: query referrers %s: %v", path, err)
	}
	defer db.pool.Put(conn)

	var refs []storepath.Path
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_referrers.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			refs = append(refs, storepath.Path(stmt.GetText("path")))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storedb: query referrers %s: %v", path, err)
	}
	return refs, nil
}

func (db *SQLite) QueryValidDerivers(ctx context.Context, path storepath.Path) ([]storepath.Path, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("storedb: query valid derivers %s: %v", path, err)
	}
	defer db.pool.Put(conn)

	var out []storepath.Path
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_valid_derivers.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, storepath.Path(stmt.GetText("path")))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storedb: query valid derivers %s: %v", path, err)
	}
	return out, nil
}

func (db *SQLite) QueryDerivationOutputs(ctx context.Context, drv storepath.Path) ([]DerivationOutput, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("storedb: query derivation outputs %s: %v", drv, err)
	}
	defer db.pool.Put(conn)

	var out []DerivationOutput
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_derivation_outputs.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":drv": string(drv)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			o := DerivationOutput{Drv: drv, Name: stmt.GetText("name")}
			if p := stmt.GetText("path"); p != "" {
				o.Output = storepath.Path(p)
			}
			out = append(out, o)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storedb: query derivation outputs %s: %v", drv, err)
	}
	return out, nil
}

func (db *SQLite) QueryAllValidPaths(ctx context.Context) ([]storepath.Path, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("storedb: query all valid paths: %v", err)
	}
	defer db.pool.Put(conn)

	var out []storepath.Path
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_all_valid_paths.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			out = append(out, storepath.Path(stmt.GetText("path")))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storedb: query all valid paths: %v", err)
	}
	return out, nil
}

func (db *SQLite) CountValidPaths(ctx context.Context) (int64, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("storedb: count valid paths: %v", err)
	}
	defer db.pool.Put(conn)

	var count int64
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "count_valid_paths.sql", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.GetInt64("n")
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("storedb: count valid paths: %v", err)
	}
	return count, nil
}

func (db *SQLite) QueryRealisation(ctx context.Context, id string) (*Realisation, error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("storedb: query realisation %s: %v", id, err)
	}
	defer db.pool.Put(conn)

	var r *Realisation
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "query_realisation.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":id": id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			r = &Realisation{
				DrvOutputID: stmt.GetText("id"),
				OutPath:     storepath.Path(stmt.GetText("outputPath")),
			}
			if sigs := stmt.GetText("signatures"); sigs != "" {
				for _, s := range strings.Fields(sigs) {
					if sig, err := storepath.ParseSignature(s); err == nil {
						r.Signatures = append(r.Signatures, sig)
					}
				}
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storedb: query realisation %s: %v", id, err)
	}
	return r, nil
}

func (db *SQLite) RegisterValidPath(ctx context.Context, params RegisterParams) (err error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("storedb: register %s: %v", params.Path, err)
	}
	defer db.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("storedb: register %s: %v", params.Path, err)
	}
	defer endFn(&err)

	if params.Repair {
		if err := sqlitex.ExecuteFS(conn, sqlFiles(), "invalidate_path.sql", &sqlitex.ExecOptions{
			Named: map[string]any{":path": string(params.Path)},
		}); err != nil {
			return fmt.Errorf("storedb: register %s: repair invalidate: %v", params.Path, err)
		}
	}

	hashStr := ""
	if !params.NARHash.IsZero() {
		hashStr = params.NARHash.Type().String() + ":" + params.NARHash.Base32()
	}
	regTime := params.RegistrationTime
	if regTime.IsZero() {
		regTime = time.Now()
	}
	var sigsStr strings.Builder
	for i, s := range params.Signatures {
		if i > 0 {
			sigsStr.WriteByte(' ')
		}
		sigsStr.WriteString(s.String())
	}
	caStr := params.CA.String()

	err = sqlitex.ExecuteFS(conn, sqlFiles(), "insert_valid_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":path":             string(params.Path),
			":hash":             hashStr,
			":registrationTime": regTime.Unix(),
			":deriver":          string(params.Deriver),
			":narSize":          params.NARSize,
			":ultimate":         boolToInt(params.Ultimate),
			":sigs":             sigsStr.String(),
			":ca":               caStr,
		},
	})
	if err != nil {
		return fmt.Errorf("storedb: register %s: %v", params.Path, err)
	}

	for _, ref := range params.References {
		// Per spec.md §4.3 invariant (i), the reference must already be a
		// registered valid path: callers are responsible for registering
		// in topological (leaves-first) order.
		if err := sqlitex.ExecuteFS(conn, sqlFiles(), "add_reference.sql", &sqlitex.ExecOptions{
			Named: map[string]any{
				":referrer":  string(params.Path),
				":reference": string(ref),
			},
		}); err != nil {
			return fmt.Errorf("storedb: register %s: add reference %s: %v", params.Path, ref, err)
		}
	}
	return nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (db *SQLite) RegisterDrvOutput(ctx context.Context, r Realisation) (err error) {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("storedb: register drv output %s: %v", r.DrvOutputID, err)
	}
	defer db.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("storedb: register drv output %s: %v", r.DrvOutputID, err)
	}
	defer endFn(&err)

	var sigsStr strings.Builder
	for i, s := range r.Signatures {
		if i > 0 {
			sigsStr.WriteByte(' ')
		}
		sigsStr.WriteString(s.String())
	}
	err = sqlitex.ExecuteFS(conn, sqlFiles(), "upsert_realisation.sql", &sqlitex.ExecOptions{
		Named: map[string]any{
			":id":                    r.DrvOutputID,
			":outputPath":            string(r.OutPath),
			":signatures":            sigsStr.String(),
			":dependentRealisations": encodeDependentRealisations(r.DependentRealisations),
		},
	})
	if err != nil {
		return fmt.Errorf("storedb: register drv output %s: %v", r.DrvOutputID, err)
	}
	return nil
}

func encodeDependentRealisations(m map[string]storepath.Path) string {
	if len(m) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for k, v := range m {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		b.WriteString(strconv.Quote(string(v)))
	}
	b.WriteByte('}')
	return b.String()
}

func (db *SQLite) InvalidatePath(ctx context.Context, path storepath.Path) error {
	conn, err := db.pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("storedb: invalidate %s: %v", path, err)
	}
	defer db.pool.Put(conn)

	err = sqlitex.ExecuteFS(conn, sqlFiles(), "invalidate_path.sql", &sqlitex.ExecOptions{
		Named: map[string]any{":path": string(path)},
	})
	if err != nil {
		return fmt.Errorf("storedb: invalidate %s: %v", path, err)
	}
	return nil
}

var _ DB = (*SQLite)(nil)
