// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package storedb

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"harmonia.build/daemon/internal/storepath"
)

// Postgres is the second [DB] backend spec.md §4.3 calls for ("a
// pluggable backend with the same schema"), grounded on
// Mic92-niks3/pg.Connect's pgxpool + goose migration pattern.
type Postgres struct {
	pool *pgxpool.Pool
}

//go:embed pgmigrations/*.sql
var pgMigrations embed.FS

// OpenPostgres connects to connString, running any pending goose
// migrations before returning.
func OpenPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("storedb: open postgres: %w", err)
	}

	goose.SetBaseFS(pgMigrations)
	db := stdlib.OpenDBFromPool(pool)
	if err := goose.SetDialect("postgres"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storedb: open postgres: %w", err)
	}
	if err := goose.Up(db, "pgmigrations"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storedb: open postgres: migrate: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (db *Postgres) Close() error {
	db.pool.Close()
	return nil
}

func (db *Postgres) QueryPathInfo(ctx context.Context, path storepath.Path) (*ValidPathInfo, error) {
	row := db.pool.QueryRow(ctx, `SELECT id, path, hash, registration_time, deriver, nar_size, ultimate, sigs, ca
		FROM valid_paths WHERE path = $1`, string(path))
	info, err := scanValidPathInfo(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storedb: query path info %s: %w", path, err)
	}
	refs, err := db.QueryReferences(ctx, path)
	if err != nil {
		return nil, err
	}
	info.References = refs
	return info, nil
}

func scanValidPathInfo(row pgx.Row) (*ValidPathInfo, error) {
	var (
		info                  ValidPathInfo
		hashStr, deriver, sigs, ca string
		regTime               time.Time
	)
	if err := row.Scan(&info.ID, &info.Path, &hashStr, &regTime, &deriver, &info.NARSize, &info.Ultimate, &sigs, &ca); err != nil {
		return nil, err
	}
	info.RegistrationTime = regTime
	if deriver != "" {
		info.Deriver = storepath.Path(deriver)
	}
	if hashStr != "" {
		if h, err := parseStoredHash(hashStr); err == nil {
			info.NARHash = h
		}
	}
	if sigs != "" {
		for _, s := range strings.Fields(sigs) {
			if sig, err := storepath.ParseSignature(s); err == nil {
				info.Signatures = append(info.Signatures, sig)
			}
		}
	}
	if ca != "" {
		info.CA = parseStoredCA(ca)
	}
	return &info, nil
}

func (db *Postgres) QueryPathFromHashPart(ctx context.Context, storeDir storepath.Directory, hashPart string) (storepath.Path, error) {
	prefix := string(storeDir) + "/" + hashPart
	var p string
	err := db.pool.QueryRow(ctx, `SELECT path FROM valid_paths WHERE path LIKE $1 LIMIT 1`, escapeLike(prefix)+"%").Scan(&p)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storedb: query path from hash part %s: %w", hashPart, err)
	}
	return storepath.Path(p), nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (db *Postgres) IsValidPath(ctx context.Context, path storepath.Path) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM valid_paths WHERE path = $1)`, string(path)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storedb: is valid path %s: %w", path, err)
	}
	return exists, nil
}

func (db *Postgres) queryPathList(ctx context.Context, query string, arg string) ([]storepath.Path, error) {
	rows, err := db.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storepath.Path
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, storepath.Path(p))
	}
	return out, rows.Err()
}

func (db *Postgres) QueryReferences(ctx context.Context, path storepath.Path) ([]storepath.Path, error) {
	out, err := db.queryPathList(ctx, `SELECT x.path FROM refs
		JOIN valid_paths r ON refs.referrer = r.id
		JOIN valid_paths x ON refs.reference = x.id
		WHERE r.path = $1 ORDER BY x.path`, string(path))
	if err != nil {
		return nil, fmt.Errorf("storedb: query references %s: %w", path, err)
	}
	return out, nil
}

func (db *Postgres) QueryReferrers(ctx context.Context, path storepath.Path) ([]storepath.Path, error) {
	out, err := db.queryPathList(ctx, `SELECT r.path FROM refs
		JOIN valid_paths r ON refs.referrer = r.id
		JOIN valid_paths x ON refs.reference = x.id
		WHERE x.path = $1 ORDER BY r.path`, string(path))
	if err != nil {
		return nil, fmt.Errorf("storedb: query referrers %s: %w", path, err)
	}
	return out, nil
}

func (db *Postgres) QueryValidDerivers(ctx context.Context, path storepath.Path) ([]storepath.Path, error) {
	out, err := db.queryPathList(ctx, `SELECT path FROM valid_paths WHERE deriver = $1`, string(path))
	if err != nil {
		return nil, fmt.Errorf("storedb: query valid derivers %s: %w", path, err)
	}
	return out, nil
}

func (db *Postgres) QueryDerivationOutputs(ctx context.Context, drv storepath.Path) ([]DerivationOutput, error) {
	rows, err := db.pool.Query(ctx, `SELECT d.name, d.path FROM derivation_outputs d
		JOIN valid_paths v ON d.drv = v.id
		WHERE v.path = $1 ORDER BY d.name`, string(drv))
	if err != nil {
		return nil, fmt.Errorf("storedb: query derivation outputs %s: %w", drv, err)
	}
	defer rows.Close()
	var out []DerivationOutput
	for rows.Next() {
		var name string
		var path *string
		if err := rows.Scan(&name, &path); err != nil {
			return nil, fmt.Errorf("storedb: query derivation outputs %s: %w", drv, err)
		}
		o := DerivationOutput{Drv: drv, Name: name}
		if path != nil {
			o.Output = storepath.Path(*path)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (db *Postgres) QueryAllValidPaths(ctx context.Context) ([]storepath.Path, error) {
	rows, err := db.pool.Query(ctx, `SELECT path FROM valid_paths ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("storedb: query all valid paths: %w", err)
	}
	defer rows.Close()
	var out []storepath.Path
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, storepath.Path(p))
	}
	return out, rows.Err()
}

func (db *Postgres) CountValidPaths(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM valid_paths`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storedb: count valid paths: %w", err)
	}
	return n, nil
}

func (db *Postgres) QueryRealisation(ctx context.Context, id string) (*Realisation, error) {
	var outPath, sigs string
	err := db.pool.QueryRow(ctx, `SELECT output_path, COALESCE(signatures, '') FROM realisations WHERE id = $1`, id).
		Scan(&outPath, &sigs)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storedb: query realisation %s: %w", id, err)
	}
	r := &Realisation{DrvOutputID: id, OutPath: storepath.Path(outPath)}
	for _, s := range strings.Fields(sigs) {
		if sig, err := storepath.ParseSignature(s); err == nil {
			r.Signatures = append(r.Signatures, sig)
		}
	}
	return r, nil
}

func (db *Postgres) RegisterValidPath(ctx context.Context, params RegisterParams) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storedb: register %s: %w", params.Path, err)
	}
	defer tx.Rollback(ctx)

	if params.Repair {
		if _, err := tx.Exec(ctx, `DELETE FROM valid_paths WHERE path = $1`, string(params.Path)); err != nil {
			return fmt.Errorf("storedb: register %s: repair invalidate: %w", params.Path, err)
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
	var id int64
	err = tx.QueryRow(ctx, `INSERT INTO valid_paths (path, hash, registration_time, deriver, nar_size, ultimate, sigs, ca)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), NULLIF($8, ''))
		ON CONFLICT (path) DO UPDATE SET
			hash = excluded.hash, registration_time = excluded.registration_time,
			deriver = excluded.deriver, nar_size = excluded.nar_size,
			ultimate = excluded.ultimate, sigs = excluded.sigs, ca = excluded.ca
		RETURNING id`,
		string(params.Path), hashStr, regTime, string(params.Deriver), params.NARSize,
		params.Ultimate, sigsStr.String(), params.CA.String()).Scan(&id)
	if err != nil {
		return fmt.Errorf("storedb: register %s: %w", params.Path, err)
	}

	for _, ref := range params.References {
		if _, err := tx.Exec(ctx, `INSERT INTO refs (referrer, reference)
			SELECT $1, v.id FROM valid_paths v WHERE v.path = $2
			ON CONFLICT DO NOTHING`, id, string(ref)); err != nil {
			return fmt.Errorf("storedb: register %s: add reference %s: %w", params.Path, ref, err)
		}
	}

	return tx.Commit(ctx)
}

func (db *Postgres) RegisterDrvOutput(ctx context.Context, r Realisation) error {
	var sigsStr strings.Builder
	for i, s := range r.Signatures {
		if i > 0 {
			sigsStr.WriteByte(' ')
		}
		sigsStr.WriteString(s.String())
	}
	_, err := db.pool.Exec(ctx, `INSERT INTO realisations (id, output_path, signatures)
		VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (id) DO UPDATE SET output_path = excluded.output_path, signatures = excluded.signatures`,
		r.DrvOutputID, string(r.OutPath), sigsStr.String())
	if err != nil {
		return fmt.Errorf("storedb: register drv output %s: %w", r.DrvOutputID, err)
	}
	return nil
}

func (db *Postgres) InvalidatePath(ctx context.Context, path storepath.Path) error {
	if _, err := db.pool.Exec(ctx, `DELETE FROM valid_paths WHERE path = $1`, string(path)); err != nil {
		return fmt.Errorf("storedb: invalidate %s: %w", path, err)
	}
	return nil
}

var _ DB = (*Postgres)(nil)
