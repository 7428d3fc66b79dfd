// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package daemonserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"zombiezen.com/go/log"

	"harmonia.build/daemon/internal/nar"
	"harmonia.build/daemon/internal/storedb"
	"harmonia.build/daemon/internal/storepath"
	"harmonia.build/daemon/internal/wire"
)

// mirrorNAR best-effort copies the already-registered path p's on-disk
// NAR to c.server.blobStore, if configured. A mirror failure is logged,
// not returned, since the local on-disk copy (already moved into place
// by the caller) remains the authoritative store object.
func (c *conn) mirrorNAR(ctx context.Context, p storepath.Path, size int64) {
	if c.server.blobStore == nil {
		return
	}
	pr, pw := io.Pipe()
	go func() {
		real := filepath.Join(c.server.RealDir, p.Base())
		pw.CloseWithError(nar.DumpPath(pw, real, false))
	}()
	if err := c.server.blobStore.PutNAR(ctx, p, pr, size); err != nil {
		log.Warnf(ctx, "daemonserver: mirror %s to blob store: %v", p, err)
	}
	pr.CloseWithError(nil)
}

// readOptPath reads a path that may be empty (e.g. an unknown deriver),
// bypassing [conn.readPath]'s validation since "" is not a parseable Path.
func (c *conn) readOptPath() (storepath.Path, error) {
	s, err := wire.ReadString(c.rw)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", nil
	}
	return storepath.ParsePath(s)
}

// moveIntoStore relocates the restored temp directory tmp to its final
// location <realDir>/<p.Base()>, replacing any stale partial directory.
func moveIntoStore(tmp, realDir string, p storepath.Path) error {
	dest := filepath.Join(realDir, p.Base())
	os.RemoveAll(dest)
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("move %s into store: %w", p, err)
	}
	return nil
}

// restoreNARTo streams r (a raw, unframed NAR byte stream) onto disk,
// hashing it in a single pass following the same "stream once, hash as
// you go" discipline as internal/build/output.go's hashAndScan
// (generalized from a post-build scan, which also reference-scans, to a
// pure hash since an externally-supplied path's references are declared
// by the caller rather than discovered), then moves the result to its
// final destination p.
func (c *conn) restoreNARTo(r io.Reader, p storepath.Path) (storepath.Hash, int64, error) {
	sink := storepath.NewHashSink(storepath.SHA256)
	tee := io.TeeReader(r, sink)
	tmp, err := os.MkdirTemp(c.server.buildDir, "add-to-store-*")
	if err != nil {
		return storepath.Hash{}, 0, err
	}
	defer os.RemoveAll(tmp)
	if err := nar.Restore(tmp, tee); err != nil {
		return storepath.Hash{}, 0, fmt.Errorf("restore nar: %w", err)
	}
	if err := nar.CanonicalizeMetadata(tmp); err != nil {
		return storepath.Hash{}, 0, err
	}
	hash, size := sink.Finish()
	if err := moveIntoStore(tmp, c.server.RealDir, p); err != nil {
		return storepath.Hash{}, 0, err
	}
	return hash, size, nil
}

// opAddToStoreNar implements spec.md §4.4.5's AddToStoreNar: the client
// declares a full valid-path record up front (the path, then
// opQueryPathInfo's response fields in the same order), then streams the
// path's NAR as a framed body. Harmonia always recomputes the NAR hash
// from the bytes actually received rather than trusting the client's
// declared narHash, so a mismatched or malicious client can't register a
// store object whose digest doesn't match its content.
func (c *conn) opAddToStoreNar(ctx context.Context) error {
	if err := c.requireTrusted(); err != nil {
		return c.failOp(err)
	}
	p, err := c.readPath()
	if err != nil {
		return c.failOp(err)
	}
	deriver, err := c.readOptPath()
	if err != nil {
		return c.failOp(err)
	}
	narHashStr, err := wire.ReadString(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	declaredHash, err := storepath.ParseHashString(narHashStr)
	if err != nil {
		return c.failOp(err)
	}
	refStrs, err := wire.ReadStrings(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	regTime, err := wire.ReadUint64(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	if _, err := wire.ReadUint64(c.rw); err != nil { // declared NAR size; recomputed below
		return c.failOp(err)
	}
	ultimate, err := wire.ReadBool(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	sigStrs, err := wire.ReadStrings(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	caStr, err := wire.ReadString(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	repair, err := wire.ReadBool(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	if _, err := wire.ReadBool(c.rw); err != nil { // dontCheckSigs: Harmonia always recomputes the hash itself
		return c.failOp(err)
	}

	refs := make([]storepath.Path, 0, len(refStrs))
	for _, s := range refStrs {
		rp, err := storepath.ParsePath(s)
		if err != nil {
			return c.failOp(err)
		}
		refs = append(refs, rp)
	}
	var ca storepath.ContentAddress
	if caStr != "" {
		ca, err = storepath.ParseContentAddress(caStr)
		if err != nil {
			return c.failOp(err)
		}
	}
	sigs := make([]storepath.Signature, 0, len(sigStrs))
	for _, s := range sigStrs {
		sig, err := storepath.ParseSignature(s)
		if err != nil {
			return c.failOp(err)
		}
		sigs = append(sigs, sig)
	}

	fr := wire.NewFramedReader(c.rw)
	hash, size, err := c.restoreNARTo(fr, p)
	if err != nil {
		fr.Drain()
		return c.failOp(err)
	}
	if err := fr.Drain(); err != nil {
		return c.failOp(err)
	}
	if hash != declaredHash {
		return c.failOp(fmt.Errorf("add-to-store-nar: %s: computed hash %s does not match declared %s", p, hash.SRI(), declaredHash.SRI()))
	}

	regAt := time.Unix(int64(regTime), 0)
	if regTime == 0 {
		regAt = time.Now()
	}
	if err := c.server.DB.RegisterValidPath(ctx, storedb.RegisterParams{
		Path:             p,
		Deriver:          deriver,
		NARHash:          hash,
		NARSize:          size,
		References:       refs,
		Ultimate:         ultimate,
		Signatures:       sigs,
		CA:               ca,
		RegistrationTime: regAt,
		Repair:           repair,
	}); err != nil {
		return c.failOp(err)
	}
	c.mirrorNAR(ctx, p, size)
	return c.okLast()
}

// opAddToStore implements the post-1.25 AddToStore opcode: name, a
// content-addressing method string, a reference set, and a repair flag,
// followed by the object's framed NAR. The store path is derived from the
// content actually received via [storepath.FixedCAOutputPath], per
// spec.md §4.6 phase 3's CAFixed naming rule.
func (c *conn) opAddToStore(ctx context.Context) error {
	if err := c.requireTrusted(); err != nil {
		return c.failOp(err)
	}
	name, err := wire.ReadString(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	camStr, err := wire.ReadString(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	refStrs, err := wire.ReadStrings(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	repair, err := wire.ReadBool(c.rw)
	if err != nil {
		return c.failOp(err)
	}

	method, err := storepath.ParseCAMethod(camStr)
	if err != nil {
		return c.failOp(err)
	}
	var refs storepath.References
	for _, s := range refStrs {
		rp, err := storepath.ParsePath(s)
		if err != nil {
			return c.failOp(err)
		}
		refs.AddOther(rp)
	}

	fr := wire.NewFramedReader(c.rw)
	sink := storepath.NewHashSink(storepath.SHA256)
	tmp, err := os.MkdirTemp(c.server.buildDir, "add-to-store-*")
	if err != nil {
		fr.Drain()
		return c.failOp(err)
	}
	defer os.RemoveAll(tmp)
	if err := nar.Restore(tmp, io.TeeReader(fr, sink)); err != nil {
		fr.Drain()
		return c.failOp(fmt.Errorf("add-to-store: %w", err))
	}
	if err := fr.Drain(); err != nil {
		return c.failOp(err)
	}
	if err := nar.CanonicalizeMetadata(tmp); err != nil {
		return c.failOp(err)
	}
	hash, size := sink.Finish()

	var ca storepath.ContentAddress
	switch method {
	case storepath.TextMethod:
		ca = storepath.TextContentAddress(hash)
	case storepath.FlatMethod:
		ca = storepath.FlatFileContentAddress(hash)
	default:
		ca = storepath.RecursiveFileContentAddress(hash)
	}
	p, err := storepath.FixedCAOutputPath(c.server.Dir, name, ca, refs)
	if err != nil {
		return c.failOp(err)
	}
	if err := moveIntoStore(tmp, c.server.RealDir, p); err != nil {
		return c.failOp(err)
	}
	if err := c.server.DB.RegisterValidPath(ctx, storedb.RegisterParams{
		Path:             p,
		NARHash:          hash,
		NARSize:          size,
		References:       refs.Others,
		Ultimate:         true,
		CA:               ca,
		RegistrationTime: time.Now(),
		Repair:           repair,
	}); err != nil {
		return c.failOp(err)
	}
	c.mirrorNAR(ctx, p, size)
	if err := c.okLast(); err != nil {
		return err
	}
	return c.writePath(p)
}

// opAddMultipleToStore implements spec.md §4.4.5's batch form: the whole
// request body (after the two leading flags) is itself one framed stream
// containing a count followed by that many (path-info, NAR) pairs, each
// NAR sent as a length-prefixed wire byte string, matching upstream Nix's nested-framing convention for bulk
// imports (e.g. `nix copy`).
func (c *conn) opAddMultipleToStore(ctx context.Context) error {
	if err := c.requireTrusted(); err != nil {
		return c.failOp(err)
	}
	repair, err := wire.ReadBool(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	if _, err := wire.ReadBool(c.rw); err != nil { // dontCheckSigs
		return c.failOp(err)
	}

	fr := wire.NewFramedReader(c.rw)
	count, err := wire.ReadUint64(fr)
	if err != nil {
		fr.Drain()
		return c.failOp(err)
	}
	for i := uint64(0); i < count; i++ {
		if err := c.addOneFromBatch(ctx, fr, repair); err != nil {
			fr.Drain()
			return c.failOp(err)
		}
	}
	if err := fr.Drain(); err != nil {
		return c.failOp(err)
	}
	return c.okLast()
}

// addOneFromBatch reads one path-info record plus its NAR payload, sent
// as a length-prefixed wire byte string inside the outer
// [wire.FramedReader]'s batch, from fr, grounded on
// [conn.opAddToStoreNar]'s field order.
func (c *conn) addOneFromBatch(ctx context.Context, fr io.Reader, repair bool) error {
	pathStr, err := wire.ReadString(fr)
	if err != nil {
		return err
	}
	p, err := storepath.ParsePath(pathStr)
	if err != nil {
		return err
	}
	deriverStr, err := wire.ReadString(fr)
	if err != nil {
		return err
	}
	var deriver storepath.Path
	if deriverStr != "" {
		if deriver, err = storepath.ParsePath(deriverStr); err != nil {
			return err
		}
	}
	narHashStr, err := wire.ReadString(fr)
	if err != nil {
		return err
	}
	declaredHash, err := storepath.ParseHashString(narHashStr)
	if err != nil {
		return err
	}
	refStrs, err := wire.ReadStrings(fr)
	if err != nil {
		return err
	}
	refs := make([]storepath.Path, 0, len(refStrs))
	for _, s := range refStrs {
		rp, err := storepath.ParsePath(s)
		if err != nil {
			return err
		}
		refs = append(refs, rp)
	}
	regTime, err := wire.ReadUint64(fr)
	if err != nil {
		return err
	}
	narSize, err := wire.ReadUint64(fr)
	if err != nil {
		return err
	}
	ultimate, err := wire.ReadBool(fr)
	if err != nil {
		return err
	}
	sigStrs, err := wire.ReadStrings(fr)
	if err != nil {
		return err
	}
	sigs := make([]storepath.Signature, 0, len(sigStrs))
	for _, s := range sigStrs {
		sig, err := storepath.ParseSignature(s)
		if err != nil {
			return err
		}
		sigs = append(sigs, sig)
	}
	caStr, err := wire.ReadString(fr)
	if err != nil {
		return err
	}
	var ca storepath.ContentAddress
	if caStr != "" {
		if ca, err = storepath.ParseContentAddress(caStr); err != nil {
			return err
		}
	}

	narBytes, err := wire.ReadBytes(fr, uint64(1)<<34)
	if err != nil {
		return err
	}
	hash, size, err := c.restoreNARTo(bytesReader(narBytes), p)
	if err != nil {
		return err
	}
	if hash != declaredHash || size != int64(narSize) {
		return fmt.Errorf("add-multiple-to-store: %s: content does not match declared metadata", p)
	}

	regAt := time.Unix(int64(regTime), 0)
	if regTime == 0 {
		regAt = time.Now()
	}
	return c.server.DB.RegisterValidPath(ctx, storedb.RegisterParams{
		Path:             p,
		Deriver:          deriver,
		NARHash:          hash,
		NARSize:          size,
		References:       refs,
		Ultimate:         ultimate,
		Signatures:       sigs,
		CA:               ca,
		RegistrationTime: regAt,
		Repair:           repair,
	})
}

func bytesReader(b []byte) io.Reader { return &byteReader{b: b} }

type byteReader struct {
	b []byte
	i int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

// opNarFromPath streams a store path's content as a NAR, framed per
// spec.md §4.4.2, after the usual log terminator.
func (c *conn) opNarFromPath(ctx context.Context) error {
	p, err := c.readPath()
	if err != nil {
		return c.failOp(err)
	}
	ok, err := c.server.DB.IsValidPath(ctx, p)
	if err != nil {
		return c.failOp(err)
	}
	if !ok {
		return c.failOp(fmt.Errorf("nar-from-path: %s is not a valid path", p))
	}
	if err := c.okLast(); err != nil {
		return err
	}
	fw := wire.NewFramedWriter(c.rw)
	real := filepath.Join(c.server.RealDir, p.Base())
	if err := nar.DumpPath(fw, real, false); err != nil {
		return fmt.Errorf("nar-from-path: %w", err)
	}
	return fw.Close()
}

// opAddSignatures appends client-supplied signatures to an already
// registered path's record, re-registering the row (Repair: true) since
// [storedb.DB] has no narrower "append signature" mutation, following the
// same full-row RegisterValidPath path opAddToStoreNar uses.
func (c *conn) opAddSignatures(ctx context.Context) error {
	if err := c.requireTrusted(); err != nil {
		return c.failOp(err)
	}
	p, err := c.readPath()
	if err != nil {
		return c.failOp(err)
	}
	sigStrs, err := wire.ReadStrings(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	info, err := c.server.DB.QueryPathInfo(ctx, p)
	if err != nil {
		return c.failOp(err)
	}
	if info == nil {
		return c.failOp(fmt.Errorf("add-signatures: %s is not a valid path", p))
	}
	sigs := append([]storepath.Signature(nil), info.Signatures...)
	for _, s := range sigStrs {
		sig, err := storepath.ParseSignature(s)
		if err != nil {
			return c.failOp(err)
		}
		sigs = append(sigs, sig)
	}
	if err := c.server.DB.RegisterValidPath(ctx, storedb.RegisterParams{
		Path:             info.Path,
		Deriver:          info.Deriver,
		NARHash:          info.NARHash,
		NARSize:          info.NARSize,
		References:       info.References,
		Ultimate:         info.Ultimate,
		Signatures:       sigs,
		CA:               info.CA,
		RegistrationTime: info.RegistrationTime,
		Repair:           true,
	}); err != nil {
		return c.failOp(err)
	}
	return c.okLast()
}

func (c *conn) opRegisterDrvOutput(ctx context.Context) error {
	if err := c.requireTrusted(); err != nil {
		return c.failOp(err)
	}
	id, err := wire.ReadString(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	outPathStr, err := wire.ReadString(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	outPath, err := storepath.ParsePath(outPathStr)
	if err != nil {
		return c.failOp(err)
	}
	if err := c.server.DB.RegisterDrvOutput(ctx, storedb.Realisation{
		DrvOutputID: id,
		OutPath:     outPath,
	}); err != nil {
		return c.failOp(err)
	}
	return c.okLast()
}

func (c *conn) opQueryRealisation(ctx context.Context) error {
	id, err := wire.ReadString(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	r, err := c.server.DB.QueryRealisation(ctx, id)
	if err != nil {
		return c.failOp(err)
	}
	if err := c.okLast(); err != nil {
		return err
	}
	if r == nil {
		return wire.WriteStrings(c.rw, nil)
	}
	sigStrs := make([]string, len(r.Signatures))
	for i, s := range r.Signatures {
		sigStrs[i] = s.String()
	}
	entry, err := json.Marshal(struct {
		ID         string   `json:"id"`
		OutPath    string   `json:"outPath"`
		Signatures []string `json:"signatures"`
	}{r.DrvOutputID, string(r.OutPath), sigStrs})
	if err != nil {
		return c.failOp(err)
	}
	return wire.WriteStrings(c.rw, []string{string(entry)})
}

// opAddBuildLog stores a client-supplied build log verbatim under the
// same drvs/<xy>/<rest> layout [openLogSink] uses, so logs pushed by a
// remote builder land alongside locally produced ones.
func (c *conn) opAddBuildLog(ctx context.Context) error {
	if err := c.requireTrusted(); err != nil {
		return c.failOp(err)
	}
	drvPathStr, err := wire.ReadString(c.rw)
	if err != nil {
		return c.failOp(err)
	}
	drvPath, err := storepath.ParsePath(drvPathStr)
	if err != nil {
		return c.failOp(err)
	}
	fr := wire.NewFramedReader(c.rw)
	data, err := io.ReadAll(fr)
	if err != nil {
		fr.Drain()
		return c.failOp(err)
	}
	if c.server.logDir != "" {
		digest := drvPath.Digest()
		if len(digest) >= 2 {
			dir := filepath.Join(c.server.logDir, "drvs", digest[:2])
			if err := os.MkdirAll(dir, 0o755); err == nil {
				os.WriteFile(filepath.Join(dir, digest[2:]+".log"), data, 0o644)
			}
		}
	}
	return c.okLast()
}
