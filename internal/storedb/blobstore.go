// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package storedb

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"harmonia.build/daemon/internal/storepath"
)

// BlobStore mirrors registered NARs to an S3-compatible object store,
// giving the "pluggable backend" language of spec.md §4.3 a concrete
// remote target distinct from the relational metadata DB: the DB row
// for a path stays authoritative for validity/reference data, while the
// NAR bytes themselves can live off-box. Grounded directly on
// Mic92-niks3/server.go's minio.Client wiring (SPEC_FULL.md §11).
//
// A nil *BlobStore is valid: PutNAR and DeleteNAR on it are no-ops,
// HasNAR reports false, and GetNAR returns a "not configured" error, so
// callers can wire it in unconditionally and only pay for S3 calls when
// an operator configures a bucket.
type BlobStore struct {
	client *minio.Client
	bucket string
}

// BlobStoreOptions configures [NewBlobStore].
type BlobStoreOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// NewBlobStore connects to an S3-compatible endpoint. The bucket is
// assumed to already exist; NewBlobStore does not create it.
func NewBlobStore(opts BlobStoreOptions) (*BlobStore, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: connect %s: %w", opts.Endpoint, err)
	}
	return &BlobStore{client: client, bucket: opts.Bucket}, nil
}

// objectKey returns the mirrored object's key for a store path's NAR,
// keyed by the path's base32 digest so a narinfo lookup and a blob
// lookup agree without needing the human-readable name.
func objectKey(path storepath.Path) string {
	return "nar/" + path.Digest() + ".nar"
}

// PutNAR uploads the NAR bytes for path, sized size, read from r. It is
// called after [storedb.DB.RegisterValidPath] commits, mirroring the
// already-registered bytes rather than gating registration on a
// successful upload.
func (b *BlobStore) PutNAR(ctx context.Context, path storepath.Path, r io.Reader, size int64) error {
	if b == nil {
		return nil
	}
	_, err := b.client.PutObject(ctx, b.bucket, objectKey(path), r, size, minio.PutObjectOptions{
		ContentType: "application/x-nix-archive",
	})
	if err != nil {
		return fmt.Errorf("blobstore: put %s: %w", path, err)
	}
	return nil
}

// GetNAR opens the mirrored NAR for path. Callers must Close the
// returned reader. Returns an error wrapping [minio.ErrorResponse] with
// Code "NoSuchKey" when no mirrored copy exists.
func (b *BlobStore) GetNAR(ctx context.Context, path storepath.Path) (io.ReadCloser, error) {
	if b == nil {
		return nil, fmt.Errorf("blobstore: not configured")
	}
	obj, err := b.client.GetObject(ctx, b.bucket, objectKey(path), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", path, err)
	}
	return obj, nil
}

// HasNAR reports whether path has a mirrored copy without downloading it.
func (b *BlobStore) HasNAR(ctx context.Context, path storepath.Path) (bool, error) {
	if b == nil {
		return false, nil
	}
	_, err := b.client.StatObject(ctx, b.bucket, objectKey(path), minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("blobstore: stat %s: %w", path, err)
	}
	return true, nil
}

// DeleteNAR removes path's mirrored copy. Garbage collection does not
// call it, so mirrored copies outlive their invalidated paths.
func (b *BlobStore) DeleteNAR(ctx context.Context, path storepath.Path) error {
	if b == nil {
		return nil
	}
	if err := b.client.RemoveObject(ctx, b.bucket, objectKey(path), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blobstore: delete %s: %w", path, err)
	}
	return nil
}
