// Package storage also defines BackingClient, the opaque per-blob-UUID
// client used by the gateway to forward object bytes to a backing
// S3-compatible store. BackingClient is addressed by blob UUID and
// BlobLocation rather than by gateway bucket+key: the metadata store, not
// the backing store, owns the bucket/key namespace.
package storage

import (
	"context"
	"io"
)

// BlobLocation identifies where a blob's bytes live: a logical region and
// a concrete backend bucket name within that region. The metadata store
// persists BlobLocation as a pair of region/backend text columns on every
// blob, bucket, and multipart upload row (there is no composite SQL type)
// so that GC and reads know where to reach.
type BlobLocation struct {
	Region  string
	Backend string
}

// MultipartPart is a single completed part reference used when finalizing
// a multipart upload on the backing store.
type MultipartPart struct {
	PartNumber int32
	ETag       string
}

// BackingClient is the opaque, blob-addressed operation set the gateway
// forwards object bytes through. Implementations proxy to a real
// S3-compatible service (AWS S3, MinIO, Ceph RGW). There is no server-side
// copy, no local part bookkeeping, and no per-bucket ACL surface: the
// backing store is a dumb byte store behind the metadata store's 2PC
// protocol.
type BackingClient interface {
	// CreateBucket provisions a backend bucket at the given location. Called
	// once per gateway bucket, inside the create_bucket_temp/commit_bucket
	// window.
	CreateBucket(ctx context.Context, loc BlobLocation) error

	// DeleteBucket removes a backend bucket. Best-effort: callers queue a GC
	// retry on failure rather than fail the client-facing delete.
	DeleteBucket(ctx context.Context, loc BlobLocation) error

	// PutObject uploads blob bytes to the backend bucket named by loc, keyed
	// by the blob's UUID. Returns the number of bytes written and the
	// backend-computed ETag.
	PutObject(ctx context.Context, loc BlobLocation, blobID string, reader io.Reader, size int64) (bytesWritten int64, etag string, err error)

	// GetObject retrieves blob bytes. The caller must close the returned
	// ReadCloser.
	GetObject(ctx context.Context, loc BlobLocation, blobID string) (io.ReadCloser, int64, error)

	// HeadObject returns the blob's size without downloading its body, used
	// after CompleteMultipartUpload to learn the final assembled size.
	HeadObject(ctx context.Context, loc BlobLocation, blobID string) (size int64, etag string, err error)

	// DeleteObject removes blob bytes. Best-effort: callers queue a GC
	// retry on failure.
	DeleteObject(ctx context.Context, loc BlobLocation, blobID string) error

	// CreateMultipartUpload starts a native backend multipart upload for the
	// given blob UUID and returns the backend's upload ID.
	CreateMultipartUpload(ctx context.Context, loc BlobLocation, blobID string) (backendUploadID string, err error)

	// UploadPart uploads a single part of a backend multipart upload.
	UploadPart(ctx context.Context, loc BlobLocation, blobID, backendUploadID string, partNumber int32, reader io.Reader, size int64) (etag string, err error)

	// CompleteMultipartUpload finalizes a backend multipart upload from the
	// given ordered part list.
	CompleteMultipartUpload(ctx context.Context, loc BlobLocation, blobID, backendUploadID string, parts []MultipartPart) (etag string, err error)

	// AbortMultipartUpload cancels an in-progress backend multipart upload
	// and frees any uploaded part bytes. Best-effort.
	AbortMultipartUpload(ctx context.Context, loc BlobLocation, blobID, backendUploadID string) error
}
