package metadata

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/bleepstore/bleepstore/internal/storage"
)

// User identifies the owner of buckets and the principal resolved from a
// SigV4 access key.
type User struct {
	ID           string
	Name         string
	Email        string
	CreationDate time.Time
}

// Credential is a single access-key/secret-key pair plus the user it
// authenticates as, returned by GetUserByAccessKey for SigV4 verification.
type Credential struct {
	AccessKeyID string
	SecretKey   string
	User        User
}

// Bucket is a committed (live) bucket record.
type Bucket struct {
	Name         string
	Owner        string
	CreationDate time.Time
	Location     storage.BlobLocation
}

// Object is a single version row in a bucket's object history. BlobID is
// nil for delete markers (not currently produced, reserved for versioning).
type Object struct {
	BucketName   string
	OID          string
	LastModified time.Time
	BlobID       *uuid.UUID
}

// Blob is a committed, immutable chunk of object bytes addressed by UUID.
type Blob struct {
	ID                 uuid.UUID
	Size               int64
	ETag               string
	Placement          storage.BlobLocation
	ChecksumAlgorithm  string
	Checksum           string
}

// MultipartUpload is an in-progress multipart upload: a temp blob UUID
// reserved under a backend multipart upload ID, awaiting completion.
type MultipartUpload struct {
	Bucket          string
	OID             string
	UploadID        string
	BlobID          uuid.UUID
	BackendUploadID string
	UploadedAt      time.Time
	Location        storage.BlobLocation
}

// ObjectListEntry is one row of a ListObjects result: either a real object
// (IsDir false) or a synthesized common prefix (IsDir true, Blob nil).
type ObjectListEntry struct {
	OID   string
	IsDir bool
	Obj   *Object
	Blob  *Blob
}

// ListResult holds the result of a list_objects call.
type ListResult struct {
	Entries        []ObjectListEntry
	CommonPrefixes []string
	NextMarker     string
	IsTruncated    bool
}

// ListObjectsQuery specifies filtering and pagination for ListObjects.
type ListObjectsQuery struct {
	Bucket      string
	Prefix      string
	Delimiter   string
	StartAfter  string
	MaxKeys     int
}

// ListUploadsQuery specifies filtering and pagination for ListMultipartUploads.
type ListUploadsQuery struct {
	Bucket         string
	KeyMarker      string
	UploadIDMarker string
	MaxUploads     int
}

// ListUploadsResult holds the result of a ListMultipartUploads call.
type ListUploadsResult struct {
	Uploads            []MultipartUpload
	NextKeyMarker      string
	NextUploadIDMarker string
	IsTruncated        bool
}

// BucketGCJob is a queued bucket deletion awaiting backing-store cleanup.
type BucketGCJob struct {
	ID       uuid.UUID
	Location storage.BlobLocation
	QueuedAt time.Time
}

// MetaStore is the transactional metadata contract the gateway is built
// around: it owns the bucket/object/blob namespace and drives the
// temp-blob-then-commit two-phase protocol that keeps the metadata
// database and the backing object store consistent without a distributed
// transaction. All multi-statement operations are internally retried on
// transient SQL errors (serialization failures, deadlocks, connection
// timeouts); domain errors (not-found, conflict) are never retried and
// surface to the caller on the first attempt.
type MetaStore interface {
	io.Closer

	// Ping checks connectivity to the metadata database.
	Ping(ctx context.Context) error

	// GetUserByAccessKey resolves a SigV4 access key to its secret and
	// owning user. Returns ErrInvalidAccessKeyId if the access key is not
	// registered.
	GetUserByAccessKey(ctx context.Context, accessKey string) (*Credential, error)

	// GetBucket returns the committed bucket record, or (nil, nil) if no
	// such bucket exists.
	GetBucket(ctx context.Context, name string) (*Bucket, error)

	// ListBucketsByUser returns all buckets owned by the given user, sorted
	// by name.
	ListBucketsByUser(ctx context.Context, userID string) ([]Bucket, error)

	// CreateBucketTemp reserves a bucket name and its placement before the
	// backing bucket is provisioned. Must be paired with CommitBucket on
	// success or DeleteBucketTemp on failure.
	CreateBucketTemp(ctx context.Context, name string, loc storage.BlobLocation) error

	// DeleteBucketTemp releases a reservation made by CreateBucketTemp
	// without committing the bucket.
	DeleteBucketTemp(ctx context.Context, name string) error

	// CommitBucket promotes a temp bucket reservation to a live bucket,
	// creating its dedicated object partition in the same transaction.
	CommitBucket(ctx context.Context, name string, owner *User, loc storage.BlobLocation) error

	// DeleteBucket removes a live bucket and queues its backing store for
	// garbage collection. Returns ErrBucketNotEmpty if any object remains.
	// Returns the GC job ID to pass to DeleteBucketComplete once the
	// backing bucket has actually been removed.
	DeleteBucket(ctx context.Context, name string, loc storage.BlobLocation) (uuid.UUID, error)

	// DeleteBucketComplete removes a bucket GC queue entry once the
	// backing bucket has been deleted.
	DeleteBucketComplete(ctx context.Context, jobID uuid.UUID) error

	// CreateBlobTemp reserves a blob UUID and its placement before bytes are
	// written to the backing store.
	CreateBlobTemp(ctx context.Context, id uuid.UUID, loc storage.BlobLocation) error

	// DeleteBlobTemp releases a reservation made by CreateBlobTemp without
	// committing the blob, used when the backing-store write failed.
	DeleteBlobTemp(ctx context.Context, id uuid.UUID) error

	// CommitObject atomically promotes a temp blob to a live blob and links
	// it to the given object key, superseding any previous version. Returns
	// the commit timestamp and the previous blob (if any) so the caller can
	// best-effort clean it up from the backing store; the previous blob's
	// metadata row is already queued for GC regardless of that cleanup's
	// outcome. This is the linearization point for PutObject.
	CommitObject(ctx context.Context, object *Object, blob *Blob) (time.Time, *Blob, error)

	// GetObject returns the current object/blob pair for a key, or
	// (nil, nil, nil) if the key does not exist.
	GetObject(ctx context.Context, bucket, key string) (*Object, *Blob, error)

	// DeleteObject removes the current object version and queues its blob
	// for garbage collection. Returns the removed blob. Returns
	// ErrNoSuchKey if the key does not exist.
	DeleteObject(ctx context.Context, bucket, key string) (*Blob, error)

	// ListObjects lists objects and synthesized common-prefix directory
	// entries in a single query (a CTE chain when a delimiter is given).
	ListObjects(ctx context.Context, q ListObjectsQuery) (*ListResult, error)

	// DeleteBlobGC permanently removes a blob's metadata row and its GC
	// queue entry, called once the backing store delete has succeeded.
	DeleteBlobGC(ctx context.Context, blobID uuid.UUID) error

	// ListBlobsGC returns up to limit queued blob GC entries with their
	// full blob record (including placement) for the worker to act on.
	ListBlobsGC(ctx context.Context, limit int) ([]Blob, error)

	// ListBucketsGC returns up to limit queued bucket GC jobs for the
	// worker to act on.
	ListBucketsGC(ctx context.Context, limit int) ([]BucketGCJob, error)

	// CreateMultipartUpload registers a new in-progress multipart upload
	// reserving a temp blob UUID under the backend's own upload ID.
	CreateMultipartUpload(ctx context.Context, upload *MultipartUpload) error

	// GetMultipartUpload returns an in-progress multipart upload, or
	// (nil, nil) if it does not exist.
	GetMultipartUpload(ctx context.Context, bucket, oid, uploadID string) (*MultipartUpload, error)

	// ListMultipartUploads lists in-progress multipart uploads for a
	// bucket, ordered by (oid, upload_id) and paginated by key/upload-id
	// marker.
	ListMultipartUploads(ctx context.Context, q ListUploadsQuery) (*ListUploadsResult, error)

	// CompleteMultipartUpload atomically commits the assembled blob as a
	// live object version and removes the in-progress upload record.
	CompleteMultipartUpload(ctx context.Context, object *Object, blob *Blob, upload *MultipartUpload) error

	// AbortMultipartUpload removes an in-progress upload record and queues
	// its reserved blob for garbage collection.
	AbortMultipartUpload(ctx context.Context, upload *MultipartUpload) error
}
