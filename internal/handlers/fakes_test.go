package handlers

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
)

// fakeMetaStore is an in-memory stand-in for metadata.MetaStore, enough to
// drive the handlers through their temp/commit sequences without a real
// Postgres connection.
type fakeMetaStore struct {
	mu sync.Mutex

	buckets  map[string]*metadata.Bucket
	objects  map[string]map[string]*metadata.Object
	blobs    map[uuid.UUID]*metadata.Blob
	temps    map[uuid.UUID]storage.BlobLocation
	uploads  map[string]*metadata.MultipartUpload
	creds    map[string]*metadata.Credential
	blobsGC  []metadata.Blob
	pingErr  error
}

func newFakeMetaStore() *fakeMetaStore {
	return &fakeMetaStore{
		buckets: make(map[string]*metadata.Bucket),
		objects: make(map[string]map[string]*metadata.Object),
		blobs:   make(map[uuid.UUID]*metadata.Blob),
		temps:   make(map[uuid.UUID]storage.BlobLocation),
		uploads: make(map[string]*metadata.MultipartUpload),
		creds:   make(map[string]*metadata.Credential),
	}
}

func (f *fakeMetaStore) Close() error { return nil }

func (f *fakeMetaStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeMetaStore) GetUserByAccessKey(ctx context.Context, accessKey string) (*metadata.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.creds[accessKey]
	if !ok {
		return nil, s3err.ErrInvalidAccessKeyId
	}
	return c, nil
}

func (f *fakeMetaStore) GetBucket(ctx context.Context, name string) (*metadata.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buckets[name], nil
}

func (f *fakeMetaStore) ListBucketsByUser(ctx context.Context, userID string) ([]metadata.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []metadata.Bucket
	for _, b := range f.buckets {
		if b.Owner == userID {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeMetaStore) CreateBucketTemp(ctx context.Context, name string, loc storage.BlobLocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buckets[name]; ok {
		return s3err.ErrBucketAlreadyExists
	}
	return nil
}

func (f *fakeMetaStore) DeleteBucketTemp(ctx context.Context, name string) error { return nil }

func (f *fakeMetaStore) CommitBucket(ctx context.Context, name string, owner *metadata.User, loc storage.BlobLocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[name] = &metadata.Bucket{Name: name, Owner: owner.ID, CreationDate: time.Now(), Location: loc}
	f.objects[name] = make(map[string]*metadata.Object)
	return nil
}

func (f *fakeMetaStore) DeleteBucket(ctx context.Context, name string, loc storage.BlobLocation) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.objects[name]) > 0 {
		return uuid.Nil, s3err.ErrBucketNotEmpty
	}
	delete(f.buckets, name)
	delete(f.objects, name)
	return uuid.New(), nil
}

func (f *fakeMetaStore) DeleteBucketComplete(ctx context.Context, jobID uuid.UUID) error { return nil }

func (f *fakeMetaStore) CreateBlobTemp(ctx context.Context, id uuid.UUID, loc storage.BlobLocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.temps[id] = loc
	return nil
}

func (f *fakeMetaStore) DeleteBlobTemp(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.temps, id)
	return nil
}

func (f *fakeMetaStore) CommitObject(ctx context.Context, object *metadata.Object, blob *metadata.Blob) (time.Time, *metadata.Blob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucketObjs, ok := f.objects[object.BucketName]
	if !ok {
		bucketObjs = make(map[string]*metadata.Object)
		f.objects[object.BucketName] = bucketObjs
	}

	var previous *metadata.Blob
	if existing, ok := bucketObjs[object.OID]; ok && existing.BlobID != nil {
		previous = f.blobs[*existing.BlobID]
	}

	now := time.Now()
	object.LastModified = now
	object.BlobID = &blob.ID
	bucketObjs[object.OID] = object
	f.blobs[blob.ID] = blob
	delete(f.temps, blob.ID)

	return now, previous, nil
}

func (f *fakeMetaStore) GetObject(ctx context.Context, bucket, key string) (*metadata.Object, *metadata.Blob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[bucket][key]
	if !ok {
		return nil, nil, nil
	}
	return obj, f.blobs[*obj.BlobID], nil
}

func (f *fakeMetaStore) DeleteObject(ctx context.Context, bucket, key string) (*metadata.Blob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[bucket][key]
	if !ok {
		return nil, s3err.ErrNoSuchKey
	}
	blob := f.blobs[*obj.BlobID]
	delete(f.objects[bucket], key)
	return blob, nil
}

func (f *fakeMetaStore) ListObjects(ctx context.Context, q metadata.ListObjectsQuery) (*metadata.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := &metadata.ListResult{}
	for key, obj := range f.objects[q.Bucket] {
		if q.Prefix != "" && !bytes.HasPrefix([]byte(key), []byte(q.Prefix)) {
			continue
		}
		blob := f.blobs[*obj.BlobID]
		result.Entries = append(result.Entries, metadata.ObjectListEntry{OID: key, Obj: obj, Blob: blob})
	}
	return result, nil
}

func (f *fakeMetaStore) DeleteBlobGC(ctx context.Context, blobID uuid.UUID) error { return nil }

func (f *fakeMetaStore) ListBlobsGC(ctx context.Context, limit int) ([]metadata.Blob, error) {
	return f.blobsGC, nil
}

func (f *fakeMetaStore) ListBucketsGC(ctx context.Context, limit int) ([]metadata.BucketGCJob, error) {
	return nil, nil
}

func (f *fakeMetaStore) CreateMultipartUpload(ctx context.Context, upload *metadata.MultipartUpload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[upload.Bucket+"/"+upload.OID+"/"+upload.UploadID] = upload
	return nil
}

func (f *fakeMetaStore) GetMultipartUpload(ctx context.Context, bucket, oid, uploadID string) (*metadata.MultipartUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[bucket+"/"+oid+"/"+uploadID], nil
}

func (f *fakeMetaStore) ListMultipartUploads(ctx context.Context, q metadata.ListUploadsQuery) (*metadata.ListUploadsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := &metadata.ListUploadsResult{}
	for _, u := range f.uploads {
		if u.Bucket == q.Bucket {
			result.Uploads = append(result.Uploads, *u)
		}
	}
	return result, nil
}

func (f *fakeMetaStore) CompleteMultipartUpload(ctx context.Context, object *metadata.Object, blob *metadata.Blob, upload *metadata.MultipartUpload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucketObjs, ok := f.objects[object.BucketName]
	if !ok {
		bucketObjs = make(map[string]*metadata.Object)
		f.objects[object.BucketName] = bucketObjs
	}
	object.LastModified = time.Now()
	object.BlobID = &blob.ID
	bucketObjs[object.OID] = object
	f.blobs[blob.ID] = blob
	delete(f.temps, blob.ID)
	delete(f.uploads, upload.Bucket+"/"+upload.OID+"/"+upload.UploadID)
	return nil
}

func (f *fakeMetaStore) AbortMultipartUpload(ctx context.Context, upload *metadata.MultipartUpload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, upload.Bucket+"/"+upload.OID+"/"+upload.UploadID)
	f.blobsGC = append(f.blobsGC, metadata.Blob{ID: upload.BlobID, Placement: upload.Location})
	return nil
}

// seedBucket installs a live bucket directly, bypassing the temp/commit
// sequence, for tests that only care about object/multipart operations.
func (f *fakeMetaStore) seedBucket(name, owner string, loc storage.BlobLocation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[name] = &metadata.Bucket{Name: name, Owner: owner, CreationDate: time.Now(), Location: loc}
	f.objects[name] = make(map[string]*metadata.Object)
}

var _ metadata.MetaStore = (*fakeMetaStore)(nil)

// fakeBackingClient is an in-memory stand-in for storage.BackingClient.
type fakeBackingClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	parts   map[string]map[int32][]byte

	failPut bool
}

func newFakeBackingClient() *fakeBackingClient {
	return &fakeBackingClient{
		objects: make(map[string][]byte),
		parts:   make(map[string]map[int32][]byte),
	}
}

func blobKey(loc storage.BlobLocation, blobID string) string {
	return loc.Region + "/" + loc.Backend + "/" + blobID
}

func (f *fakeBackingClient) CreateBucket(ctx context.Context, loc storage.BlobLocation) error { return nil }

func (f *fakeBackingClient) DeleteBucket(ctx context.Context, loc storage.BlobLocation) error { return nil }

func (f *fakeBackingClient) PutObject(ctx context.Context, loc storage.BlobLocation, blobID string, reader io.Reader, size int64) (int64, string, error) {
	if f.failPut {
		return 0, "", io.ErrClosedPipe
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[blobKey(loc, blobID)] = data
	return int64(len(data)), "\"etag-" + blobID + "\"", nil
}

func (f *fakeBackingClient) GetObject(ctx context.Context, loc storage.BlobLocation, blobID string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[blobKey(loc, blobID)]
	if !ok {
		return nil, 0, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *fakeBackingClient) HeadObject(ctx context.Context, loc storage.BlobLocation, blobID string) (int64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[blobKey(loc, blobID)]
	if !ok {
		return 0, "", io.ErrUnexpectedEOF
	}
	return int64(len(data)), "\"etag-" + blobID + "\"", nil
}

func (f *fakeBackingClient) DeleteObject(ctx context.Context, loc storage.BlobLocation, blobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, blobKey(loc, blobID))
	return nil
}

func (f *fakeBackingClient) CreateMultipartUpload(ctx context.Context, loc storage.BlobLocation, blobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uploadID := "backend-upload-" + blobID
	f.parts[uploadID] = make(map[int32][]byte)
	return uploadID, nil
}

func (f *fakeBackingClient) UploadPart(ctx context.Context, loc storage.BlobLocation, blobID, backendUploadID string, partNumber int32, reader io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts[backendUploadID][partNumber] = data
	return "\"part-etag\"", nil
}

func (f *fakeBackingClient) CompleteMultipartUpload(ctx context.Context, loc storage.BlobLocation, blobID, backendUploadID string, parts []storage.MultipartPart) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var assembled []byte
	for _, p := range parts {
		assembled = append(assembled, f.parts[backendUploadID][p.PartNumber]...)
	}
	f.objects[blobKey(loc, blobID)] = assembled
	delete(f.parts, backendUploadID)
	return "\"complete-etag\"", nil
}

func (f *fakeBackingClient) AbortMultipartUpload(ctx context.Context, loc storage.BlobLocation, blobID, backendUploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.parts, backendUploadID)
	return nil
}

var _ storage.BackingClient = (*fakeBackingClient)(nil)
