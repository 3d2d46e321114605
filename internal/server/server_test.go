package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
)

// stubMetaStore is a minimal metadata.MetaStore implementation for exercising
// routing and health checks; every method besides Ping/GetBucket/ListObjects is an
// unused stub since dispatch tests never reach them.
type stubMetaStore struct {
	pingErr error
	bucket  *metadata.Bucket
}

func (s *stubMetaStore) Close() error                   { return nil }
func (s *stubMetaStore) Ping(ctx context.Context) error { return s.pingErr }
func (s *stubMetaStore) GetUserByAccessKey(ctx context.Context, accessKey string) (*metadata.Credential, error) {
	return nil, nil
}
func (s *stubMetaStore) GetBucket(ctx context.Context, name string) (*metadata.Bucket, error) {
	if s.bucket != nil && s.bucket.Name == name {
		return s.bucket, nil
	}
	return nil, nil
}
func (s *stubMetaStore) ListBucketsByUser(ctx context.Context, userID string) ([]metadata.Bucket, error) {
	return nil, nil
}
func (s *stubMetaStore) CreateBucketTemp(ctx context.Context, name string, loc storage.BlobLocation) error {
	return nil
}
func (s *stubMetaStore) DeleteBucketTemp(ctx context.Context, name string) error { return nil }
func (s *stubMetaStore) CommitBucket(ctx context.Context, name string, owner *metadata.User, loc storage.BlobLocation) error {
	return nil
}
func (s *stubMetaStore) DeleteBucket(ctx context.Context, name string, loc storage.BlobLocation) (uuid.UUID, error) {
	return uuid.Nil, nil
}
func (s *stubMetaStore) DeleteBucketComplete(ctx context.Context, jobID uuid.UUID) error { return nil }
func (s *stubMetaStore) CreateBlobTemp(ctx context.Context, id uuid.UUID, loc storage.BlobLocation) error {
	return nil
}
func (s *stubMetaStore) DeleteBlobTemp(ctx context.Context, id uuid.UUID) error { return nil }
func (s *stubMetaStore) CommitObject(ctx context.Context, object *metadata.Object, blob *metadata.Blob) (time.Time, *metadata.Blob, error) {
	return time.Time{}, nil, nil
}
func (s *stubMetaStore) GetObject(ctx context.Context, bucket, key string) (*metadata.Object, *metadata.Blob, error) {
	return nil, nil, nil
}
func (s *stubMetaStore) DeleteObject(ctx context.Context, bucket, key string) (*metadata.Blob, error) {
	return nil, nil
}
func (s *stubMetaStore) ListObjects(ctx context.Context, q metadata.ListObjectsQuery) (*metadata.ListResult, error) {
	return &metadata.ListResult{}, nil
}
func (s *stubMetaStore) DeleteBlobGC(ctx context.Context, blobID uuid.UUID) error { return nil }
func (s *stubMetaStore) ListBlobsGC(ctx context.Context, limit int) ([]metadata.Blob, error) {
	return nil, nil
}
func (s *stubMetaStore) ListBucketsGC(ctx context.Context, limit int) ([]metadata.BucketGCJob, error) {
	return nil, nil
}
func (s *stubMetaStore) CreateMultipartUpload(ctx context.Context, upload *metadata.MultipartUpload) error {
	return nil
}
func (s *stubMetaStore) GetMultipartUpload(ctx context.Context, bucket, oid, uploadID string) (*metadata.MultipartUpload, error) {
	return nil, nil
}
func (s *stubMetaStore) ListMultipartUploads(ctx context.Context, q metadata.ListUploadsQuery) (*metadata.ListUploadsResult, error) {
	return &metadata.ListUploadsResult{}, nil
}
func (s *stubMetaStore) CompleteMultipartUpload(ctx context.Context, object *metadata.Object, blob *metadata.Blob, upload *metadata.MultipartUpload) error {
	return nil
}
func (s *stubMetaStore) AbortMultipartUpload(ctx context.Context, upload *metadata.MultipartUpload) error {
	return nil
}

var _ metadata.MetaStore = (*stubMetaStore)(nil)

// stubBackingClient is a minimal storage.BackingClient implementation; no
// dispatch test ever crosses into the backing store, so every method is an
// unreachable stub.
type stubBackingClient struct{}

func (stubBackingClient) CreateBucket(ctx context.Context, loc storage.BlobLocation) error { return nil }
func (stubBackingClient) DeleteBucket(ctx context.Context, loc storage.BlobLocation) error  { return nil }
func (stubBackingClient) PutObject(ctx context.Context, loc storage.BlobLocation, blobID string, reader io.Reader, size int64) (int64, string, error) {
	return 0, "", nil
}
func (stubBackingClient) GetObject(ctx context.Context, loc storage.BlobLocation, blobID string) (io.ReadCloser, int64, error) {
	return nil, 0, nil
}
func (stubBackingClient) HeadObject(ctx context.Context, loc storage.BlobLocation, blobID string) (int64, string, error) {
	return 0, "", nil
}
func (stubBackingClient) DeleteObject(ctx context.Context, loc storage.BlobLocation, blobID string) error {
	return nil
}
func (stubBackingClient) CreateMultipartUpload(ctx context.Context, loc storage.BlobLocation, blobID string) (string, error) {
	return "", nil
}
func (stubBackingClient) UploadPart(ctx context.Context, loc storage.BlobLocation, blobID, backendUploadID string, partNumber int32, reader io.Reader, size int64) (string, error) {
	return "", nil
}
func (stubBackingClient) CompleteMultipartUpload(ctx context.Context, loc storage.BlobLocation, blobID, backendUploadID string, parts []storage.MultipartPart) (string, error) {
	return "", nil
}
func (stubBackingClient) AbortMultipartUpload(ctx context.Context, loc storage.BlobLocation, blobID, backendUploadID string) error {
	return nil
}

var _ storage.BackingClient = (*stubBackingClient)(nil)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.API.Region = "us-east-1"
	cfg.API.MaxObjectSize = 0
	return cfg
}

func TestParsePath(t *testing.T) {
	cases := []struct {
		path       string
		wantBucket string
		wantKey    string
	}{
		{"/", "", ""},
		{"/bucket", "bucket", ""},
		{"/bucket/", "bucket", ""},
		{"/bucket/key", "bucket", "key"},
		{"/bucket/a/b/c", "bucket", "a/b/c"},
	}
	for _, c := range cases {
		bucket, key := parsePath(c.path)
		if bucket != c.wantBucket || key != c.wantKey {
			t.Errorf("parsePath(%q) = (%q, %q), want (%q, %q)", c.path, bucket, key, c.wantBucket, c.wantKey)
		}
	}
}

func TestHealthCheckOK(t *testing.T) {
	srv, err := New(testConfig(), &stubMetaStore{}, stubBackingClient{}, storage.NewPlacement("us-east-1", "bucket"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHealthCheckDegradedOnPingFailure(t *testing.T) {
	srv, err := New(testConfig(), &stubMetaStore{pingErr: io.ErrClosedPipe}, stubBackingClient{}, storage.NewPlacement("us-east-1", "bucket"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (degraded is still a 200 body)", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "degraded") {
		t.Errorf("expected degraded status in body, got %s", rec.Body.String())
	}
}

func TestDispatchRoutesBucketGetToListObjects(t *testing.T) {
	meta := &stubMetaStore{bucket: &metadata.Bucket{Name: "mybucket"}}
	srv, err := New(testConfig(), meta, stubBackingClient{}, storage.NewPlacement("us-east-1", "bucket"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/mybucket", nil)
	rec := httptest.NewRecorder()
	srv.dispatch(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestDispatchUnknownBucketReturnsNoSuchBucket(t *testing.T) {
	srv, err := New(testConfig(), &stubMetaStore{}, stubBackingClient{}, storage.NewPlacement("us-east-1", "bucket"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/missing/key", nil)
	rec := httptest.NewRecorder()
	srv.dispatch(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
