package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bleepstore/bleepstore/internal/storage"
)

func TestPutObjectThenGetObjectRoundTrip(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	loc := storage.BlobLocation{Region: "us-east-1", Backend: "bleepstore-test"}
	meta.seedBucket("bucket", "owner-1", loc)
	h := NewObjectHandler(meta, backing)

	putReq := httptest.NewRequest(http.MethodPut, "/bucket/key.txt", strings.NewReader("hello world"))
	putReq.ContentLength = int64(len("hello world"))
	putRec := httptest.NewRecorder()
	h.PutObject(putRec, putReq)

	if putRec.Code != http.StatusOK {
		t.Fatalf("PutObject status = %d, body = %s", putRec.Code, putRec.Body.String())
	}
	if putRec.Header().Get("ETag") == "" {
		t.Fatal("PutObject: expected ETag header")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/bucket/key.txt", nil)
	getRec := httptest.NewRecorder()
	h.GetObject(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("GetObject status = %d, body = %s", getRec.Code, getRec.Body.String())
	}
	if getRec.Body.String() != "hello world" {
		t.Errorf("GetObject body = %q, want %q", getRec.Body.String(), "hello world")
	}
}

func TestGetObjectNoSuchBucket(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	h := NewObjectHandler(meta, backing)

	req := httptest.NewRequest(http.MethodGet, "/missing/key.txt", nil)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetObjectNoSuchKey(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	loc := storage.BlobLocation{Region: "us-east-1", Backend: "bleepstore-test"}
	meta.seedBucket("bucket", "owner-1", loc)
	h := NewObjectHandler(meta, backing)

	req := httptest.NewRequest(http.MethodGet, "/bucket/missing.txt", nil)
	rec := httptest.NewRecorder()
	h.GetObject(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPutObjectRejectsNonStandardStorageClass(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	loc := storage.BlobLocation{Region: "us-east-1", Backend: "bleepstore-test"}
	meta.seedBucket("bucket", "owner-1", loc)
	h := NewObjectHandler(meta, backing)

	req := httptest.NewRequest(http.MethodPut, "/bucket/key.txt", strings.NewReader("x"))
	req.ContentLength = 1
	req.Header.Set("X-Amz-Storage-Class", "GLACIER")
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for GLACIER storage class", rec.Code)
	}
	if len(meta.temps) != 0 || len(meta.blobs) != 0 {
		t.Errorf("expected no temp blob row or blob to remain, found %d temp rows and %d blobs", len(meta.temps), len(meta.blobs))
	}
}

func TestPutObjectRejectsEmptyBody(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	loc := storage.BlobLocation{Region: "us-east-1", Backend: "bleepstore-test"}
	meta.seedBucket("bucket", "owner-1", loc)
	h := NewObjectHandler(meta, backing)

	req := httptest.NewRequest(http.MethodPut, "/bucket/key.txt", strings.NewReader(""))
	req.ContentLength = 0
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for empty body", rec.Code)
	}
	if len(meta.temps) != 0 || len(meta.blobs) != 0 {
		t.Errorf("expected no temp blob row or blob to remain, found %d temp rows and %d blobs", len(meta.temps), len(meta.blobs))
	}
}

func TestPutObjectKeyTooLong(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	h := NewObjectHandler(meta, backing)

	req := httptest.NewRequest(http.MethodPut, "/bucket/"+strings.Repeat("a", 1025), strings.NewReader("x"))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeleteObjectIsIdempotent(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	loc := storage.BlobLocation{Region: "us-east-1", Backend: "bleepstore-test"}
	meta.seedBucket("bucket", "owner-1", loc)
	h := NewObjectHandler(meta, backing)

	req := httptest.NewRequest(http.MethodDelete, "/bucket/never-existed.txt", nil)
	rec := httptest.NewRecorder()
	h.DeleteObject(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 for idempotent delete", rec.Code)
	}
}

func TestPutObjectThenDeleteRemovesBackingBytes(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	loc := storage.BlobLocation{Region: "us-east-1", Backend: "bleepstore-test"}
	meta.seedBucket("bucket", "owner-1", loc)
	h := NewObjectHandler(meta, backing)

	putReq := httptest.NewRequest(http.MethodPut, "/bucket/key.txt", strings.NewReader("data"))
	putReq.ContentLength = 4
	h.PutObject(httptest.NewRecorder(), putReq)

	delReq := httptest.NewRequest(http.MethodDelete, "/bucket/key.txt", nil)
	delRec := httptest.NewRecorder()
	h.DeleteObject(delRec, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("DeleteObject status = %d, want 204", delRec.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/bucket/key.txt", nil)
	getRec := httptest.NewRecorder()
	h.GetObject(getRec, getReq)
	if getRec.Code != http.StatusNotFound {
		t.Fatalf("GetObject after delete status = %d, want 404", getRec.Code)
	}
}

func TestListObjectsV2ReturnsEntries(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	loc := storage.BlobLocation{Region: "us-east-1", Backend: "bleepstore-test"}
	meta.seedBucket("bucket", "owner-1", loc)
	h := NewObjectHandler(meta, backing)

	for _, key := range []string{"a.txt", "b.txt"} {
		putReq := httptest.NewRequest(http.MethodPut, "/bucket/"+key, strings.NewReader("x"))
		putReq.ContentLength = 1
		h.PutObject(httptest.NewRecorder(), putReq)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/bucket?list-type=2", nil)
	listRec := httptest.NewRecorder()
	h.ListObjectsV2(listRec, listReq)

	if listRec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", listRec.Code, listRec.Body.String())
	}
	body := listRec.Body.String()
	if !strings.Contains(body, "a.txt") || !strings.Contains(body, "b.txt") {
		t.Errorf("ListObjectsV2 body missing expected keys: %s", body)
	}
}

func TestExtractObjectKey(t *testing.T) {
	cases := map[string]string{
		"/bucket/key":   "key",
		"/bucket/a/b/c": "a/b/c",
		"/bucket":       "",
		"/bucket/":      "",
	}
	for path, want := range cases {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if got := extractObjectKey(req); got != want {
			t.Errorf("extractObjectKey(%q) = %q, want %q", path, got, want)
		}
	}
}
