package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bleepstore/bleepstore/internal/auth"
	"github.com/bleepstore/bleepstore/internal/storage"
)

func withOwner(req *http.Request, id, display string) *http.Request {
	return req.WithContext(auth.ContextWithOwner(req.Context(), id, display))
}

func TestCreateBucketThenHeadBucket(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	placement := storage.NewPlacement("us-east-1", "bleepstore-shared")
	h := NewBucketHandler(meta, backing, placement)

	createReq := withOwner(httptest.NewRequest(http.MethodPut, "/mybucket", nil), "owner-1", "Alice")
	createRec := httptest.NewRecorder()
	h.CreateBucket(createRec, createReq)

	if createRec.Code != http.StatusOK {
		t.Fatalf("CreateBucket status = %d, body = %s", createRec.Code, createRec.Body.String())
	}

	headReq := httptest.NewRequest(http.MethodHead, "/mybucket", nil)
	headRec := httptest.NewRecorder()
	h.HeadBucket(headRec, headReq)
	if headRec.Code != http.StatusOK {
		t.Fatalf("HeadBucket status = %d, want 200", headRec.Code)
	}
}

func TestCreateBucketAlreadyOwnedIsIdempotent(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	placement := storage.NewPlacement("us-east-1", "bleepstore-shared")
	h := NewBucketHandler(meta, backing, placement)

	req1 := withOwner(httptest.NewRequest(http.MethodPut, "/mybucket", nil), "owner-1", "Alice")
	h.CreateBucket(httptest.NewRecorder(), req1)

	req2 := withOwner(httptest.NewRequest(http.MethodPut, "/mybucket", nil), "owner-1", "Alice")
	rec2 := httptest.NewRecorder()
	h.CreateBucket(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Fatalf("repeat CreateBucket by same owner status = %d, want 200", rec2.Code)
	}
}

func TestCreateBucketAlreadyOwnedByOther(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	placement := storage.NewPlacement("us-east-1", "bleepstore-shared")
	h := NewBucketHandler(meta, backing, placement)

	req1 := withOwner(httptest.NewRequest(http.MethodPut, "/mybucket", nil), "owner-1", "Alice")
	h.CreateBucket(httptest.NewRecorder(), req1)

	req2 := withOwner(httptest.NewRequest(http.MethodPut, "/mybucket", nil), "owner-2", "Bob")
	rec2 := httptest.NewRecorder()
	h.CreateBucket(rec2, req2)

	if rec2.Code != http.StatusConflict {
		t.Fatalf("CreateBucket by other owner status = %d, want 409", rec2.Code)
	}
}

func TestCreateBucketInvalidName(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	placement := storage.NewPlacement("us-east-1", "bleepstore-shared")
	h := NewBucketHandler(meta, backing, placement)

	req := withOwner(httptest.NewRequest(http.MethodPut, "/AB", nil), "owner-1", "Alice")
	rec := httptest.NewRecorder()
	h.CreateBucket(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for invalid bucket name", rec.Code)
	}
}

func TestDeleteBucketRequiresEmpty(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	placement := storage.NewPlacement("us-east-1", "bleepstore-shared")
	bucketH := NewBucketHandler(meta, backing, placement)
	objH := NewObjectHandler(meta, backing)

	createReq := withOwner(httptest.NewRequest(http.MethodPut, "/mybucket", nil), "owner-1", "Alice")
	bucketH.CreateBucket(httptest.NewRecorder(), createReq)

	putReq := httptest.NewRequest(http.MethodPut, "/mybucket/key.txt", strings.NewReader("x"))
	putReq.ContentLength = 1
	objH.PutObject(httptest.NewRecorder(), putReq)

	delReq := httptest.NewRequest(http.MethodDelete, "/mybucket", nil)
	delRec := httptest.NewRecorder()
	bucketH.DeleteBucket(delRec, delReq)

	if delRec.Code != http.StatusConflict {
		t.Fatalf("DeleteBucket on non-empty bucket status = %d, want 409", delRec.Code)
	}
}

func TestDeleteBucketNoSuchBucket(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	placement := storage.NewPlacement("us-east-1", "bleepstore-shared")
	h := NewBucketHandler(meta, backing, placement)

	req := httptest.NewRequest(http.MethodDelete, "/missing", nil)
	rec := httptest.NewRecorder()
	h.DeleteBucket(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListBucketsScopedToOwner(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	placement := storage.NewPlacement("us-east-1", "bleepstore-shared")
	h := NewBucketHandler(meta, backing, placement)

	h.CreateBucket(httptest.NewRecorder(),
		withOwner(httptest.NewRequest(http.MethodPut, "/alice-bucket", nil), "owner-1", "Alice"))
	h.CreateBucket(httptest.NewRecorder(),
		withOwner(httptest.NewRequest(http.MethodPut, "/bob-bucket", nil), "owner-2", "Bob"))

	listReq := withOwner(httptest.NewRequest(http.MethodGet, "/", nil), "owner-1", "Alice")
	listRec := httptest.NewRecorder()
	h.ListBuckets(listRec, listReq)

	body := listRec.Body.String()
	if !strings.Contains(body, "alice-bucket") {
		t.Errorf("expected alice-bucket in listing, got %s", body)
	}
	if strings.Contains(body, "bob-bucket") {
		t.Errorf("did not expect bob-bucket in alice's listing, got %s", body)
	}
}

func TestGetBucketLocationOmitsDefaultRegion(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	placement := storage.NewPlacement("us-east-1", "bleepstore-shared")
	h := NewBucketHandler(meta, backing, placement)

	h.CreateBucket(httptest.NewRecorder(),
		withOwner(httptest.NewRequest(http.MethodPut, "/mybucket", nil), "owner-1", "Alice"))

	req := httptest.NewRequest(http.MethodGet, "/mybucket?location", nil)
	rec := httptest.NewRecorder()
	h.GetBucketLocation(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "us-east-1") {
		t.Errorf("expected default region to be omitted from LocationConstraint, got %s", rec.Body.String())
	}
}
