package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bleepstore/bleepstore/internal/storage"
)

func TestMultipartUploadFullLifecycle(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	loc := storage.BlobLocation{Region: "us-east-1", Backend: "bleepstore-test"}
	meta.seedBucket("bucket", "owner-1", loc)
	h := NewMultipartHandler(meta, backing, 0)

	createReq := httptest.NewRequest(http.MethodPost, "/bucket/big.bin?uploads", nil)
	createRec := httptest.NewRecorder()
	h.CreateMultipartUpload(createRec, createReq)
	if createRec.Code != http.StatusOK {
		t.Fatalf("CreateMultipartUpload status = %d, body = %s", createRec.Code, createRec.Body.String())
	}

	uploadID := extractUploadID(t, createRec.Body.String())
	if uploadID == "" {
		t.Fatalf("could not extract upload ID from %s", createRec.Body.String())
	}

	part1Req := httptest.NewRequest(http.MethodPut, "/bucket/big.bin?partNumber=1&uploadId="+uploadID, strings.NewReader("hello "))
	part1Req.ContentLength = 6
	part1Rec := httptest.NewRecorder()
	h.UploadPart(part1Rec, part1Req)
	if part1Rec.Code != http.StatusOK {
		t.Fatalf("UploadPart 1 status = %d", part1Rec.Code)
	}
	etag1 := part1Rec.Header().Get("ETag")

	part2Req := httptest.NewRequest(http.MethodPut, "/bucket/big.bin?partNumber=2&uploadId="+uploadID, strings.NewReader("world"))
	part2Req.ContentLength = 5
	part2Rec := httptest.NewRecorder()
	h.UploadPart(part2Rec, part2Req)
	if part2Rec.Code != http.StatusOK {
		t.Fatalf("UploadPart 2 status = %d", part2Rec.Code)
	}
	etag2 := part2Rec.Header().Get("ETag")

	completeBody := `<CompleteMultipartUpload>
		<Part><PartNumber>1</PartNumber><ETag>` + etag1 + `</ETag></Part>
		<Part><PartNumber>2</PartNumber><ETag>` + etag2 + `</ETag></Part>
	</CompleteMultipartUpload>`
	completeReq := httptest.NewRequest(http.MethodPost, "/bucket/big.bin?uploadId="+uploadID, strings.NewReader(completeBody))
	completeRec := httptest.NewRecorder()
	h.CompleteMultipartUpload(completeRec, completeReq)
	if completeRec.Code != http.StatusOK {
		t.Fatalf("CompleteMultipartUpload status = %d, body = %s", completeRec.Code, completeRec.Body.String())
	}

	objH := NewObjectHandler(meta, backing)
	getReq := httptest.NewRequest(http.MethodGet, "/bucket/big.bin", nil)
	getRec := httptest.NewRecorder()
	objH.GetObject(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("GetObject after complete status = %d", getRec.Code)
	}
	if getRec.Body.String() != "hello world" {
		t.Errorf("assembled object body = %q, want %q", getRec.Body.String(), "hello world")
	}
}

func TestCompleteMultipartUploadRejectsOutOfOrderParts(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	loc := storage.BlobLocation{Region: "us-east-1", Backend: "bleepstore-test"}
	meta.seedBucket("bucket", "owner-1", loc)
	h := NewMultipartHandler(meta, backing, 0)

	createRec := httptest.NewRecorder()
	h.CreateMultipartUpload(createRec, httptest.NewRequest(http.MethodPost, "/bucket/big.bin?uploads", nil))
	uploadID := extractUploadID(t, createRec.Body.String())

	completeBody := `<CompleteMultipartUpload>
		<Part><PartNumber>2</PartNumber><ETag>"x"</ETag></Part>
		<Part><PartNumber>1</PartNumber><ETag>"y"</ETag></Part>
	</CompleteMultipartUpload>`
	req := httptest.NewRequest(http.MethodPost, "/bucket/big.bin?uploadId="+uploadID, strings.NewReader(completeBody))
	rec := httptest.NewRecorder()
	h.CompleteMultipartUpload(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for out-of-order parts, body=%s", rec.Code, rec.Body.String())
	}
}

func TestAbortMultipartUploadFreesUpload(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	loc := storage.BlobLocation{Region: "us-east-1", Backend: "bleepstore-test"}
	meta.seedBucket("bucket", "owner-1", loc)
	h := NewMultipartHandler(meta, backing, 0)

	createRec := httptest.NewRecorder()
	h.CreateMultipartUpload(createRec, httptest.NewRequest(http.MethodPost, "/bucket/big.bin?uploads", nil))
	uploadID := extractUploadID(t, createRec.Body.String())

	abortReq := httptest.NewRequest(http.MethodDelete, "/bucket/big.bin?uploadId="+uploadID, nil)
	abortRec := httptest.NewRecorder()
	h.AbortMultipartUpload(abortRec, abortReq)
	if abortRec.Code != http.StatusNoContent {
		t.Fatalf("AbortMultipartUpload status = %d, want 204", abortRec.Code)
	}

	uploadReq := httptest.NewRequest(http.MethodPut, "/bucket/big.bin?partNumber=1&uploadId="+uploadID, strings.NewReader("x"))
	uploadReq.ContentLength = 1
	uploadRec := httptest.NewRecorder()
	h.UploadPart(uploadRec, uploadReq)
	if uploadRec.Code != http.StatusNotFound {
		t.Fatalf("UploadPart on aborted upload status = %d, want 404", uploadRec.Code)
	}
}

func TestAbortMultipartUploadQueuesBlobForGC(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	loc := storage.BlobLocation{Region: "us-east-1", Backend: "bleepstore-test"}
	meta.seedBucket("bucket", "owner-1", loc)
	h := NewMultipartHandler(meta, backing, 0)

	createRec := httptest.NewRecorder()
	h.CreateMultipartUpload(createRec, httptest.NewRequest(http.MethodPost, "/bucket/big.bin?uploads", nil))
	uploadID := extractUploadID(t, createRec.Body.String())

	abortReq := httptest.NewRequest(http.MethodDelete, "/bucket/big.bin?uploadId="+uploadID, nil)
	abortRec := httptest.NewRecorder()
	h.AbortMultipartUpload(abortRec, abortReq)
	if abortRec.Code != http.StatusNoContent {
		t.Fatalf("AbortMultipartUpload status = %d, want 204", abortRec.Code)
	}

	if len(meta.blobsGC) != 1 {
		t.Fatalf("blobsGC queue length = %d, want 1 entry for the abandoned blob", len(meta.blobsGC))
	}
}

func TestUploadPartUnknownUpload(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	h := NewMultipartHandler(meta, backing, 0)

	req := httptest.NewRequest(http.MethodPut, "/bucket/key?partNumber=1&uploadId=bogus", strings.NewReader("x"))
	req.ContentLength = 1
	rec := httptest.NewRecorder()
	h.UploadPart(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unknown upload", rec.Code)
	}
}

func TestUploadPartInvalidPartNumber(t *testing.T) {
	meta := newFakeMetaStore()
	backing := newFakeBackingClient()
	h := NewMultipartHandler(meta, backing, 0)

	req := httptest.NewRequest(http.MethodPut, "/bucket/key?partNumber=0&uploadId=x", strings.NewReader("x"))
	rec := httptest.NewRecorder()
	h.UploadPart(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for invalid part number", rec.Code)
	}
}

// extractUploadID pulls the <UploadId> value out of an
// InitiateMultipartUploadResult XML body without pulling in a full XML
// decode for a single field.
func extractUploadID(t *testing.T, body string) string {
	t.Helper()
	const open, close = "<UploadId>", "</UploadId>"
	start := strings.Index(body, open)
	if start < 0 {
		return ""
	}
	start += len(open)
	end := strings.Index(body[start:], close)
	if end < 0 {
		return ""
	}
	return body[start : start+end]
}
