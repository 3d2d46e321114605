package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// MultipartHandler contains handlers for S3 multipart upload operations.
// Parts are not tracked in the metadata store: the backing store's native
// multipart upload is the source of truth for part bookkeeping, and the
// client-supplied part list in CompleteMultipartUpload's body is forwarded
// to it directly.
type MultipartHandler struct {
	meta          metadata.MetaStore
	backing       storage.BackingClient
	maxObjectSize int64
}

// NewMultipartHandler creates a new MultipartHandler with the given dependencies.
func NewMultipartHandler(meta metadata.MetaStore, backing storage.BackingClient, maxObjectSize int64) *MultipartHandler {
	return &MultipartHandler{meta: meta, backing: backing, maxObjectSize: maxObjectSize}
}

// CreateMultipartUpload handles POST /{bucket}/{object}?uploads and
// initiates a new multipart upload, returning an upload ID.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	bucket, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		slog.Error("CreateMultipartUpload: get bucket failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	blobID := uuid.New()
	if err := h.meta.CreateBlobTemp(ctx, blobID, bucket.Location); err != nil {
		slog.Error("CreateMultipartUpload: reserve temp blob failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	backendUploadID, err := h.backing.CreateMultipartUpload(ctx, bucket.Location, blobID.String())
	if err != nil {
		slog.Error("CreateMultipartUpload: backing store init failed", "error", err)
		_ = h.meta.DeleteBlobTemp(ctx, blobID)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	uploadID := uuid.New().String()
	upload := &metadata.MultipartUpload{
		Bucket:          bucketName,
		OID:             key,
		UploadID:        uploadID,
		BlobID:          blobID,
		BackendUploadID: backendUploadID,
		Location:        bucket.Location,
	}

	if err := h.meta.CreateMultipartUpload(ctx, upload); err != nil {
		slog.Error("CreateMultipartUpload: metadata insert failed", "error", err)
		_ = h.backing.AbortMultipartUpload(ctx, bucket.Location, blobID.String(), backendUploadID)
		_ = h.meta.DeleteBlobTemp(ctx, blobID)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderInitiateMultipartUpload(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket: bucketName, Key: key, UploadID: uploadID,
	})
}

// UploadPart handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID and
// forwards a single part directly to the backing store's multipart upload.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || partNumber < 1 || partNumber > 10000 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if h.maxObjectSize > 0 && r.ContentLength > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	upload, err := h.meta.GetMultipartUpload(ctx, bucketName, key, uploadID)
	if err != nil {
		slog.Error("UploadPart: get multipart upload failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	etag, err := h.backing.UploadPart(ctx, upload.Location, upload.BlobID.String(), upload.BackendUploadID,
		int32(partNumber), r.Body, r.ContentLength)
	if err != nil {
		slog.Error("UploadPart: backing store write failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId=ID and
// assembles previously uploaded parts into a complete object. The part
// list and order come from the request body; part numbers must be strictly
// ascending (checked here), and the backing store validates part ETags
// when assembling.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	upload, err := h.meta.GetMultipartUpload(ctx, bucketName, key, uploadID)
	if err != nil {
		slog.Error("CompleteMultipartUpload: get multipart upload failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	parts, err := parseCompleteMultipartXML(r.Body)
	if err != nil || len(parts) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	for i := 1; i < len(parts); i++ {
		if parts[i].PartNumber <= parts[i-1].PartNumber {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPartOrder)
			return
		}
	}

	backingParts := make([]storage.MultipartPart, len(parts))
	for i, p := range parts {
		backingParts[i] = storage.MultipartPart{PartNumber: int32(p.PartNumber), ETag: p.ETag}
	}

	etag, err := h.backing.CompleteMultipartUpload(ctx, upload.Location, upload.BlobID.String(),
		upload.BackendUploadID, backingParts)
	if err != nil {
		slog.Error("CompleteMultipartUpload: backing store assembly failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPart)
		return
	}

	size, _, err := h.backing.HeadObject(ctx, upload.Location, upload.BlobID.String())
	if err != nil {
		slog.Error("CompleteMultipartUpload: backing store head failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	blob := &metadata.Blob{ID: upload.BlobID, Size: size, ETag: etag, Placement: upload.Location}
	object := &metadata.Object{BucketName: bucketName, OID: key}

	if err := h.meta.CompleteMultipartUpload(ctx, object, blob, upload); err != nil {
		slog.Error("CompleteMultipartUpload: metadata commit failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderCompleteMultipartUpload(w, &xmlutil.CompleteMultipartUploadResult{
		Location: fmt.Sprintf("/%s/%s", bucketName, key), Bucket: bucketName, Key: key, ETag: etag,
	})
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId=ID and
// cancels an in-progress multipart upload, freeing the reserved blob and
// any uploaded part bytes.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	upload, err := h.meta.GetMultipartUpload(ctx, bucketName, key, uploadID)
	if err != nil {
		slog.Error("AbortMultipartUpload: get multipart upload failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	if err := h.backing.AbortMultipartUpload(ctx, upload.Location, upload.BlobID.String(), upload.BackendUploadID); err != nil {
		slog.Warn("AbortMultipartUpload: best-effort backing cleanup failed", "error", err)
	}

	if err := h.meta.AbortMultipartUpload(ctx, upload); err != nil {
		slog.Error("AbortMultipartUpload: metadata cleanup failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListMultipartUploads handles GET /{bucket}?uploads and returns in-progress
// multipart uploads for the specified bucket.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	bucket, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	keyMarker := q.Get("key-marker")
	uploadIDMarker := q.Get("upload-id-marker")

	maxUploads := 1000
	if mu := q.Get("max-uploads"); mu != "" {
		if parsed, parseErr := strconv.Atoi(mu); parseErr == nil && parsed >= 0 {
			maxUploads = parsed
		}
	}

	listResult, err := h.meta.ListMultipartUploads(ctx, metadata.ListUploadsQuery{
		Bucket: bucketName, KeyMarker: keyMarker, UploadIDMarker: uploadIDMarker, MaxUploads: maxUploads,
	})
	if err != nil {
		slog.Error("ListMultipartUploads error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListMultipartUploadsResult{
		Bucket: bucketName, KeyMarker: keyMarker, UploadIDMarker: uploadIDMarker,
		MaxUploads: maxUploads, IsTruncated: listResult.IsTruncated,
		NextKeyMarker: listResult.NextKeyMarker, NextUploadIDMarker: listResult.NextUploadIDMarker,
	}

	for _, u := range listResult.Uploads {
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key: u.OID, UploadID: u.UploadID, Initiated: xmlutil.FormatTimeS3(u.UploadedAt),
		})
	}

	xmlutil.RenderListMultipartUploads(w, result)
}

// ListParts handles GET /{bucket}/{object}?uploadId=ID. Part bookkeeping
// lives entirely in the backing store's native multipart upload, which
// this gateway has no generic way to query across backends, so the
// response is always empty besides the upload identity.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")

	upload, err := h.meta.GetMultipartUpload(ctx, bucketName, key, uploadID)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if upload == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return
	}

	xmlutil.RenderListParts(w, &xmlutil.ListPartsResult{
		Bucket: bucketName, Key: key, UploadID: uploadID,
	})
}
