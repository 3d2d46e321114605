// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// ObjectHandler contains handlers for S3 object-level operations. Every
// write goes through the backing store's temp-blob-then-commit sequence:
// reserve a blob UUID, stream bytes to the backing store under that UUID,
// then atomically commit the object/blob link in the metadata store. A
// failure before the commit is cleaned up by the handler itself
// (DeleteBlobTemp, plus a backing delete once bytes were written); a temp
// blob row whose cleanup never runs or fails stays in blobs_temp, since
// temp reservations are not queued for GC and nothing in the gateway
// reclaims them.
type ObjectHandler struct {
	meta    metadata.MetaStore
	backing storage.BackingClient
}

// NewObjectHandler creates a new ObjectHandler with the given dependencies.
func NewObjectHandler(meta metadata.MetaStore, backing storage.BackingClient) *ObjectHandler {
	return &ObjectHandler{meta: meta, backing: backing}
}

// PutObject handles PUT /{bucket}/{object} and stores an object in the
// specified bucket.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if len(key) > 1024 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrKeyTooLongError)
		return
	}
	if class := r.Header.Get("X-Amz-Storage-Class"); class != "" && class != "STANDARD" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidStorageClass)
		return
	}
	if r.ContentLength <= 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrIncompleteBody)
		return
	}

	bucket, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		slog.Error("PutObject: get bucket failed", "bucket", bucketName, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	blobID := uuid.New()
	if err := h.meta.CreateBlobTemp(ctx, blobID, bucket.Location); err != nil {
		slog.Error("PutObject: reserve temp blob failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	bytesWritten, etag, err := h.backing.PutObject(ctx, bucket.Location, blobID.String(), r.Body, r.ContentLength)
	if err != nil {
		slog.Error("PutObject: backing store write failed", "error", err)
		_ = h.meta.DeleteBlobTemp(ctx, blobID)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	blob := &metadata.Blob{ID: blobID, Size: bytesWritten, ETag: etag, Placement: bucket.Location}
	object := &metadata.Object{BucketName: bucketName, OID: key}

	_, previous, err := h.meta.CommitObject(ctx, object, blob)
	if err != nil {
		slog.Error("PutObject: commit failed", "error", err)
		_ = h.backing.DeleteObject(ctx, bucket.Location, blobID.String())
		_ = h.meta.DeleteBlobTemp(ctx, blobID)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if previous != nil {
		if err := h.backing.DeleteObject(ctx, previous.Placement, previous.ID.String()); err != nil {
			slog.Warn("PutObject: best-effort cleanup of superseded blob failed, gc will retry",
				"blob_id", previous.ID, "error", err)
		} else if err := h.meta.DeleteBlobGC(ctx, previous.ID); err != nil {
			slog.Warn("PutObject: clearing gc entry of superseded blob failed, gc will retry",
				"blob_id", previous.ID, "error", err)
		}
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{object} and retrieves the object data.
// Supports byte-range requests and RFC 7232 conditional headers.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	bucket, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		slog.Error("GetObject: get bucket failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	object, blob, err := h.meta.GetObject(ctx, bucketName, key)
	if err != nil {
		slog.Error("GetObject: get object failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if object == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	if statusCode, skip := checkConditionalHeaders(r, blob.ETag, object.LastModified); skip {
		w.Header().Set("ETag", blob.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(object.LastModified))
		if statusCode == http.StatusNotModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrPreconditionFailed)
		return
	}

	reader, _, err := h.backing.GetObject(ctx, blob.Placement, blob.ID.String())
	if err != nil {
		slog.Error("GetObject: backing store read failed", "blob_id", blob.ID, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer reader.Close()

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, rangeErr := parseRange(rangeHeader, blob.Size)
		if rangeErr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", blob.Size))
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
			return
		}

		if seeker, ok := reader.(io.ReadSeeker); ok {
			if _, seekErr := seeker.Seek(start, io.SeekStart); seekErr != nil {
				xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
				return
			}
		} else if _, discardErr := io.CopyN(io.Discard, reader, start); discardErr != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}

		rangeLen := end - start + 1
		setObjectResponseHeaders(w, object, blob)
		w.Header().Set("Content-Length", strconv.FormatInt(rangeLen, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, blob.Size))
		applyResponseOverrides(w, r)
		w.WriteHeader(http.StatusPartialContent)
		io.CopyN(w, reader, rangeLen)
		return
	}

	setObjectResponseHeaders(w, object, blob)
	applyResponseOverrides(w, r)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, reader)
}

// HeadObject handles HEAD /{bucket}/{object}.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	bucket, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if bucket == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	object, blob, err := h.meta.GetObject(ctx, bucketName, key)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if object == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if statusCode, skip := checkConditionalHeaders(r, blob.ETag, object.LastModified); skip {
		w.Header().Set("ETag", blob.ETag)
		w.Header().Set("Last-Modified", xmlutil.FormatTimeHTTP(object.LastModified))
		w.WriteHeader(statusCode)
		return
	}

	setObjectResponseHeaders(w, object, blob)
	w.WriteHeader(http.StatusOK)
}

// DeleteObject handles DELETE /{bucket}/{object}. Idempotent: deleting a
// non-existent key returns 204, matching S3 semantics.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)

	bucket, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	h.deleteOne(ctx, bucketName, key)
	w.WriteHeader(http.StatusNoContent)
}

// deleteOne removes a single key's current version and best-effort cleans
// its backing bytes ahead of the GC sweep. A not-found key is treated as
// already deleted.
func (h *ObjectHandler) deleteOne(ctx context.Context, bucket, key string) {
	blob, err := h.meta.DeleteObject(ctx, bucket, key)
	if err != nil {
		if err == s3err.ErrNoSuchKey {
			return
		}
		slog.Error("DeleteObject: metadata delete failed", "bucket", bucket, "key", key, "error", err)
		return
	}
	if blob != nil {
		if err := h.backing.DeleteObject(ctx, blob.Placement, blob.ID.String()); err != nil {
			slog.Warn("DeleteObject: best-effort backing cleanup failed, gc will retry",
				"blob_id", blob.ID, "error", err)
		} else if err := h.meta.DeleteBlobGC(ctx, blob.ID); err != nil {
			slog.Warn("DeleteObject: clearing gc entry failed, gc will retry",
				"blob_id", blob.ID, "error", err)
		}
	}
}

// DeleteObjects handles POST /{bucket}?delete, a multi-object delete.
func (h *ObjectHandler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	bucket, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	deleteReq, err := parseDeleteRequest(r.Body)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	result := &xmlutil.DeleteResult{}
	for _, obj := range deleteReq.Objects {
		h.deleteOne(ctx, bucketName, obj.Key)
		if !deleteReq.Quiet {
			result.Deleted = append(result.Deleted, xmlutil.DeletedItem{Key: obj.Key})
		}
	}

	xmlutil.RenderDeleteResult(w, result)
}

// ListObjectsV2 handles GET /{bucket}?list-type=2.
func (h *ObjectHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
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

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	startAfter := q.Get("start-after")
	continuationToken := q.Get("continuation-token")
	encodingType := q.Get("encoding-type")
	if continuationToken != "" {
		startAfter = continuationToken
	}

	maxKeys := 1000
	if mk := q.Get("max-keys"); mk != "" {
		if parsed, err := strconv.Atoi(mk); err == nil && parsed >= 0 {
			maxKeys = parsed
		}
	}

	listResult, err := h.meta.ListObjects(ctx, metadata.ListObjectsQuery{
		Bucket: bucketName, Prefix: prefix, Delimiter: delimiter, StartAfter: startAfter, MaxKeys: maxKeys,
	})
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListBucketV2Result{
		Name: bucketName, Prefix: prefix, MaxKeys: maxKeys,
		KeyCount: len(listResult.Entries), IsTruncated: listResult.IsTruncated, EncodingType: encodingType,
	}
	if delimiter != "" {
		result.Delimiter = delimiter
	}
	if startAfter != "" {
		result.StartAfter = startAfter
	}
	if continuationToken != "" {
		result.ContinuationToken = continuationToken
	}
	if listResult.IsTruncated && listResult.NextMarker != "" {
		result.NextContinuationToken = listResult.NextMarker
	}

	populateListEntries(result, listResult)
	xmlutil.RenderListObjectsV2(w, result)
}

// ListObjects handles GET /{bucket}, the V1 listing API.
func (h *ObjectHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
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

	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	marker := q.Get("marker")

	maxKeys := 1000
	if mk := q.Get("max-keys"); mk != "" {
		if parsed, err := strconv.Atoi(mk); err == nil && parsed >= 0 {
			maxKeys = parsed
		}
	}

	listResult, err := h.meta.ListObjects(ctx, metadata.ListObjectsQuery{
		Bucket: bucketName, Prefix: prefix, Delimiter: delimiter, StartAfter: marker, MaxKeys: maxKeys,
	})
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListBucketResult{
		Name: bucketName, Prefix: prefix, Marker: marker, MaxKeys: maxKeys, IsTruncated: listResult.IsTruncated,
	}
	if delimiter != "" {
		result.Delimiter = delimiter
	}
	if listResult.IsTruncated && listResult.NextMarker != "" {
		result.NextMarker = listResult.NextMarker
	}

	for _, entry := range listResult.Entries {
		if entry.IsDir {
			result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{Prefix: entry.OID})
			continue
		}
		result.Contents = append(result.Contents, xmlutil.Object{
			Key: entry.Obj.OID, LastModified: xmlutil.FormatTimeS3(entry.Obj.LastModified),
			ETag: entry.Blob.ETag, Size: entry.Blob.Size, StorageClass: "STANDARD",
		})
	}

	xmlutil.RenderListObjects(w, result)
}

func populateListEntries(result *xmlutil.ListBucketV2Result, listResult *metadata.ListResult) {
	for _, entry := range listResult.Entries {
		if entry.IsDir {
			result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{Prefix: entry.OID})
			continue
		}
		result.Contents = append(result.Contents, xmlutil.Object{
			Key: entry.Obj.OID, LastModified: xmlutil.FormatTimeS3(entry.Obj.LastModified),
			ETag: entry.Blob.ETag, Size: entry.Blob.Size, StorageClass: "STANDARD",
		})
	}
}

// extractObjectKey extracts the object key from the request URL path.
func extractObjectKey(r *http.Request) string {
	path := r.URL.Path
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	idx := -1
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ""
	}
	return path[idx+1:]
}
