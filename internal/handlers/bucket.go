// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"

	"github.com/bleepstore/bleepstore/internal/auth"
	s3err "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/storage"
	"github.com/bleepstore/bleepstore/internal/xmlutil"
)

// BucketHandler contains handlers for S3 bucket-level operations.
type BucketHandler struct {
	meta      metadata.MetaStore
	backing   storage.BackingClient
	placement *storage.Placement
}

// NewBucketHandler creates a new BucketHandler with the given dependencies.
func NewBucketHandler(meta metadata.MetaStore, backing storage.BackingClient, placement *storage.Placement) *BucketHandler {
	return &BucketHandler{meta: meta, backing: backing, placement: placement}
}

// ListBuckets handles GET / and returns the buckets owned by the
// authenticated caller.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ownerDisplay := auth.OwnerFromContext(ctx)

	buckets, err := h.meta.ListBucketsByUser(ctx, ownerID)
	if err != nil {
		slog.Error("ListBuckets error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	var xmlBuckets []xmlutil.Bucket
	for _, b := range buckets {
		xmlBuckets = append(xmlBuckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(b.CreationDate),
		})
	}

	result := &xmlutil.ListAllMyBucketsResult{
		Owner:   xmlutil.Owner{ID: ownerID, DisplayName: ownerDisplay},
		Buckets: xmlBuckets,
	}

	xmlutil.RenderListBuckets(w, result)
}

// CreateBucket handles PUT /{bucket} and creates a new bucket with the
// specified name, running the reserve/provision/commit sequence: the name
// is reserved in buckets_temp, the backend bucket is provisioned, and the
// reservation is promoted to a live bucket row in a single commit.
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ownerDisplay := auth.OwnerFromContext(ctx)
	owner := &metadata.User{ID: ownerID, Name: ownerDisplay}
	bucketName := extractBucketName(r)

	if errMsg := validateBucketName(bucketName); errMsg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidBucketName)
		return
	}

	existing, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		slog.Error("CreateBucket: get bucket failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if existing != nil {
		if existing.Owner == owner.ID {
			w.Header().Set("Location", "/"+bucketName)
			w.WriteHeader(http.StatusOK)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketAlreadyExists)
		return
	}

	region := ""
	if r.ContentLength > 0 {
		body, readErr := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if readErr == nil && len(body) > 0 {
			region = parseCreateBucketRegion(body)
		}
	}

	loc := h.placement.GetLocation(bucketName, region)

	if err := h.meta.CreateBucketTemp(ctx, bucketName, loc); err != nil {
		if err == s3err.ErrBucketAlreadyExists {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketAlreadyExists)
			return
		}
		slog.Error("CreateBucket: reserve temp bucket failed", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if err := h.backing.CreateBucket(ctx, loc); err != nil {
		slog.Error("CreateBucket: backing store provisioning failed", "error", err)
		_ = h.meta.DeleteBucketTemp(ctx, bucketName)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if err := h.meta.CommitBucket(ctx, bucketName, owner, loc); err != nil {
		slog.Error("CreateBucket: commit failed", "error", err)
		_ = h.backing.DeleteBucket(ctx, loc)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("Location", "/"+bucketName)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket handles DELETE /{bucket}. The bucket must be empty; its
// backing bucket is queued for garbage collection, then deleted on a
// best-effort basis right away, leaving the queue entry for GC if that
// delete fails.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
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

	jobID, err := h.meta.DeleteBucket(ctx, bucketName, bucket.Location)
	if err != nil {
		if err == s3err.ErrBucketNotEmpty {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketNotEmpty)
			return
		}
		slog.Error("DeleteBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if err := h.backing.DeleteBucket(ctx, bucket.Location); err != nil {
		slog.Warn("DeleteBucket: best-effort backing cleanup failed, gc will retry", "bucket", bucketName, "error", err)
	} else if err := h.meta.DeleteBucketComplete(ctx, jobID); err != nil {
		slog.Warn("DeleteBucket: clearing gc job failed, gc will retry and find it already gone", "job_id", jobID, "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket}.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)

	bucket, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if bucket == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("x-amz-bucket-region", bucket.Location.Region)
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
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

	location := bucket.Location.Region
	if location == "us-east-1" {
		location = ""
	}

	xmlutil.RenderLocationConstraint(w, location)
}

// parseCreateBucketRegion parses a CreateBucketConfiguration XML body to
// extract the LocationConstraint value, if any.
func parseCreateBucketRegion(body []byte) string {
	type createBucketConfig struct {
		XMLName            xml.Name `xml:"CreateBucketConfiguration"`
		LocationConstraint string   `xml:"LocationConstraint"`
	}
	var config createBucketConfig
	if err := xml.Unmarshal(body, &config); err != nil {
		return ""
	}
	return config.LocationConstraint
}
