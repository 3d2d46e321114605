// Package storage provides the AWS S3-compatible backing client for the
// gateway.
//
// AWSGatewayBackend implements BackingClient by forwarding every operation
// to a real S3-compatible service (AWS S3, MinIO, Ceph RGW's S3 gateway) via
// the AWS SDK for Go v2. Objects are addressed by blob UUID, not by gateway
// bucket/key: the metadata store owns the bucket/key namespace and only
// ever hands this client a BlobLocation and a blob ID.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API defines the subset of the AWS S3 client interface that the backing
// client uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// AWSGatewayBackend implements BackingClient by proxying to an upstream
// S3-compatible service. It holds no bucket/key namespace of its own:
// every call is parameterized by the BlobLocation and blob UUID the
// metadata store assigned.
type AWSGatewayBackend struct {
	client S3API
}

// NewAWSGatewayBackend creates a new AWSGatewayBackend. It initializes the
// AWS SDK client using the default credential chain, with optional
// overrides for a custom endpoint, path-style addressing, and static
// credentials -- the shape a RADOS gateway or MinIO deployment requires.
func NewAWSGatewayBackend(ctx context.Context, region, endpointURL string, usePathStyle bool, accessKeyID, secretAccessKey string) (*AWSGatewayBackend, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	loadOpts = append(loadOpts, awsconfig.WithRegion(region))

	if accessKeyID != "" && secretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpointURL != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpointURL)
		})
	}
	if usePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)

	slog.Info("backing client initialized", "region", region, "endpoint", endpointURL, "path_style", usePathStyle)
	return &AWSGatewayBackend{client: client}, nil
}

// NewAWSGatewayBackendWithClient creates an AWSGatewayBackend with a
// pre-configured S3 client. Used for testing with mock clients.
func NewAWSGatewayBackendWithClient(client S3API) *AWSGatewayBackend {
	return &AWSGatewayBackend{client: client}
}

// CreateBucket provisions a real backend bucket for loc. Idempotent: an
// already-existing bucket owned by this client is not an error.
func (b *AWSGatewayBackend) CreateBucket(ctx context.Context, loc BlobLocation) error {
	_, err := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(loc.Backend),
	})
	if err != nil {
		var alreadyOwned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &alreadyOwned) {
			return nil
		}
		return fmt.Errorf("creating backend bucket %q: %w", loc.Backend, err)
	}
	return nil
}

// DeleteBucket removes the backend bucket for loc.
func (b *AWSGatewayBackend) DeleteBucket(ctx context.Context, loc BlobLocation) error {
	_, err := b.client.DeleteBucket(ctx, &s3.DeleteBucketInput{
		Bucket: aws.String(loc.Backend),
	})
	if err != nil && !isAWSNotFound(err) {
		return fmt.Errorf("deleting backend bucket %q: %w", loc.Backend, err)
	}
	return nil
}

// PutObject uploads blob bytes keyed by blobID to loc.Backend.
func (b *AWSGatewayBackend) PutObject(ctx context.Context, loc BlobLocation, blobID string, reader io.Reader, size int64) (int64, string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(loc.Backend),
		Key:    aws.String(blobID),
		Body:   reader,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	resp, err := b.client.PutObject(ctx, input)
	if err != nil {
		return 0, "", fmt.Errorf("putting blob %s: %w", blobID, err)
	}

	etag := strings.Trim(aws.ToString(resp.ETag), `"`)

	written := size
	if written < 0 {
		head, headErr := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(loc.Backend),
			Key:    aws.String(blobID),
		})
		if headErr == nil && head.ContentLength != nil {
			written = *head.ContentLength
		}
	}

	return written, fmt.Sprintf(`"%s"`, etag), nil
}

// GetObject retrieves blob bytes for blobID from loc.Backend.
func (b *AWSGatewayBackend) GetObject(ctx context.Context, loc BlobLocation, blobID string) (io.ReadCloser, int64, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Backend),
		Key:    aws.String(blobID),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, 0, fmt.Errorf("blob not found: %s", blobID)
		}
		return nil, 0, fmt.Errorf("getting blob %s: %w", blobID, err)
	}

	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}

// HeadObject returns the size and ETag of a blob without downloading it.
func (b *AWSGatewayBackend) HeadObject(ctx context.Context, loc BlobLocation, blobID string) (int64, string, error) {
	resp, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Backend),
		Key:    aws.String(blobID),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return 0, "", fmt.Errorf("blob not found: %s", blobID)
		}
		return 0, "", fmt.Errorf("heading blob %s: %w", blobID, err)
	}

	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	etag := strings.Trim(aws.ToString(resp.ETag), `"`)
	return size, fmt.Sprintf(`"%s"`, etag), nil
}

// DeleteObject removes blob bytes. Idempotent: S3 DeleteObject does not
// error on missing keys.
func (b *AWSGatewayBackend) DeleteObject(ctx context.Context, loc BlobLocation, blobID string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(loc.Backend),
		Key:    aws.String(blobID),
	})
	if err != nil {
		return fmt.Errorf("deleting blob %s: %w", blobID, err)
	}
	return nil
}

// CreateMultipartUpload starts a native backend multipart upload for blobID.
func (b *AWSGatewayBackend) CreateMultipartUpload(ctx context.Context, loc BlobLocation, blobID string) (string, error) {
	resp, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(loc.Backend),
		Key:    aws.String(blobID),
	})
	if err != nil {
		return "", fmt.Errorf("creating backend multipart upload for blob %s: %w", blobID, err)
	}
	return aws.ToString(resp.UploadId), nil
}

// UploadPart uploads a single part of a backend multipart upload.
func (b *AWSGatewayBackend) UploadPart(ctx context.Context, loc BlobLocation, blobID, backendUploadID string, partNumber int32, reader io.Reader, size int64) (string, error) {
	input := &s3.UploadPartInput{
		Bucket:     aws.String(loc.Backend),
		Key:        aws.String(blobID),
		UploadId:   aws.String(backendUploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       reader,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	resp, err := b.client.UploadPart(ctx, input)
	if err != nil {
		return "", fmt.Errorf("uploading part %d for blob %s: %w", partNumber, blobID, err)
	}
	return strings.Trim(aws.ToString(resp.ETag), `"`), nil
}

// CompleteMultipartUpload finalizes a backend multipart upload.
func (b *AWSGatewayBackend) CompleteMultipartUpload(ctx context.Context, loc BlobLocation, blobID, backendUploadID string, parts []MultipartPart) (string, error) {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(fmt.Sprintf(`"%s"`, p.ETag)),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}

	resp, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(loc.Backend),
		Key:      aws.String(blobID),
		UploadId: aws.String(backendUploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		return "", fmt.Errorf("completing backend multipart upload for blob %s: %w", blobID, err)
	}
	return strings.Trim(aws.ToString(resp.ETag), `"`), nil
}

// AbortMultipartUpload cancels an in-progress backend multipart upload.
func (b *AWSGatewayBackend) AbortMultipartUpload(ctx context.Context, loc BlobLocation, blobID, backendUploadID string) error {
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(loc.Backend),
		Key:      aws.String(blobID),
		UploadId: aws.String(backendUploadID),
	})
	if err != nil {
		return fmt.Errorf("aborting backend multipart upload for blob %s: %w", blobID, err)
	}
	return nil
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" || code == "NoSuchBucket" {
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		if respErr.HTTPStatusCode() == 404 {
			return true
		}
	}
	return false
}

// Ensure AWSGatewayBackend implements BackingClient at compile time.
var _ BackingClient = (*AWSGatewayBackend)(nil)
