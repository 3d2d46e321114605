package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	s3errors "github.com/bleepstore/bleepstore/internal/errors"
	"github.com/bleepstore/bleepstore/internal/storage"
)

// PostgresStore is the production MetaStore backed by a PostgreSQL
// database. It owns the two-phase temp-then-commit protocol for both
// blobs and buckets, using SERIALIZABLE transactions and a bounded retry
// loop to resolve the write-write conflicts that protocol creates under
// concurrent access.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const maxTxRetries = 10

// NewPostgresStore opens a connection pool against connString and verifies
// connectivity.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("metadata: connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("metadata: ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// isTransient reports whether err is worth retrying in a fresh
// transaction: a serialization failure, a deadlock, or a network timeout.
// Every other error — including not-found and conflict conditions raised
// deliberately by the statements below — is a domain error and surfaces
// immediately.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// withTx runs fn inside a SERIALIZABLE transaction, retrying on transient
// conflicts with a short linear backoff. fn must not commit or roll back
// the transaction itself.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}

		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("metadata: begin transaction: %w", err)
		}

		err = fn(tx)
		if err != nil {
			_ = tx.Rollback(ctx)
			if isTransient(err) {
				lastErr = err
				slog.Debug("metadata: retrying transient transaction error", "attempt", attempt, "error", err)
				continue
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			if isTransient(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("metadata: commit transaction: %w", err)
		}
		return nil
	}
	return fmt.Errorf("metadata: transaction did not converge after %d attempts: %w", maxTxRetries, lastErr)
}

func partitionName(bucket string) string {
	return "objects_bucket_" + strings.ReplaceAll(bucket, "-", "_")
}

var _ MetaStore = (*PostgresStore)(nil)

func (s *PostgresStore) GetUserByAccessKey(ctx context.Context, accessKey string) (*Credential, error) {
	var c Credential
	err := s.pool.QueryRow(ctx, `
		SELECT k.access_key, k.secret_key, u.id, u.name, u.email, u.creation_date
		FROM keys k JOIN users u ON u.id = k.user_id
		WHERE k.access_key = $1`, accessKey).Scan(
		&c.AccessKeyID, &c.SecretKey, &c.User.ID, &c.User.Name, &c.User.Email, &c.User.CreationDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s3errors.ErrInvalidAccessKeyId
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: get user by access key: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetBucket(ctx context.Context, name string) (*Bucket, error) {
	var b Bucket
	err := s.pool.QueryRow(ctx, `
		SELECT name, owner, creation_date, region, backend
		FROM buckets WHERE name = $1`, name).
		Scan(&b.Name, &b.Owner, &b.CreationDate, &b.Location.Region, &b.Location.Backend)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: get bucket: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) ListBucketsByUser(ctx context.Context, userID string) ([]Bucket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, owner, creation_date, region, backend
		FROM buckets WHERE owner = $1 ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("metadata: list buckets by user: %w", err)
	}
	defer rows.Close()

	var out []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Name, &b.Owner, &b.CreationDate, &b.Location.Region, &b.Location.Backend); err != nil {
			return nil, fmt.Errorf("metadata: scan bucket row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateBucketTemp(ctx context.Context, name string, loc storage.BlobLocation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO buckets_temp (name, region, backend, created_at)
		VALUES ($1, $2, $3, now())`, name, loc.Region, loc.Backend)
	if err != nil {
		if isUniqueViolation(err) {
			return s3errors.ErrBucketAlreadyExists
		}
		return fmt.Errorf("metadata: create bucket temp: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBucketTemp(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM buckets_temp WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("metadata: delete bucket temp: %w", err)
	}
	return nil
}

func (s *PostgresStore) CommitBucket(ctx context.Context, name string, owner *User, loc storage.BlobLocation) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM buckets_temp WHERE name = $1`, name)
		if err != nil {
			return fmt.Errorf("metadata: commit bucket: clear temp: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s3errors.ErrNoSuchBucket
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO buckets (name, owner, creation_date, region, backend)
			VALUES ($1, $2, now(), $3, $4)`, name, owner.ID, loc.Region, loc.Backend); err != nil {
			return fmt.Errorf("metadata: commit bucket: insert: %w", err)
		}

		ddl := fmt.Sprintf(
			"CREATE TABLE %s PARTITION OF objects FOR VALUES IN (%s)",
			pgx.Identifier{partitionName(name)}.Sanitize(),
			quoteLiteral(name),
		)
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("metadata: commit bucket: create partition: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) DeleteBucket(ctx context.Context, name string, loc storage.BlobLocation) (uuid.UUID, error) {
	var gcID uuid.UUID
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var exists int
		err := tx.QueryRow(ctx, `SELECT 1 FROM objects WHERE bucket_name = $1 LIMIT 1`, name).Scan(&exists)
		if err == nil {
			return s3errors.ErrBucketNotEmpty
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("metadata: delete bucket: check empty: %w", err)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM buckets WHERE name = $1`, name)
		if err != nil {
			return fmt.Errorf("metadata: delete bucket: delete row: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s3errors.ErrNoSuchBucket
		}

		ddl := fmt.Sprintf("DROP TABLE IF EXISTS %s", pgx.Identifier{partitionName(name)}.Sanitize())
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("metadata: delete bucket: drop partition: %w", err)
		}

		gcID = uuid.New()
		if _, err := tx.Exec(ctx, `
			INSERT INTO buckets_gc (id, region, backend, queued_at)
			VALUES ($1, $2, $3, now())`, gcID, loc.Region, loc.Backend); err != nil {
			return fmt.Errorf("metadata: delete bucket: queue gc: %w", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return gcID, nil
}

func (s *PostgresStore) DeleteBucketComplete(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM buckets_gc WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("metadata: delete bucket gc entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateBlobTemp(ctx context.Context, id uuid.UUID, loc storage.BlobLocation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO blobs_temp (id, region, backend, created_at)
		VALUES ($1, $2, $3, now())`, id, loc.Region, loc.Backend)
	if err != nil {
		return fmt.Errorf("metadata: create blob temp: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBlobTemp(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM blobs_temp WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("metadata: delete blob temp: %w", err)
	}
	return nil
}

// commitBlobAndObject is the shared core of CommitObject and
// CompleteMultipartUpload: promote a reserved temp blob to a live blob,
// then link it to the object key, superseding (and GC-queueing) whatever
// blob previously occupied that key.
func commitBlobAndObject(ctx context.Context, tx pgx.Tx, object *Object, blob *Blob) (time.Time, *Blob, error) {
	tag, err := tx.Exec(ctx, `DELETE FROM blobs_temp WHERE id = $1`, blob.ID)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("metadata: commit object: clear temp blob: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return time.Time{}, nil, s3errors.ErrInternalError.WithExtra("Detail", "temp blob not found")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO blobs (id, size, etag, region, backend, checksum_algorithm, checksum)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		blob.ID, blob.Size, blob.ETag, blob.Placement.Region, blob.Placement.Backend,
		blob.ChecksumAlgorithm, blob.Checksum); err != nil {
		return time.Time{}, nil, fmt.Errorf("metadata: commit object: insert blob: %w", err)
	}

	var previousBlobID *uuid.UUID
	var committedAt time.Time
	err = tx.QueryRow(ctx, `
		WITH previous AS (
			SELECT blob_id FROM objects WHERE bucket_name = $1 AND oid = $2
		), upserted AS (
			INSERT INTO objects (bucket_name, oid, last_modified, blob_id)
			VALUES ($1, $2, now(), $3)
			ON CONFLICT (bucket_name, oid) DO UPDATE
				SET last_modified = EXCLUDED.last_modified, blob_id = EXCLUDED.blob_id
			RETURNING last_modified
		)
		SELECT upserted.last_modified, previous.blob_id
		FROM upserted LEFT JOIN previous ON true`,
		object.BucketName, object.OID, blob.ID).Scan(&committedAt, &previousBlobID)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("metadata: commit object: upsert object: %w", err)
	}

	if previousBlobID == nil || *previousBlobID == blob.ID {
		return committedAt, nil, nil
	}

	var previous Blob
	err = tx.QueryRow(ctx, `
		SELECT id, size, etag, region, backend, checksum_algorithm, checksum
		FROM blobs WHERE id = $1`, *previousBlobID).Scan(
		&previous.ID, &previous.Size, &previous.ETag,
		&previous.Placement.Region, &previous.Placement.Backend,
		&previous.ChecksumAlgorithm, &previous.Checksum)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("metadata: commit object: load previous blob: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO blobs_gc (blob_id, queued_at) VALUES ($1, now())
		ON CONFLICT DO NOTHING`, previous.ID); err != nil {
		return time.Time{}, nil, fmt.Errorf("metadata: commit object: queue previous blob gc: %w", err)
	}

	return committedAt, &previous, nil
}

func (s *PostgresStore) CommitObject(ctx context.Context, object *Object, blob *Blob) (time.Time, *Blob, error) {
	var committedAt time.Time
	var previous *Blob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		committedAt, previous, err = commitBlobAndObject(ctx, tx, object, blob)
		return err
	})
	if err != nil {
		return time.Time{}, nil, err
	}
	return committedAt, previous, nil
}

func (s *PostgresStore) GetObject(ctx context.Context, bucket, key string) (*Object, *Blob, error) {
	var o Object
	var b Blob
	var blobID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT o.bucket_name, o.oid, o.last_modified, o.blob_id,
		       b.id, b.size, b.etag, b.region, b.backend, b.checksum_algorithm, b.checksum
		FROM objects o JOIN blobs b ON b.id = o.blob_id
		WHERE o.bucket_name = $1 AND o.oid = $2`, bucket, key).Scan(
		&o.BucketName, &o.OID, &o.LastModified, &blobID,
		&b.ID, &b.Size, &b.ETag, &b.Placement.Region, &b.Placement.Backend,
		&b.ChecksumAlgorithm, &b.Checksum)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("metadata: get object: %w", err)
	}
	o.BlobID = &blobID
	return &o, &b, nil
}

func (s *PostgresStore) DeleteObject(ctx context.Context, bucket, key string) (*Blob, error) {
	var blob Blob
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var blobID uuid.UUID
		err := tx.QueryRow(ctx, `
			SELECT blob_id FROM objects WHERE bucket_name = $1 AND oid = $2 FOR UPDATE`,
			bucket, key).Scan(&blobID)
		if errors.Is(err, pgx.ErrNoRows) {
			return s3errors.ErrNoSuchKey
		}
		if err != nil {
			return fmt.Errorf("metadata: delete object: lookup: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM objects WHERE bucket_name = $1 AND oid = $2`, bucket, key); err != nil {
			return fmt.Errorf("metadata: delete object: delete row: %w", err)
		}

		err = tx.QueryRow(ctx, `
			SELECT id, size, etag, region, backend, checksum_algorithm, checksum
			FROM blobs WHERE id = $1`, blobID).Scan(
			&blob.ID, &blob.Size, &blob.ETag, &blob.Placement.Region, &blob.Placement.Backend,
			&blob.ChecksumAlgorithm, &blob.Checksum)
		if err != nil {
			return fmt.Errorf("metadata: delete object: load blob: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO blobs_gc (blob_id, queued_at) VALUES ($1, now())
			ON CONFLICT DO NOTHING`, blobID); err != nil {
			return fmt.Errorf("metadata: delete object: queue gc: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// ListObjects mirrors the S3 ListObjectsV2 directory-emulation semantics:
// keys sharing a prefix up to the first delimiter after the prefix are
// collapsed into a single common-prefix entry instead of being listed
// individually. The delimiter is located with POSITION, a literal string
// match, so delimiters that are SQL pattern metacharacters need no
// escaping. Without a delimiter a plain ordered query is issued instead.
func (s *PostgresStore) ListObjects(ctx context.Context, q ListObjectsQuery) (*ListResult, error) {
	limit := q.MaxKeys
	if limit <= 0 {
		limit = 1000
	}

	delimiter := q.Delimiter
	if delimiter == "" {
		rows, err := s.pool.Query(ctx, `
			SELECT o.oid, o.last_modified, o.blob_id,
			       b.id, b.size, b.etag, b.region, b.backend, b.checksum_algorithm, b.checksum
			FROM objects o JOIN blobs b ON b.id = o.blob_id
			WHERE o.bucket_name = $1 AND o.oid LIKE $2 || '%' AND o.oid > $3
			ORDER BY o.oid LIMIT $4`,
			q.Bucket, escapeLike(q.Prefix), q.StartAfter, limit+1)
		if err != nil {
			return nil, fmt.Errorf("metadata: list objects: %w", err)
		}
		defer rows.Close()

		var result ListResult
		count := 0
		for rows.Next() {
			var oid string
			var lastModified time.Time
			var blobID uuid.UUID
			var b Blob
			if err := rows.Scan(&oid, &lastModified, &blobID, &b.ID, &b.Size, &b.ETag,
				&b.Placement.Region, &b.Placement.Backend, &b.ChecksumAlgorithm, &b.Checksum); err != nil {
				return nil, fmt.Errorf("metadata: list objects: scan: %w", err)
			}
			count++
			if count > limit {
				result.IsTruncated = true
				break
			}
			o := Object{BucketName: q.Bucket, OID: oid, LastModified: lastModified, BlobID: &blobID}
			result.Entries = append(result.Entries, ObjectListEntry{OID: oid, Obj: &o, Blob: &b})
			result.NextMarker = oid
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("metadata: list objects: %w", err)
		}
		return &result, nil
	}

	rows, err := s.pool.Query(ctx, `
		WITH matched AS (
			SELECT o.oid, o.last_modified, o.blob_id,
			       SUBSTRING(o.oid FROM LENGTH($2) + 1 FOR POSITION($3 IN SUBSTRING(o.oid FROM LENGTH($2) + 1)))
				   AS rest_with_delim
			FROM objects o
			WHERE o.bucket_name = $1 AND o.oid LIKE $2 || '%' AND o.oid > $4
		), classified AS (
			SELECT matched.oid, matched.last_modified, matched.blob_id,
			       CASE WHEN POSITION($3 IN SUBSTRING(matched.oid FROM LENGTH($2) + 1)) > 0
			            THEN $2 || SUBSTRING(matched.oid FROM LENGTH($2) + 1
			                 FOR POSITION($3 IN SUBSTRING(matched.oid FROM LENGTH($2) + 1)) + LENGTH($3) - 1)
			            ELSE NULL
			       END AS common_prefix
			FROM matched
		)
		SELECT DISTINCT ON (COALESCE(c.common_prefix, c.oid))
		       c.oid, c.last_modified, c.blob_id, c.common_prefix,
		       b.id, b.size, b.etag, b.region, b.backend, b.checksum_algorithm, b.checksum
		FROM classified c JOIN blobs b ON b.id = c.blob_id
		ORDER BY COALESCE(c.common_prefix, c.oid), c.oid
		LIMIT $5`,
		q.Bucket, q.Prefix, delimiter, q.StartAfter, limit+1)
	if err != nil {
		return nil, fmt.Errorf("metadata: list objects: %w", err)
	}
	defer rows.Close()

	var result ListResult
	count := 0
	for rows.Next() {
		var oid string
		var lastModified time.Time
		var blobID *uuid.UUID
		var commonPrefix *string
		var b Blob
		if err := rows.Scan(&oid, &lastModified, &blobID, &commonPrefix, &b.ID, &b.Size, &b.ETag,
			&b.Placement.Region, &b.Placement.Backend, &b.ChecksumAlgorithm, &b.Checksum); err != nil {
			return nil, fmt.Errorf("metadata: list objects: scan: %w", err)
		}
		count++
		if count > limit {
			result.IsTruncated = true
			break
		}
		if commonPrefix != nil {
			result.CommonPrefixes = append(result.CommonPrefixes, *commonPrefix)
			result.Entries = append(result.Entries, ObjectListEntry{OID: *commonPrefix, IsDir: true})
			continue
		}
		o := Object{BucketName: q.Bucket, OID: oid, LastModified: lastModified, BlobID: blobID}
		result.Entries = append(result.Entries, ObjectListEntry{OID: oid, Obj: &o, Blob: &b})
		result.NextMarker = oid
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metadata: list objects: %w", err)
	}
	return &result, nil
}

func (s *PostgresStore) DeleteBlobGC(ctx context.Context, blobID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		WITH removed AS (
			DELETE FROM blobs_gc WHERE blob_id = $1 RETURNING blob_id
		)
		DELETE FROM blobs WHERE id IN (SELECT blob_id FROM removed)`, blobID)
	if err != nil {
		return fmt.Errorf("metadata: delete blob gc: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBlobsGC(ctx context.Context, limit int) ([]Blob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT b.id, b.size, b.etag, b.region, b.backend, b.checksum_algorithm, b.checksum
		FROM blobs_gc g JOIN blobs b ON b.id = g.blob_id
		ORDER BY g.queued_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("metadata: list blobs gc: %w", err)
	}
	defer rows.Close()

	var out []Blob
	for rows.Next() {
		var b Blob
		if err := rows.Scan(&b.ID, &b.Size, &b.ETag, &b.Placement.Region, &b.Placement.Backend,
			&b.ChecksumAlgorithm, &b.Checksum); err != nil {
			return nil, fmt.Errorf("metadata: scan blob gc row: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListBucketsGC(ctx context.Context, limit int) ([]BucketGCJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, region, backend, queued_at FROM buckets_gc
		ORDER BY queued_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("metadata: list buckets gc: %w", err)
	}
	defer rows.Close()

	var out []BucketGCJob
	for rows.Next() {
		var j BucketGCJob
		if err := rows.Scan(&j.ID, &j.Location.Region, &j.Location.Backend, &j.QueuedAt); err != nil {
			return nil, fmt.Errorf("metadata: scan bucket gc row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateMultipartUpload(ctx context.Context, upload *MultipartUpload) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO multipart_uploads
			(bucket_name, oid, upload_id, blob_id, backend_upload_id, uploaded_at, region, backend)
		VALUES ($1, $2, $3, $4, $5, now(), $6, $7)`,
		upload.Bucket, upload.OID, upload.UploadID, upload.BlobID, upload.BackendUploadID,
		upload.Location.Region, upload.Location.Backend)
	if err != nil {
		return fmt.Errorf("metadata: create multipart upload: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMultipartUpload(ctx context.Context, bucket, oid, uploadID string) (*MultipartUpload, error) {
	var u MultipartUpload
	err := s.pool.QueryRow(ctx, `
		SELECT bucket_name, oid, upload_id, blob_id, backend_upload_id, uploaded_at, region, backend
		FROM multipart_uploads WHERE bucket_name = $1 AND oid = $2 AND upload_id = $3`,
		bucket, oid, uploadID).Scan(
		&u.Bucket, &u.OID, &u.UploadID, &u.BlobID, &u.BackendUploadID, &u.UploadedAt,
		&u.Location.Region, &u.Location.Backend)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("metadata: get multipart upload: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) ListMultipartUploads(ctx context.Context, q ListUploadsQuery) (*ListUploadsResult, error) {
	limit := q.MaxUploads
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.pool.Query(ctx, `
		SELECT bucket_name, oid, upload_id, blob_id, backend_upload_id, uploaded_at, region, backend
		FROM multipart_uploads
		WHERE bucket_name = $1 AND (oid, upload_id) > ($2, $3)
		ORDER BY oid, upload_id LIMIT $4`,
		q.Bucket, q.KeyMarker, q.UploadIDMarker, limit+1)
	if err != nil {
		return nil, fmt.Errorf("metadata: list multipart uploads: %w", err)
	}
	defer rows.Close()

	var result ListUploadsResult
	count := 0
	for rows.Next() {
		var u MultipartUpload
		if err := rows.Scan(&u.Bucket, &u.OID, &u.UploadID, &u.BlobID, &u.BackendUploadID,
			&u.UploadedAt, &u.Location.Region, &u.Location.Backend); err != nil {
			return nil, fmt.Errorf("metadata: scan multipart upload row: %w", err)
		}
		count++
		if count > limit {
			result.IsTruncated = true
			break
		}
		result.Uploads = append(result.Uploads, u)
		result.NextKeyMarker = u.OID
		result.NextUploadIDMarker = u.UploadID
	}
	return &result, rows.Err()
}

func (s *PostgresStore) CompleteMultipartUpload(ctx context.Context, object *Object, blob *Blob, upload *MultipartUpload) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM multipart_uploads WHERE bucket_name = $1 AND oid = $2 AND upload_id = $3`,
			upload.Bucket, upload.OID, upload.UploadID)
		if err != nil {
			return fmt.Errorf("metadata: complete multipart upload: clear upload: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return s3errors.ErrNoSuchUpload
		}
		_, _, err = commitBlobAndObject(ctx, tx, object, blob)
		return err
	})
}

func (s *PostgresStore) AbortMultipartUpload(ctx context.Context, upload *MultipartUpload) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM multipart_uploads WHERE bucket_name = $1 AND oid = $2 AND upload_id = $3`,
			upload.Bucket, upload.OID, upload.UploadID); err != nil {
			return fmt.Errorf("metadata: abort multipart upload: clear upload: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM blobs_temp WHERE id = $1`, upload.BlobID); err != nil {
			return fmt.Errorf("metadata: abort multipart upload: clear temp blob: %w", err)
		}

		// The parts already written to the backend for this upload never got
		// promoted to a live blob row, so blobs_gc's FK has nothing to point
		// at yet. Insert a zero-size placeholder blob row and queue it
		// through the same reclaim path a superseded committed blob uses,
		// rather than leaving the backend bytes unreferenced and unreclaimed.
		if _, err := tx.Exec(ctx, `
			INSERT INTO blobs (id, size, etag, region, backend, checksum_algorithm, checksum)
			VALUES ($1, 0, '', $2, $3, '', '')`,
			upload.BlobID, upload.Location.Region, upload.Location.Backend); err != nil {
			return fmt.Errorf("metadata: abort multipart upload: insert gc placeholder blob: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO blobs_gc (blob_id, queued_at) VALUES ($1, now())
			ON CONFLICT DO NOTHING`, upload.BlobID); err != nil {
			return fmt.Errorf("metadata: abort multipart upload: queue blob gc: %w", err)
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
