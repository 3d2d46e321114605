package storage

import (
	"github.com/google/uuid"
)

// Placement decides where a new bucket's blobs are placed: which region and
// which concrete backend bucket name within it. It is intentionally tiny —
// a single-tenant gateway has one backend bucket per region, optionally
// suffixed with a random UUID to avoid collisions when multiple gateway
// buckets must map onto distinct backend buckets.
type Placement struct {
	// DefaultRegion is used when a request specifies no LocationConstraint.
	DefaultRegion string
	// StaticBucket, if set, is used as the backend bucket name for every
	// gateway bucket in every region (single shared backend bucket). If
	// empty, GetLocation generates a fresh "{bucket}-{uuid}" backend bucket
	// name per gateway bucket so that each one lands in its own backend
	// bucket.
	StaticBucket string
}

// NewPlacement constructs a Placement with the given default region and
// optional static backend bucket name.
func NewPlacement(defaultRegion, staticBucket string) *Placement {
	if defaultRegion == "" {
		defaultRegion = "us-east-1"
	}
	return &Placement{DefaultRegion: defaultRegion, StaticBucket: staticBucket}
}

// GetLocation resolves the BlobLocation for a newly-created gateway bucket
// named bucketName. constraint is the region requested via
// CreateBucketConfiguration, or empty for the default region.
func (p *Placement) GetLocation(bucketName, constraint string) BlobLocation {
	region := constraint
	if region == "" {
		region = p.DefaultRegion
	}

	backend := p.StaticBucket
	if backend == "" {
		backend = bucketName + "-" + uuid.New().String()
	}

	return BlobLocation{Region: region, Backend: backend}
}
