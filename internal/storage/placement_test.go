package storage

import (
	"strings"
	"testing"
)

func TestGetLocationUsesDefaultRegionWhenUnconstrained(t *testing.T) {
	p := NewPlacement("us-west-2", "")
	loc := p.GetLocation("mybucket", "")
	if loc.Region != "us-west-2" {
		t.Errorf("Region = %q, want us-west-2", loc.Region)
	}
}

func TestGetLocationHonorsConstraint(t *testing.T) {
	p := NewPlacement("us-west-2", "")
	loc := p.GetLocation("mybucket", "eu-central-1")
	if loc.Region != "eu-central-1" {
		t.Errorf("Region = %q, want eu-central-1", loc.Region)
	}
}

func TestGetLocationGeneratesPerBucketBackendName(t *testing.T) {
	p := NewPlacement("us-east-1", "")
	loc1 := p.GetLocation("alice-bucket", "")
	loc2 := p.GetLocation("bob-bucket", "")

	if !strings.HasPrefix(loc1.Backend, "alice-bucket-") {
		t.Errorf("Backend = %q, want prefix alice-bucket-", loc1.Backend)
	}
	if !strings.HasPrefix(loc2.Backend, "bob-bucket-") {
		t.Errorf("Backend = %q, want prefix bob-bucket-", loc2.Backend)
	}
	if loc1.Backend == loc2.Backend {
		t.Error("expected distinct backend names for distinct buckets")
	}
}

func TestGetLocationUsesStaticBucketWhenSet(t *testing.T) {
	p := NewPlacement("us-east-1", "shared-backend")
	loc := p.GetLocation("anything", "")
	if loc.Backend != "shared-backend" {
		t.Errorf("Backend = %q, want shared-backend", loc.Backend)
	}
}
