package artifact

import (
	"testing"
	"time"

	"github.com/buildstream-go/buildstream/cachekey"
	"github.com/buildstream-go/buildstream/cas"
)

func TestProvenanceStatementSubjectAndMaterials(t *testing.T) {
	a := &Artifact{
		Files: cas.Digest{Hash: "deadbeef", Size: 42},
		Dependencies: []Dependency{
			{ProjectName: "proj", ElementName: "base.bst", CacheKey: cachekey.Key("abc123")},
		},
	}

	stmt := ProvenanceStatement("proj", "hello.bst", a, time.Unix(0, 0))

	if len(stmt.Subject) != 1 {
		t.Fatalf("expected exactly one subject, got %d", len(stmt.Subject))
	}
	if stmt.Subject[0].Name != "proj/hello.bst" {
		t.Fatalf("unexpected subject name: %q", stmt.Subject[0].Name)
	}
	if stmt.Subject[0].Digest["sha256"] != "deadbeef" {
		t.Fatalf("expected subject digest to carry the artifact's files hash, got %+v", stmt.Subject[0].Digest)
	}

	if len(stmt.Predicate.Materials) != 1 {
		t.Fatalf("expected exactly one material, got %d", len(stmt.Predicate.Materials))
	}
	m := stmt.Predicate.Materials[0]
	if m.URI != "proj/base.bst" {
		t.Fatalf("unexpected material URI: %q", m.URI)
	}
	if m.Digest["cachekey"] != "abc123" {
		t.Fatalf("expected material digest to carry the dependency's cache key, got %+v", m.Digest)
	}
}

func TestProvenanceStatementNoDependencies(t *testing.T) {
	a := &Artifact{Files: cas.Digest{Hash: "feedface", Size: 1}}
	stmt := ProvenanceStatement("proj", "leaf.bst", a, time.Unix(0, 0))
	if len(stmt.Predicate.Materials) != 0 {
		t.Fatalf("expected no materials for a dependency-free artifact, got %+v", stmt.Predicate.Materials)
	}
}
