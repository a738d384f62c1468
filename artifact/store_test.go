package artifact

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/buildstream-go/buildstream/cachekey"
	"github.com/buildstream-go/buildstream/cas"
	"github.com/buildstream-go/buildstream/internal/castest"
)

func newTestStore(t *testing.T) (*Store, *cas.Client) {
	t.Helper()
	_, cc := castest.Start(t)
	dir := t.TempDir()
	s, err := Open(cc, filepath.Join(dir, "refs.db"), filepath.Join(dir, "lock"))
	if err != nil {
		t.Fatalf("opening artifact store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, cc
}

// captureFileTree ingests a single-file directory into cc and returns the
// resulting root Directory digest.
func captureFileTree(t *testing.T, cc *cas.Client, name string, content []byte) cas.Digest {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
		t.Fatal(err)
	}
	root, err := cc.Capture(context.Background(), dir)
	if err != nil {
		t.Fatalf("capturing tree: %v", err)
	}
	return root
}

func testArtifact(files cas.Digest) *Artifact {
	return &Artifact{
		Version:   CurrentVersion,
		Success:   true,
		WeakKey:   cachekey.Key("beef00"),
		StrictKey: cachekey.Key("beef01"),
		StrongKey: cachekey.Key("beef02"),
		Files:     files,
		Dependencies: []Dependency{
			{ProjectName: "proj", ElementName: "base.bst", CacheKey: cachekey.Key("cafe00")},
		},
	}
}

func TestStoreLoadByBothKeys(t *testing.T) {
	s, cc := newTestStore(t)
	ctx := context.Background()

	files := captureFileTree(t, cc, "hello.world", []byte("hi\n"))
	a := testArtifact(files)
	if err := s.Store(ctx, "proj", "hello.bst", a); err != nil {
		t.Fatalf("Store: %v", err)
	}

	for _, key := range []cachekey.Key{a.StrongKey, a.WeakKey} {
		got, err := s.Load(ctx, "proj", "hello.bst", key)
		if err != nil {
			t.Fatalf("Load by %s: %v", key, err)
		}
		if diff := cmp.Diff(a, got); diff != "" {
			t.Fatalf("loaded artifact differs (-want +got):\n%s", diff)
		}
		if !s.Contains(ctx, "proj", "hello.bst", key) {
			t.Fatalf("Contains reported false for a stored key %s", key)
		}
	}

	if s.Contains(ctx, "proj", "hello.bst", cachekey.Key("feed99")) {
		t.Fatalf("Contains reported true for a never-stored key")
	}
}

func TestLoadFailsWhenReferencedDigestMissing(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a := testArtifact(cas.FromBytes([]byte("this tree was never uploaded")))
	if err := s.Store(ctx, "proj", "broken.bst", a); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := s.Load(ctx, "proj", "broken.bst", a.StrongKey); err == nil {
		t.Fatalf("expected Load to fail for an artifact referencing a missing digest")
	}
	if s.Contains(ctx, "proj", "broken.bst", a.StrongKey) {
		t.Fatalf("Contains must be false when a referenced digest is missing")
	}
}

func TestPushPullRoundTrip(t *testing.T) {
	local, localCAS := newTestStore(t)
	remote, _ := newTestStore(t)
	other, otherCAS := newTestStore(t)
	ctx := context.Background()

	content := []byte("Hello World!\n")
	files := captureFileTree(t, localCAS, "hello.world", content)
	a := testArtifact(files)
	if err := local.Store(ctx, "proj", "hello.bst", a); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if err := local.Push(ctx, "proj", "hello.bst", a, remote); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !remote.Contains(ctx, "proj", "hello.bst", a.StrongKey) {
		t.Fatalf("remote does not contain the pushed artifact")
	}

	pulled, err := other.Pull(ctx, "proj", "hello.bst", a.StrongKey, remote)
	if err != nil {
		t.Fatalf("Pull on a fresh host: %v", err)
	}
	if diff := cmp.Diff(a, pulled); diff != "" {
		t.Fatalf("pulled artifact differs from pushed (-want +got):\n%s", diff)
	}

	// Byte-identical content after a push/pull cycle across hosts, §8.
	dst := t.TempDir()
	if err := otherCAS.Stage(ctx, pulled.Files, dst); err != nil {
		t.Fatalf("staging pulled artifact: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "hello.world"))
	if err != nil {
		t.Fatalf("reading staged file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("staged content %q differs from original %q", got, content)
	}
}

func TestGCComputesReachableSet(t *testing.T) {
	s, cc := newTestStore(t)
	ctx := context.Background()

	files := captureFileTree(t, cc, "hello.world", []byte("hi\n"))
	a := testArtifact(files)
	if err := s.Store(ctx, "proj", "hello.bst", a); err != nil {
		t.Fatalf("Store: %v", err)
	}

	reachable, err := s.GC(ctx)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if !reachable[files] {
		t.Fatalf("expected the artifact's files digest to be reachable")
	}
	found := false
	for d := range reachable {
		if d != files {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the artifact proto blob itself to be in the reachable set")
	}
}
