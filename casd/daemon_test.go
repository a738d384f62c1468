package casd_test

import (
	"bytes"
	"context"
	"testing"

	v2 "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	digestpkg "github.com/opencontainers/go-digest"
	"google.golang.org/protobuf/proto"

	"github.com/buildstream-go/buildstream/cas"
	"github.com/buildstream-go/buildstream/casd"
)

// startDaemon serves a fresh Daemon over an in-process pipe and returns a
// connected client alongside it.
func startDaemon(t *testing.T, quota int64) (*casd.Daemon, *cas.Client) {
	t.Helper()

	d, err := casd.Open(t.TempDir(), quota)
	if err != nil {
		t.Fatalf("opening daemon: %v", err)
	}
	srv := d.NewServer()
	lis := &casd.PipeListener{}
	go srv.Serve(lis)
	t.Cleanup(func() {
		srv.Stop()
		lis.Close()
	})

	cc, err := cas.DialEmbedded(context.Background(), lis.Dialer)
	if err != nil {
		t.Fatalf("dialing daemon: %v", err)
	}
	t.Cleanup(func() { cc.Close() })
	return d, cc
}

func TestDaemonBlobRoundTrip(t *testing.T) {
	_, cc := startDaemon(t, 0)
	ctx := context.Background()

	data := []byte("daemon-held content")
	d, err := cc.PushBlob(ctx, data)
	if err != nil {
		t.Fatalf("PushBlob: %v", err)
	}

	has, err := cc.HasBlob(ctx, d)
	if err != nil {
		t.Fatalf("HasBlob: %v", err)
	}
	if !has {
		t.Fatalf("expected pushed blob to be present in the daemon's store")
	}

	got, err := cc.GetBlob(ctx, d)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("GetBlob returned %q, want %q", got, data)
	}

	// Pushing the same content again must be idempotent.
	if _, err := cc.PushBlob(ctx, data); err != nil {
		t.Fatalf("re-pushing existing blob: %v", err)
	}
}

func TestDaemonGetTree(t *testing.T) {
	_, cc := startDaemon(t, 0)
	ctx := context.Background()

	fileDigest, err := cc.PushBlob(ctx, []byte("leaf file"))
	if err != nil {
		t.Fatalf("PushBlob: %v", err)
	}
	leaf := &v2.Directory{Files: []*v2.FileNode{{Name: "f", Digest: fileDigest.ToProto()}}}
	leafRaw, err := proto.Marshal(leaf)
	if err != nil {
		t.Fatal(err)
	}
	leafDigest, err := cc.PushBlob(ctx, leafRaw)
	if err != nil {
		t.Fatalf("uploading leaf directory: %v", err)
	}
	root := &v2.Directory{Directories: []*v2.DirectoryNode{{Name: "sub", Digest: leafDigest.ToProto()}}}
	rootRaw, err := proto.Marshal(root)
	if err != nil {
		t.Fatal(err)
	}
	rootDigest, err := cc.PushBlob(ctx, rootRaw)
	if err != nil {
		t.Fatalf("uploading root directory: %v", err)
	}

	dirs, err := cc.GetTree(ctx, rootDigest)
	if err != nil {
		t.Fatalf("GetTree: %v", err)
	}
	if len(dirs) != 2 {
		t.Fatalf("expected root + sub, got %d directories", len(dirs))
	}
}

func TestDaemonQuotaEvictionPreservesReachable(t *testing.T) {
	// A one-byte quota forces an eviction pass on every write.
	d, cc := startDaemon(t, 1)
	ctx := context.Background()

	// Register reachability before the first write: the daemon runs an
	// eviction pass on every upload while over quota.
	keep := []byte("reachable blob, must survive eviction")
	d.MarkReachable(map[digestpkg.Digest]bool{
		digestpkg.NewDigestFromEncoded(digestpkg.SHA256, cas.FromBytes(keep).Hash): true,
	})
	keepDigest, err := cc.PushBlob(ctx, keep)
	if err != nil {
		t.Fatalf("PushBlob: %v", err)
	}

	evictable := []byte("unreachable blob, eviction fodder")
	evictDigest, err := cc.PushBlob(ctx, evictable)
	if err != nil {
		t.Fatalf("PushBlob: %v", err)
	}

	has, err := cc.HasBlob(ctx, keepDigest)
	if err != nil {
		t.Fatalf("HasBlob: %v", err)
	}
	if !has {
		t.Fatalf("reachable blob was evicted despite MarkReachable")
	}

	has, err = cc.HasBlob(ctx, evictDigest)
	if err != nil {
		t.Fatalf("HasBlob: %v", err)
	}
	if has {
		t.Fatalf("expected the unreachable blob to be evicted under quota pressure")
	}
}
