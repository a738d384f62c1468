// Package casd implements a reference local CAS daemon: the process that
// actually owns on-disk blob storage and that a cas.DialLocal client talks
// to over a unix socket (§4.9, §6 "local-CAS service", persisted layout
// `<cachedir>/cas/`). It speaks the same REAPI v2
// ContentAddressableStorage/Capabilities surface as a remote cache, backed
// by containerd's local content store, so cas.Client needs no special
// casing between "local daemon" and "remote cache".
package casd

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	v2 "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/content/local"
	"github.com/containerd/containerd/errdefs"
	"github.com/gofrs/flock"
	digestpkg "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/buildstream-go/buildstream/cas"
)

var _ v2.ContentAddressableStorageServer = (*Daemon)(nil)
var _ v2.CapabilitiesServer = (*Daemon)(nil)

// Daemon is the local CAS daemon: a content.Store rooted at <cachedir>/cas,
// guarded by a single POSIX file lock so that concurrent buildstream
// invocations cannot garbage-collect a blob another invocation still
// references (§5 "Locking discipline").
type Daemon struct {
	v2.UnimplementedContentAddressableStorageServer
	v2.UnimplementedCapabilitiesServer

	store content.Store
	lock  *flock.Flock
	quota int64

	mu        sync.Mutex
	accessed  map[digestpkg.Digest]time.Time
	reachable map[digestpkg.Digest]bool
}

// Open roots a Daemon at dir (the `<cachedir>/cas` directory), creating it
// if necessary. quota is the eviction threshold in bytes; zero disables
// quota enforcement.
func Open(dir string, quota int64) (*Daemon, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating cas dir %s", dir)
	}
	store, err := local.NewStore(dir)
	if err != nil {
		return nil, errors.Wrap(err, "opening local content store")
	}
	return &Daemon{
		store:    store,
		lock:     flock.New(filepath.Join(dir, "lock")),
		quota:    quota,
		accessed: map[digestpkg.Digest]time.Time{},
	}, nil
}

// NewServer returns a gRPC server with the daemon's RPC surface registered,
// ready to Serve() on a unix socket listener or a casd.PipeListener.
func (d *Daemon) NewServer() *grpc.Server {
	s := grpc.NewServer()
	v2.RegisterContentAddressableStorageServer(s, d)
	v2.RegisterCapabilitiesServer(s, d)
	return s
}

func toOCIDigest(d cas.Digest) (digestpkg.Digest, error) {
	dg := digestpkg.NewDigestFromEncoded(digestpkg.SHA256, d.Hash)
	if err := dg.Validate(); err != nil {
		return "", errors.Wrapf(err, "invalid digest %q", d.Hash)
	}
	return dg, nil
}

func (d *Daemon) touch(dg digestpkg.Digest) {
	d.mu.Lock()
	d.accessed[dg] = time.Now()
	d.mu.Unlock()
}

// FindMissingBlobs implements v2.ContentAddressableStorageServer.
func (d *Daemon) FindMissingBlobs(ctx context.Context, req *v2.FindMissingBlobsRequest) (*v2.FindMissingBlobsResponse, error) {
	resp := &v2.FindMissingBlobsResponse{}
	for _, pb := range req.BlobDigests {
		dg, err := toOCIDigest(cas.FromProto(pb))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if _, err := d.store.Info(ctx, dg); err != nil {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, pb)
		} else {
			d.touch(dg)
		}
	}
	return resp, nil
}

// BatchUpdateBlobs implements v2.ContentAddressableStorageServer.
func (d *Daemon) BatchUpdateBlobs(ctx context.Context, req *v2.BatchUpdateBlobsRequest) (*v2.BatchUpdateBlobsResponse, error) {
	if err := d.lock.Lock(); err != nil {
		return nil, status.Errorf(codes.Unavailable, "acquiring cas write lock: %s", err)
	}
	defer d.lock.Unlock()

	resp := &v2.BatchUpdateBlobsResponse{}
	for _, r := range req.Requests {
		rr := &v2.BatchUpdateBlobsResponse_Response{Digest: r.Digest}
		if err := d.writeBlob(ctx, r.Digest, r.Data); err != nil {
			rr.Status = status.Convert(err).Proto()
		} else {
			rr.Status = status.New(codes.OK, "").Proto()
		}
		resp.Responses = append(resp.Responses, rr)
	}
	if d.quota > 0 {
		if err := d.evictIfNeeded(ctx); err != nil {
			logrus.WithError(err).Warn("casd: quota eviction pass failed")
		}
	}
	return resp, nil
}

func (d *Daemon) writeBlob(ctx context.Context, pb *v2.Digest, data []byte) error {
	dg, err := toOCIDigest(cas.FromProto(pb))
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if _, err := d.store.Info(ctx, dg); err == nil {
		d.touch(dg)
		return nil
	}

	desc := ocispec.Descriptor{Digest: dg, Size: int64(len(data))}
	w, err := d.store.Writer(ctx, content.WithRef("upload-"+dg.Encoded()), content.WithDescriptor(desc))
	if err != nil {
		if errdefs.IsAlreadyExists(err) {
			return nil
		}
		return err
	}
	defer w.Close()

	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.Commit(ctx, int64(len(data)), dg); err != nil && !errdefs.IsAlreadyExists(err) {
		return err
	}
	d.touch(dg)
	return nil
}

// BatchReadBlobs implements v2.ContentAddressableStorageServer.
func (d *Daemon) BatchReadBlobs(ctx context.Context, req *v2.BatchReadBlobsRequest) (*v2.BatchReadBlobsResponse, error) {
	resp := &v2.BatchReadBlobsResponse{}
	for _, pb := range req.Digests {
		rr := &v2.BatchReadBlobsResponse_Response{Digest: pb}
		data, err := d.readBlob(ctx, pb)
		if err != nil {
			rr.Status = status.New(codes.NotFound, err.Error()).Proto()
		} else {
			rr.Data = data
			rr.Status = status.New(codes.OK, "").Proto()
		}
		resp.Responses = append(resp.Responses, rr)
	}
	return resp, nil
}

func (d *Daemon) readBlob(ctx context.Context, pb *v2.Digest) ([]byte, error) {
	dg, err := toOCIDigest(cas.FromProto(pb))
	if err != nil {
		return nil, err
	}
	info, err := d.store.Info(ctx, dg)
	if err != nil {
		return nil, err
	}
	data, err := content.ReadBlob(ctx, d.store, ocispec.Descriptor{Digest: dg, Size: info.Size})
	if err != nil {
		return nil, err
	}
	d.touch(dg)
	return data, nil
}

// GetTree implements v2.ContentAddressableStorageServer, recursively
// streaming every Directory message under root.
func (d *Daemon) GetTree(req *v2.GetTreeRequest, stream v2.ContentAddressableStorage_GetTreeServer) error {
	ctx := stream.Context()

	var dirs []*v2.Directory
	var walk func(*v2.Digest) error
	walk = func(pb *v2.Digest) error {
		data, err := d.readBlob(ctx, pb)
		if err != nil {
			return status.Errorf(codes.NotFound, "directory %s: %s", pb.Hash, err)
		}
		var dir v2.Directory
		if err := proto.Unmarshal(data, &dir); err != nil {
			return status.Errorf(codes.DataLoss, "unmarshalling directory %s: %s", pb.Hash, err)
		}
		dirs = append(dirs, &dir)
		for _, sub := range dir.Directories {
			if err := walk(sub.Digest); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(req.RootDigest); err != nil {
		return err
	}
	return stream.Send(&v2.GetTreeResponse{Directories: dirs})
}

// GetCapabilities implements v2.CapabilitiesServer.
func (d *Daemon) GetCapabilities(ctx context.Context, req *v2.GetCapabilitiesRequest) (*v2.ServerCapabilities, error) {
	return &v2.ServerCapabilities{
		CacheCapabilities: &v2.CacheCapabilities{
			DigestFunctions: []v2.DigestFunction_Value{v2.DigestFunction_SHA256},
			ActionCacheUpdateCapabilities: &v2.ActionCacheUpdateCapabilities{
				UpdateEnabled: true,
			},
		},
		LowApiVersion:  &semver.SemVer{Major: 2, Minor: 0, Patch: 0},
		HighApiVersion: &semver.SemVer{Major: 2, Minor: 0, Patch: 0},
	}, nil
}

// MarkReachable registers the current reachability set (every Digest
// referenced, directly or transitively, by an Artifact or Source proto
// this invocation knows is in use) so a subsequent quota eviction pass
// never deletes live content, §5 "Quota/eviction".
func (d *Daemon) MarkReachable(set map[digestpkg.Digest]bool) {
	d.mu.Lock()
	d.reachable = set
	d.mu.Unlock()
}

// evictIfNeeded implements the "Quota/eviction" behaviour of §5: when the
// store exceeds quota, delete least-recently-accessed blobs not present in
// the reachable set last registered via MarkReachable.
func (d *Daemon) evictIfNeeded(ctx context.Context) error {
	var total int64
	var infos []content.Info
	if err := d.store.Walk(ctx, func(i content.Info) error {
		total += i.Size
		infos = append(infos, i)
		return nil
	}); err != nil {
		return err
	}
	if total <= d.quota {
		return nil
	}

	d.mu.Lock()
	accessed := make(map[digestpkg.Digest]time.Time, len(d.accessed))
	for k, v := range d.accessed {
		accessed[k] = v
	}
	reachable := d.reachable
	d.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		ti, oki := accessed[infos[i].Digest]
		tj, okj := accessed[infos[j].Digest]
		if !oki {
			ti = infos[i].CreatedAt
		}
		if !okj {
			tj = infos[j].CreatedAt
		}
		return ti.Before(tj)
	})

	for _, info := range infos {
		if total <= d.quota {
			break
		}
		if reachable != nil && reachable[info.Digest] {
			continue
		}
		if err := d.store.Delete(ctx, info.Digest); err != nil {
			logrus.WithError(err).WithField("digest", info.Digest).Warn("casd: eviction delete failed")
			continue
		}
		total -= info.Size
	}
	return nil
}
