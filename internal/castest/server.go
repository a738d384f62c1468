// Package castest provides an in-memory REAPI v2 CAS server for tests:
// enough of the ContentAddressableStorage and Capabilities surface for
// cas.Client, the artifact/source stores and the queues to exercise their
// real wire paths without a casd daemon or on-disk content store.
package castest

import (
	"context"
	"sync"
	"testing"

	v2 "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/buildstream-go/buildstream/cas"
	"github.com/buildstream-go/buildstream/casd"
)

var (
	_ v2.ContentAddressableStorageServer = (*Server)(nil)
	_ v2.CapabilitiesServer              = (*Server)(nil)
)

// Server holds blobs in a map keyed by hash. Safe for concurrent use.
type Server struct {
	v2.UnimplementedContentAddressableStorageServer
	v2.UnimplementedCapabilitiesServer

	mu    sync.Mutex
	blobs map[string][]byte
}

func NewServer() *Server {
	return &Server{blobs: map[string][]byte{}}
}

func Register(s grpc.ServiceRegistrar, srv *Server) {
	v2.RegisterContentAddressableStorageServer(s, srv)
	v2.RegisterCapabilitiesServer(s, srv)
}

// Len reports how many blobs the server holds, for assertions.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// Has reports whether the blob addressed by d is present, for assertions.
func (s *Server) Has(d cas.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[d.Hash]
	return ok
}

func (s *Server) FindMissingBlobs(ctx context.Context, req *v2.FindMissingBlobsRequest) (*v2.FindMissingBlobsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &v2.FindMissingBlobsResponse{}
	for _, pb := range req.BlobDigests {
		if _, ok := s.blobs[pb.Hash]; !ok {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, pb)
		}
	}
	return resp, nil
}

func (s *Server) BatchUpdateBlobs(ctx context.Context, req *v2.BatchUpdateBlobsRequest) (*v2.BatchUpdateBlobsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &v2.BatchUpdateBlobsResponse{}
	for _, r := range req.Requests {
		rr := &v2.BatchUpdateBlobsResponse_Response{Digest: r.Digest}
		if got := cas.FromBytes(r.Data); got.Hash != r.Digest.Hash {
			rr.Status = status.New(codes.InvalidArgument, "digest does not match data").Proto()
		} else {
			s.blobs[r.Digest.Hash] = append([]byte(nil), r.Data...)
			rr.Status = status.New(codes.OK, "").Proto()
		}
		resp.Responses = append(resp.Responses, rr)
	}
	return resp, nil
}

func (s *Server) BatchReadBlobs(ctx context.Context, req *v2.BatchReadBlobsRequest) (*v2.BatchReadBlobsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &v2.BatchReadBlobsResponse{}
	for _, pb := range req.Digests {
		rr := &v2.BatchReadBlobsResponse_Response{Digest: pb}
		if data, ok := s.blobs[pb.Hash]; ok {
			rr.Data = append([]byte(nil), data...)
			rr.Status = status.New(codes.OK, "").Proto()
		} else {
			rr.Status = status.New(codes.NotFound, "blob not found").Proto()
		}
		resp.Responses = append(resp.Responses, rr)
	}
	return resp, nil
}

func (s *Server) GetTree(req *v2.GetTreeRequest, stream v2.ContentAddressableStorage_GetTreeServer) error {
	var dirs []*v2.Directory
	var walk func(pb *v2.Digest) error
	walk = func(pb *v2.Digest) error {
		s.mu.Lock()
		data, ok := s.blobs[pb.Hash]
		s.mu.Unlock()
		if !ok {
			return status.Errorf(codes.NotFound, "directory %s not found", pb.Hash)
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

func (s *Server) GetCapabilities(ctx context.Context, req *v2.GetCapabilitiesRequest) (*v2.ServerCapabilities, error) {
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

// Start serves a fresh Server over an in-process pipe and returns it with
// a connected cas.Client. Everything is torn down via t.Cleanup.
func Start(t *testing.T) (*Server, *cas.Client) {
	t.Helper()

	srv := NewServer()
	grpcSrv := grpc.NewServer()
	Register(grpcSrv, srv)

	lis := &casd.PipeListener{}
	go grpcSrv.Serve(lis)
	t.Cleanup(func() {
		grpcSrv.Stop()
		lis.Close()
	})

	client, err := cas.DialEmbedded(context.Background(), lis.Dialer)
	if err != nil {
		t.Fatalf("dialing in-memory cas server: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return srv, client
}
