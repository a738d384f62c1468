package cas

import (
	"context"
	"fmt"
	"io"
	"net"

	v2 "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var tracer = otel.Tracer("buildstream/cas")

// Client is a typed handle onto one CAS endpoint — either the local daemon
// reached over a unix socket, or a remote CAS/capabilities service reached
// over a network gRPC connection. Both speak the same REAPI v2 protocol,
// so a single Client type serves both roles (§2 "CAS Client").
type Client struct {
	conn *grpc.ClientConn
	cas  v2.ContentAddressableStorageClient
	caps v2.CapabilitiesClient

	instanceName string
}

// DialLocal connects to the local CAS daemon listening on a unix domain
// socket, as started by casd.Daemon.
func DialLocal(ctx context.Context, socketPath string) (*Client, error) {
	conn, err := grpc.DialContext(ctx, "unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing local cas daemon at %s", socketPath)
	}
	return newClient(conn, "")
}

// DialEmbedded connects to an in-process casd.Daemon via dialer (typically
// a *casd.PipeListener's Dialer) instead of a real unix socket, used when
// the daemon and client share a process — tests, and the CLI's own
// embedded casd when no CAS socket path is given.
func DialEmbedded(ctx context.Context, dialer func(context.Context, string) (net.Conn, error)) (*Client, error) {
	conn, err := grpc.DialContext(ctx, "pipe",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "dialing embedded cas daemon")
	}
	return newClient(conn, "")
}

// DialRemote connects to a remote CAS/Capabilities/Asset service, e.g. a
// shared build cache, addressed by instanceName per the REAPI convention.
func DialRemote(ctx context.Context, target, instanceName string, opts ...grpc.DialOption) (*Client, error) {
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing remote cas %s", target)
	}
	return newClient(conn, instanceName)
}

func newClient(conn *grpc.ClientConn, instanceName string) (*Client, error) {
	return &Client{
		conn:         conn,
		cas:          v2.NewContentAddressableStorageClient(conn),
		caps:         v2.NewCapabilitiesClient(conn),
		instanceName: instanceName,
	}, nil
}

// Close releases the underlying gRPC connection.
func (c *Client) Close() error { return c.conn.Close() }

// FindMissingBlobs reports which of digests are not yet present in the
// store, so callers can skip re-uploading what is already there.
func (c *Client) FindMissingBlobs(ctx context.Context, digests []Digest) ([]Digest, error) {
	ctx, span := tracer.Start(ctx, "cas.FindMissingBlobs", trace.WithAttributes())
	defer span.End()

	req := &v2.FindMissingBlobsRequest{InstanceName: c.instanceName}
	for _, d := range digests {
		req.BlobDigests = append(req.BlobDigests, d.ToProto())
	}

	resp, err := c.cas.FindMissingBlobs(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "FindMissingBlobs")
	}

	out := make([]Digest, 0, len(resp.MissingBlobDigests))
	for _, d := range resp.MissingBlobDigests {
		out = append(out, FromProto(d))
	}
	return out, nil
}

// BatchUpdateBlobs uploads one or more blobs in a single round trip.
func (c *Client) BatchUpdateBlobs(ctx context.Context, blobs map[Digest][]byte) error {
	ctx, span := tracer.Start(ctx, "cas.BatchUpdateBlobs")
	defer span.End()

	req := &v2.BatchUpdateBlobsRequest{InstanceName: c.instanceName}
	for d, data := range blobs {
		req.Requests = append(req.Requests, &v2.BatchUpdateBlobsRequest_Request{
			Digest: d.ToProto(),
			Data:   data,
		})
	}

	resp, err := c.cas.BatchUpdateBlobs(ctx, req)
	if err != nil {
		return errors.Wrap(err, "BatchUpdateBlobs")
	}
	for _, r := range resp.Responses {
		if r.Status != nil && r.Status.Code != 0 {
			return errors.Errorf("uploading blob %s: %s", FromProto(r.Digest), r.Status.Message)
		}
	}
	return nil
}

// BatchReadBlobs downloads one or more blobs in a single round trip.
func (c *Client) BatchReadBlobs(ctx context.Context, digests []Digest) (map[Digest][]byte, error) {
	ctx, span := tracer.Start(ctx, "cas.BatchReadBlobs")
	defer span.End()

	req := &v2.BatchReadBlobsRequest{InstanceName: c.instanceName}
	for _, d := range digests {
		req.Digests = append(req.Digests, d.ToProto())
	}

	resp, err := c.cas.BatchReadBlobs(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "BatchReadBlobs")
	}

	out := make(map[Digest][]byte, len(resp.Responses))
	for _, r := range resp.Responses {
		if r.Status != nil && r.Status.Code != 0 {
			return nil, errors.Errorf("reading blob %s: %s", FromProto(r.Digest), r.Status.Message)
		}
		out[FromProto(r.Digest)] = r.Data
	}
	return out, nil
}

// GetTree recursively fetches every Directory message under the Directory
// identified by root, following the Merkle-tree shape of an REAPI v2
// directory structure (§3 "Artifact proto").
func (c *Client) GetTree(ctx context.Context, root Digest) ([]*v2.Directory, error) {
	ctx, span := tracer.Start(ctx, "cas.GetTree")
	defer span.End()

	var dirs []*v2.Directory
	stream, err := c.cas.GetTree(ctx, &v2.GetTreeRequest{
		InstanceName: c.instanceName,
		RootDigest:   root.ToProto(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "GetTree")
	}
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "GetTree recv")
		}
		dirs = append(dirs, resp.Directories...)
		if len(resp.NextPageToken) == 0 {
			break
		}
	}
	return dirs, nil
}

// GetCapabilities reports the server's advertised digest function and
// cache-update capabilities, used at startup to validate compatibility.
func (c *Client) GetCapabilities(ctx context.Context) (*v2.ServerCapabilities, error) {
	return c.caps.GetCapabilities(ctx, &v2.GetCapabilitiesRequest{InstanceName: c.instanceName})
}

// String identifies this client for logging.
func (c *Client) String() string {
	return fmt.Sprintf("cas.Client{instance=%q}", c.instanceName)
}
