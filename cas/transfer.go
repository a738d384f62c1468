package cas

import (
	"context"

	v2 "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

// HasBlob reports whether digest is already present, §4.9.
func (c *Client) HasBlob(ctx context.Context, d Digest) (bool, error) {
	var missing []Digest
	err := withRetry(ctx, DefaultRetryPolicy, func(ctx context.Context) error {
		var err error
		missing, err = c.FindMissingBlobs(ctx, []Digest{d})
		return err
	})
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// PushBlob uploads a single blob and returns its Digest, §4.9
// "push_blob(bytes | file) -> Digest".
func (c *Client) PushBlob(ctx context.Context, data []byte) (Digest, error) {
	d := FromBytes(data)
	err := withRetry(ctx, DefaultRetryPolicy, func(ctx context.Context) error {
		return c.BatchUpdateBlobs(ctx, map[Digest][]byte{d: data})
	})
	if err != nil {
		return Digest{}, err
	}
	return d, nil
}

// GetBlob downloads a single blob, §4.9 "get_blob(digest) -> bytes".
func (c *Client) GetBlob(ctx context.Context, d Digest) ([]byte, error) {
	var out map[Digest][]byte
	err := withRetry(ctx, DefaultRetryPolicy, func(ctx context.Context) error {
		var err error
		out, err = c.BatchReadBlobs(ctx, []Digest{d})
		return err
	})
	if err != nil {
		return nil, err
	}
	data, ok := out[d]
	if !ok {
		return nil, errors.Errorf("blob %s not returned", d)
	}
	return data, nil
}

// PullTree copies every blob reachable from root (the root Directory proto
// plus every file and subdirectory it references) from remote into local,
// skipping anything local already has, §4.9 "pull_tree(remote, root_digest)".
// This is the primitive the Artifact Store and Source Store build their
// pull operations on.
func PullTree(ctx context.Context, remote, local *Client, root Digest) error {
	dirs, err := remote.GetTree(ctx, root)
	if err != nil {
		return errors.Wrap(err, "pull_tree: fetching directory listing")
	}

	var allDigests []Digest
	dirBlobs := map[Digest][]byte{}
	for _, d := range dirs {
		raw, err := proto.Marshal(d)
		if err != nil {
			return err
		}
		digest := FromBytes(raw)
		dirBlobs[digest] = raw
		allDigests = append(allDigests, digest)
		for _, f := range d.Files {
			allDigests = append(allDigests, FromProto(f.Digest))
		}
	}
	allDigests = append(allDigests, root)

	missing, err := local.FindMissingBlobs(ctx, dedupDigests(allDigests))
	if err != nil {
		return errors.Wrap(err, "pull_tree: checking local cache")
	}
	if len(missing) == 0 {
		return nil
	}

	var fileDigests []Digest
	for _, d := range missing {
		if _, isDir := dirBlobs[d]; !isDir {
			fileDigests = append(fileDigests, d)
		}
	}

	blobs := map[Digest][]byte{}
	for d, raw := range dirBlobs {
		blobs[d] = raw
	}
	if len(fileDigests) > 0 {
		fetched, err := remote.BatchReadBlobs(ctx, fileDigests)
		if err != nil {
			return errors.Wrap(err, "pull_tree: reading file blobs from remote")
		}
		for d, data := range fetched {
			blobs[d] = data
		}
	}

	return local.BatchUpdateBlobs(ctx, blobs)
}

// PushTree is the inverse of PullTree: every blob reachable from root in
// local that remote is missing is uploaded, §4.9 "push_tree(remote,
// root_digest)".
func PushTree(ctx context.Context, local, remote *Client, root Digest) error {
	return PullTree(ctx, local, remote, root)
}

func dedupDigests(in []Digest) []Digest {
	seen := make(map[Digest]bool, len(in))
	out := make([]Digest, 0, len(in))
	for _, d := range in {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// GetDirectory is a convenience wrapper fetching and unmarshalling a
// single Directory proto by digest.
func (c *Client) GetDirectory(ctx context.Context, d Digest) (*v2.Directory, error) {
	data, err := c.GetBlob(ctx, d)
	if err != nil {
		return nil, err
	}
	var dir v2.Directory
	if err := proto.Unmarshal(data, &dir); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling directory %s", d)
	}
	return &dir, nil
}
