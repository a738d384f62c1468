// Package cas implements the CAS Client (§4.6... see SPEC_FULL.md "CAS
// Client"): thin typed access to a local CAS daemon over a unix socket and
// to remote CAS/Capabilities services over gRPC, built on the REAPI v2
// protocol.
package cas

import (
	"fmt"

	v2 "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/opencontainers/go-digest"
)

// Digest addresses a byte blob in CAS: a content hash plus its size, §3.
type Digest struct {
	Hash string
	Size int64
}

func (d Digest) String() string { return fmt.Sprintf("%s/%d", d.Hash, d.Size) }

// Empty reports whether d has never been assigned.
func (d Digest) Empty() bool { return d.Hash == "" }

// FromBytes computes the digest of b using the CAS layer's advertised hash
// function (SHA-256, §4.3/§4.9).
func FromBytes(b []byte) Digest {
	d := digest.Canonical.FromBytes(b)
	return Digest{Hash: d.Encoded(), Size: int64(len(b))}
}

// ToProto converts a Digest to its REAPI v2 wire representation.
func (d Digest) ToProto() *v2.Digest {
	return &v2.Digest{Hash: d.Hash, SizeBytes: d.Size}
}

// FromProto converts a REAPI v2 Digest to a Digest.
func FromProto(pb *v2.Digest) Digest {
	if pb == nil {
		return Digest{}
	}
	return Digest{Hash: pb.Hash, Size: pb.SizeBytes}
}
