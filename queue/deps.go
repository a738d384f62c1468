package queue

import (
	"github.com/buildstream-go/buildstream/artifact"
	"github.com/buildstream-go/buildstream/cas"
	"github.com/buildstream-go/buildstream/source"
	"github.com/buildstream-go/buildstream/sourcecache"
)

// Deps bundles the shared collaborators every standard queue needs. It is
// constructed once per scheduler run and handed to each queue
// constructor, mirroring how the teacher's localdev command wires one
// buildkit client and solve options into every subcommand rather than
// each one dialing its own.
type Deps struct {
	CAS       *cas.Client
	Sources   *source.Registry
	Artifacts *artifact.Store
	SourceCache *sourcecache.Store

	// ArtifactRemotes are additional artifact stores consulted in declaration
	// order by PullQueue/ArtifactPushQueue (§4.7 "remote").
	ArtifactRemotes []*artifact.Store
	// SourceRemotes are additional source stores consulted by FetchQueue
	// and SourcePushQueue (§4.8).
	SourceRemotes []*sourcecache.Store

	// Strict reports whether the current run is in strict mode, §4.3
	// "Strict-mode policy": governs whether PullQueue looks artifacts up
	// by the strict key alone or accepts any artifact sharing the weak key.
	Strict bool
}
