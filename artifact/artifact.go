// Package artifact implements the Artifact Store (§4.7): addressing,
// persisting and looking up Artifact protos — the durable manifest of a
// built element — by element name plus strong/weak cache key, and
// push/pull of the blobs they reference to/from a remote CAS.
package artifact

import (
	"github.com/buildstream-go/buildstream/cachekey"
	"github.com/buildstream-go/buildstream/cas"
)

// Dependency is one entry of an Artifact's recorded dependency closure,
// §3 "a list of dependency descriptors (project_name, element_name,
// cache_key, was_workspaced)".
type Dependency struct {
	ProjectName   string
	ElementName   string
	CacheKey      cachekey.Key
	WasWorkspaced bool
}

// Artifact is the persistent manifest for a built element, §3 "Artifact
// proto".
type Artifact struct {
	Version int

	Success bool
	// Error is the build failure detail when Success is false; empty
	// otherwise.
	Error string

	WeakKey   cachekey.Key
	StrictKey cachekey.Key
	StrongKey cachekey.Key

	WasWorkspaced bool

	// Files is the Digest of the Directory tree holding the element's
	// output files.
	Files cas.Digest
	// Public is the Digest of the element's public data blob.
	Public cas.Digest
	// Logs is the Digest of the Directory tree holding this build's logs.
	Logs cas.Digest
	// BuildTree is the Digest of the full build sandbox's output tree,
	// present only when the project retains build trees.
	BuildTree cas.Digest
	// StagedSources is the Digest of the Directory tree of sources staged
	// for this build, present only when the project retains staged
	// sources.
	StagedSources cas.Digest

	Dependencies []Dependency
}

// CurrentVersion is the Artifact proto schema version this build of
// buildstream writes.
const CurrentVersion = 1

// referencedDigests returns every non-empty Digest this Artifact
// references, used both to verify local presence (Store.Contains/Load)
// and to compute what to push/pull.
func (a *Artifact) referencedDigests() []cas.Digest {
	var out []cas.Digest
	for _, d := range []cas.Digest{a.Files, a.Public, a.Logs, a.BuildTree, a.StagedSources} {
		if !d.Empty() {
			out = append(out, d)
		}
	}
	return out
}
