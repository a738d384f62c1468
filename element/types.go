// Package element implements the Element Loader (§4.2): parsing element
// files, expanding directives, following junctions and links, validating
// and sorting dependencies, and producing the resolved Element graph that
// the Cache-Key Engine and Scheduler consume.
package element

import (
	"fmt"

	"github.com/buildstream-go/buildstream/cachekey"
	"github.com/buildstream-go/buildstream/cas"
	"github.com/buildstream-go/buildstream/node"
)

// DependencyType is the declared relevance of a Dependency edge, §3.
type DependencyType string

const (
	DepBuild   DependencyType = "build"
	DepRuntime DependencyType = "runtime"
	DepAll     DependencyType = "all"
)

// Dependency is an edge between LoadElements, §3.
type Dependency struct {
	Type     DependencyType
	Target   string // element name, without junction prefix
	Junction string // "" for the local project
	Strict   bool
	Pos      node.Provenance
}

// dupKey is the (junction, target, type-class) identity used for the
// duplicate-dependency invariant in §4.2 step 3. Build and runtime are
// distinct type classes; "all" collides with both.
func (d Dependency) dupKey(class DependencyType) string {
	return d.Junction + ":" + d.Target + ":" + string(class)
}

// LoadElement is the transient pre-resolution element record, §3.
type LoadElement struct {
	Name     string // basename as referenced, e.g. "hello.bst"
	FullName string // project-qualified, e.g. "sub:deep:hello.bst"
	// JunctionPath is the colon-separated chain of junction names this
	// element's owning project is nested under ("" for the root project).
	JunctionPath string
	Kind         string
	Project      string // owning project name
	Raw          *node.Node
	Pos          node.Provenance
	Deps         []Dependency
	LinkTarget   string // raw `target:` value, set only when Kind == "link"
	FirstPass    bool   // junctions and links are resolved in a first pass
}

// Source is a fetchable input attached to an Element, §3.
type Source struct {
	Kind   string
	Config *node.Node
	URL    string // alias-resolved
	Ref    string

	IsResolved bool
	IsCached   bool
	// IsPushed records that SourcePushQueue has uploaded this source's
	// staged tree to every configured remote during this run.
	IsPushed bool

	// Tree is the CAS Directory digest of this source's fetched content,
	// set once FetchQueue (or a source-cache hit) has run, §4.8.
	Tree cas.Digest
}

// ElementState is the per-scheduler-run state machine position of an
// Element, §3.
type ElementState int

const (
	StateNew ElementState = iota
	StateNeedsTrack
	StateResolved
	StateNeedsFetch
	StatePulled
	StateLocalCached
	StateNeedsBuild
	StateBuilt
	StateNeedsPush
	StateDone
	StateFailed
	StateSkipped
)

func (s ElementState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNeedsTrack:
		return "needs-track"
	case StateResolved:
		return "resolved"
	case StateNeedsFetch:
		return "needs-fetch"
	case StatePulled:
		return "pulled"
	case StateLocalCached:
		return "local-cached"
	case StateNeedsBuild:
		return "needs-build"
	case StateBuilt:
		return "built"
	case StateNeedsPush:
		return "needs-push"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Element is the resolved, executable unit, §3. It is constructed once by
// the loader and afterwards mutated only by the scheduler (state
// transitions).
type Element struct {
	Name        string
	FullName    string
	Kind        string
	Project     string

	Variables   map[string]string
	Environment map[string]string
	Public      *node.Node
	// Config carries the element-kind-specific `config:` mapping (e.g. a
	// "manual" kind's build commands) with %{...} variables expanded;
	// beyond that substitution the loader does not interpret it, matching the spec's treatment of kind semantics as
	// plugin-owned, §4.2 step 1.
	Config     *node.Node
	SplitRules map[string][]string

	Sources []*Source

	BuildDeps   []*Dependency
	RuntimeDeps []*Dependency

	// resolved, post-sort pointers to dependency Elements, parallel to
	// BuildDeps/RuntimeDeps by index.
	BuildDepElements   []*Element
	RuntimeDepElements []*Element

	Keys cachekey.Keys

	State ElementState

	// WasWorkspaced records whether this element was built from an open
	// workspace rather than its sources' ordinary checkout, threaded from
	// element.Loader.WorkspaceDirs through to the Artifact proto.
	WasWorkspaced bool

	// FailReason is set when State == StateFailed, for display and for
	// the interactive continue|quit|retry|debug prompt, §4.5.
	FailReason string

	// OutputFiles is the CAS Directory digest of this element's build
	// output, populated once pulled or built.
	OutputFiles cas.Digest

	Pos node.Provenance
}

// DependencyEdge pairs a declared Dependency with its resolved Element,
// used by the graph and sort passes before Element.BuildDepElements is
// populated.
type DependencyEdge struct {
	Dependency
	Resolved *Element
}
