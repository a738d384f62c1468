package element

import (
	"fmt"
	"strings"

	"github.com/buildstream-go/buildstream/node"
)

// Reason is the machine-readable tag on a LoadError, §4.2 / §7.
type Reason string

const (
	ReasonInvalidSchema       Reason = "invalid-schema"
	ReasonUnknownKey          Reason = "unknown-key"
	ReasonDuplicateDependency Reason = "duplicate-dependency"
	ReasonInvalidDependency   Reason = "invalid-dependency"
	ReasonCircularDependency  Reason = "circular-dependency"
	ReasonCircularInclude     Reason = "circular-include"
	ReasonJunctionNotFound    Reason = "junction-not-found"
	ReasonElementNotFound     Reason = "element-not-found"
	// ReasonSubprojectInaccessible: an element that lives in a subproject
	// was referenced by bare name from the parent project (§8 "Junction
	// isolation").
	ReasonSubprojectInaccessible Reason = "subproject-inaccessible"
	ReasonLinkHasDependencies Reason = "link-has-dependencies"
	ReasonLinkCycle           Reason = "link-cycle"
)

// LoadError is the structured error surfaced by the Element Loader, §4.2.
type LoadError struct {
	Reason     Reason
	Message    string
	Provenance node.Provenance
	err        error
}

func (e *LoadError) Error() string {
	if e.Provenance.File != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Reason, e.Message, e.Provenance)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *LoadError) Unwrap() error { return e.err }

func newLoadError(reason Reason, pos node.Provenance, format string, args ...interface{}) *LoadError {
	return &LoadError{Reason: reason, Message: fmt.Sprintf(format, args...), Provenance: pos}
}

// CircularDependencyError carries the full provenance chain of a
// dependency cycle discovered during closure construction, §4.2 step 7.
type CircularDependencyError struct {
	Chain []string // element full-names, in cycle order, first repeated at the end
}

func (e *CircularDependencyError) Error() string {
	return "circular dependency: " + strings.Join(e.Chain, " -> ")
}
