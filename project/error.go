package project

import (
	"fmt"

	"github.com/buildstream-go/buildstream/node"
)

// Reason is the machine-readable tag on a project LoadError, §7.
type Reason string

const (
	ReasonProjectVersion Reason = "project-version"
	ReasonInvalidSchema  Reason = "invalid-schema"
	ReasonDuplicateOpt   Reason = "duplicate-option"
	ReasonToplevelOnly   Reason = "toplevel-only-key-in-include"
)

// Error is the structured error surfaced by the Project Loader.
type Error struct {
	Reason     Reason
	Message    string
	Provenance node.Provenance
	err        error
}

func (e *Error) Error() string {
	if e.Provenance.File != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Reason, e.Message, e.Provenance)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

func newError(reason Reason, pos node.Provenance, format string, args ...interface{}) *Error {
	return &Error{Reason: reason, Message: fmt.Sprintf(format, args...), Provenance: pos}
}
