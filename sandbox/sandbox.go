// Package sandbox defines the abstract Sandbox Interface that BuildQueue
// runs element commands through. It is intentionally a contract only —
// concrete execution backends (runc, buildkit workers, remote execution
// services) are an external collaborator per spec.md's non-goals, the same
// way the teacher treats its buildkit frontend/worker pairing as something
// the core solver depends on without owning.
package sandbox

import (
	"context"
	"io"

	"github.com/buildstream-go/buildstream/cas"
)

// Command is one shell-style command line to run inside the sandbox, with
// its own environment overlay. Argv splitting of a raw command string
// (google/shlex, per the domain stack) happens before this struct is
// built; Sandbox implementations only ever see already-split argv.
type Command struct {
	Argv []string
	Env  map[string]string
	// Dir is the working directory, relative to the sandbox root.
	Dir string
}

// MountPoint describes one input tree staged into the sandbox before
// commands run, keyed by a digest already present in CAS.
type MountPoint struct {
	Path     string
	Tree     cas.Digest
	ReadOnly bool
}

// RunResult is what Run reports for one Command.
type RunResult struct {
	ExitCode int
	Stdout   io.Reader
	Stderr   io.Reader
}

// Sandbox is the abstract contract a build executes against: stage input
// trees, run a sequence of commands against them with a per-command
// environment, and capture the resulting filesystem (or a subset of it,
// per split-rule globs) back into CAS. BuildQueue depends only on this
// interface; which concrete backend answers it is chosen by deployment
// configuration, never by the scheduler or queue layer.
type Sandbox interface {
	// Stage materialises mounts into the sandbox's root filesystem before
	// any command runs.
	Stage(ctx context.Context, mounts []MountPoint) error

	// Run executes cmd inside the already-staged sandbox, returning its
	// exit status and captured output streams. Commands run sequentially;
	// a non-zero exit code is reported, not turned into an error — the
	// caller (BuildQueue) decides whether that means job failure.
	Run(ctx context.Context, cmd Command) (RunResult, error)

	// Capture ingests the subset of the sandbox's filesystem matched by
	// include/exclude glob pairs (§3 split-rule globs) into CAS, returning
	// the resulting Directory digest.
	Capture(ctx context.Context, includeGlobs, excludeGlobs []string) (cas.Digest, error)

	// Close tears down the sandbox's resources. A Sandbox is single-use:
	// one Stage/Run*/Capture sequence, then Close.
	Close(ctx context.Context) error
}

// Factory constructs a fresh Sandbox for one build job. Swapping the
// concrete execution backend is exactly swapping the Factory a deployment
// wires into the scheduler.
type Factory func(ctx context.Context) (Sandbox, error)
