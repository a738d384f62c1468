package queue

import (
	"context"
	"io"

	"github.com/google/shlex"
	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/artifact"
	"github.com/buildstream-go/buildstream/element"
	"github.com/buildstream-go/buildstream/job"
	"github.com/buildstream-go/buildstream/node"
	"github.com/buildstream-go/buildstream/sandbox"
)

// BuildQueue builds an element in a sandbox, §4.4 step 4. Skipped
// entirely for an element PullQueue already satisfied.
type BuildQueue struct {
	deps    Deps
	factory sandbox.Factory
}

func NewBuildQueue(deps Deps, factory sandbox.Factory) *BuildQueue {
	return &BuildQueue{deps: deps, factory: factory}
}

func (q *BuildQueue) Name() string             { return "build" }
func (q *BuildQueue) Requirements() Requirements { return Requirements(ResourceProcess | ResourceCache) }
func (q *BuildQueue) MaxConcurrent() int       { return 0 }

// Status is ready only once every build dependency has reached a state
// that makes its artifact available, §4.4 "Edge policy".
func (q *BuildQueue) Status(el *element.Element) ReadinessStatus {
	if el.State != element.StateNeedsBuild {
		return StatusSkip
	}
	for _, dep := range el.BuildDepElements {
		switch dep.State {
		case element.StatePulled, element.StateLocalCached, element.StateBuilt, element.StateNeedsPush, element.StateDone:
			continue
		case element.StateFailed, element.StateSkipped:
			// §4.5 "dependents are marked SKIPPED". Status runs under the
			// coordinator's lock, so the transition is serialised with Done.
			el.State = element.StateSkipped
			return StatusSkip
		default:
			return StatusWait
		}
	}
	return StatusReady
}

func (q *BuildQueue) Process(ctx context.Context, el *element.Element, sink job.Sink) job.Result {
	sb, err := q.factory(ctx)
	if err != nil {
		return job.Result{Status: job.StatusRetryable, Err: errors.Wrap(err, "creating sandbox")}
	}
	defer sb.Close(ctx)

	var mounts []sandbox.MountPoint
	for _, dep := range el.BuildDepElements {
		if dep.OutputFiles.Empty() {
			continue
		}
		mounts = append(mounts, sandbox.MountPoint{Path: "/", Tree: dep.OutputFiles, ReadOnly: false})
	}
	for _, s := range el.Sources {
		if s.Tree.Empty() {
			continue
		}
		mounts = append(mounts, sandbox.MountPoint{Path: "/", Tree: s.Tree})
	}
	if err := sb.Stage(ctx, mounts); err != nil {
		return job.Result{Status: job.StatusRetryable, Err: errors.Wrap(err, "staging sandbox inputs")}
	}

	var commandsN *node.Node
	if el.Config != nil {
		commandsN, _ = el.Config.Get("commands")
	}
	commands, err := parseCommands(commandsN)
	if err != nil {
		return job.Result{Status: job.StatusFailed, Err: err}
	}

	for _, cmd := range commands {
		sink.Emit(job.Message{Severity: job.SeverityStart, Text: "running " + joinArgv(cmd.Argv)})
		res, err := sb.Run(ctx, cmd)
		if err != nil {
			return job.Result{Status: job.StatusRetryable, Err: errors.Wrapf(err, "running %v", cmd.Argv)}
		}
		drainTo(sink, job.SeverityInfo, res.Stdout)
		drainTo(sink, job.SeverityWarn, res.Stderr)
		if res.ExitCode != 0 {
			detail := errors.Errorf("command %v exited %d", cmd.Argv, res.ExitCode).Error()
			// Persist the failure too: a later run (or another host pulling
			// from us) finds the recorded error instead of rebuilding, §4.7.
			failed := q.newArtifact(el)
			failed.Error = detail
			if err := q.deps.Artifacts.Store(ctx, el.Project, el.Name, failed); err != nil {
				sink.Emit(job.Message{Severity: job.SeverityWarn, Text: "recording failed build: " + err.Error()})
			}
			return job.Result{Status: job.StatusFailed, Detail: detail}
		}
	}

	var includeGlobs, excludeGlobs []string
	for domain, globs := range el.SplitRules {
		if domain == "" || domain == "*" {
			includeGlobs = append(includeGlobs, globs...)
		}
	}
	tree, err := sb.Capture(ctx, includeGlobs, excludeGlobs)
	if err != nil {
		return job.Result{Status: job.StatusRetryable, Err: errors.Wrap(err, "capturing build output")}
	}

	el.OutputFiles = tree

	a := q.newArtifact(el)
	a.Success = true
	a.Files = tree
	if el.Public != nil {
		pd, err := q.deps.CAS.PushBlob(ctx, []byte(node.Canonical(el.Public)))
		if err != nil {
			return job.Result{Status: job.StatusRetryable, Err: errors.Wrap(err, "uploading public data")}
		}
		a.Public = pd
	}
	if err := q.deps.Artifacts.Store(ctx, el.Project, el.Name, a); err != nil {
		return job.Result{Status: job.StatusRetryable, Err: errors.Wrap(err, "storing artifact")}
	}

	sink.Emit(job.Message{Severity: job.SeveritySuccess, Text: "built " + el.FullName})
	return job.Result{Status: job.StatusOK, CacheKey: el.Keys.Strong.String()}
}

// newArtifact builds the Artifact proto skeleton for el: keys, workspace
// flag and the dependency descriptor list of §3 "Artifact proto".
func (q *BuildQueue) newArtifact(el *element.Element) *artifact.Artifact {
	a := &artifact.Artifact{
		Version:       artifact.CurrentVersion,
		WeakKey:       el.Keys.Weak,
		StrictKey:     el.Keys.Strict,
		StrongKey:     el.Keys.Strong,
		WasWorkspaced: el.WasWorkspaced,
	}
	for _, dep := range el.BuildDepElements {
		a.Dependencies = append(a.Dependencies, artifact.Dependency{
			ProjectName:   dep.Project,
			ElementName:   dep.Name,
			CacheKey:      dep.Keys.Strong,
			WasWorkspaced: dep.WasWorkspaced,
		})
	}
	return a
}

func parseCommands(n *node.Node) ([]sandbox.Command, error) {
	if n == nil || n.Kind != node.KindSequence {
		return nil, nil
	}
	var out []sandbox.Command
	for _, item := range n.Sequence {
		argv, err := shlex.Split(item.String())
		if err != nil {
			return nil, errors.Wrapf(err, "parsing build command %q", item.String())
		}
		out = append(out, sandbox.Command{Argv: argv})
	}
	return out, nil
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func drainTo(sink job.Sink, sev job.Severity, r io.Reader) {
	if r == nil {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			sink.Emit(job.Message{Severity: sev, Text: string(buf[:n])})
		}
		if err != nil {
			return
		}
	}
}

func (q *BuildQueue) Done(el *element.Element, result job.Result) {
	switch result.Status {
	case job.StatusOK:
		el.State = element.StateBuilt
	case job.StatusSkipped:
		el.State = element.StateSkipped
	case job.StatusFailed:
		el.State = element.StateFailed
		el.FailReason = result.Detail
		if result.Err != nil {
			el.FailReason = result.Err.Error()
		}
	case job.StatusRetryable:
	}
}
