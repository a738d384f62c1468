package queue

import (
	"context"

	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/element"
	"github.com/buildstream-go/buildstream/job"
)

// ArtifactPushQueue uploads a built element's artifact to writable
// remotes, §4.4 step 5.
type ArtifactPushQueue struct {
	deps Deps
}

func NewArtifactPushQueue(deps Deps) *ArtifactPushQueue { return &ArtifactPushQueue{deps: deps} }

func (q *ArtifactPushQueue) Name() string             { return "artifact-push" }
func (q *ArtifactPushQueue) Requirements() Requirements { return Requirements(ResourceNetwork | ResourceUpload) }
func (q *ArtifactPushQueue) MaxConcurrent() int       { return 0 }

func (q *ArtifactPushQueue) Status(el *element.Element) ReadinessStatus {
	if el.State != element.StateBuilt && el.State != element.StateNeedsPush {
		return StatusSkip
	}
	if len(q.deps.ArtifactRemotes) == 0 {
		return StatusSkip
	}
	return StatusReady
}

func (q *ArtifactPushQueue) Process(ctx context.Context, el *element.Element, sink job.Sink) job.Result {
	a, err := q.deps.Artifacts.Load(ctx, el.Project, el.Name, el.Keys.Strong)
	if err != nil {
		return job.Result{Status: job.StatusFailed, Err: errors.Wrap(err, "loading locally-built artifact for push")}
	}
	for _, remote := range q.deps.ArtifactRemotes {
		sink.Emit(job.Message{Severity: job.SeverityStart, Text: "pushing " + el.FullName + " to remote"})
		if err := q.deps.Artifacts.Push(ctx, el.Project, el.Name, a, remote); err != nil {
			return job.Result{Status: job.StatusRetryable, Err: errors.Wrapf(err, "pushing artifact for %s", el.FullName)}
		}
	}
	sink.Emit(job.Message{Severity: job.SeveritySuccess, Text: "pushed " + el.FullName})
	return job.Result{Status: job.StatusOK}
}

func (q *ArtifactPushQueue) Done(el *element.Element, result job.Result) {
	switch result.Status {
	case job.StatusOK:
		el.State = element.StateDone
	case job.StatusFailed:
		el.State = element.StateFailed
		if result.Err != nil {
			el.FailReason = result.Err.Error()
		}
	case job.StatusRetryable:
	}
}

// SourcePushQueue optionally uploads staged sources, §4.4 step 6.
type SourcePushQueue struct {
	deps Deps
}

func NewSourcePushQueue(deps Deps) *SourcePushQueue { return &SourcePushQueue{deps: deps} }

func (q *SourcePushQueue) Name() string             { return "source-push" }
func (q *SourcePushQueue) Requirements() Requirements { return Requirements(ResourceNetwork | ResourceUpload) }
func (q *SourcePushQueue) MaxConcurrent() int       { return 0 }

func (q *SourcePushQueue) Status(el *element.Element) ReadinessStatus {
	if el.State != element.StateBuilt && el.State != element.StateNeedsPush && el.State != element.StateDone {
		return StatusSkip
	}
	if len(q.deps.SourceRemotes) == 0 {
		return StatusSkip
	}
	for _, s := range el.Sources {
		if s.IsCached && !s.IsPushed {
			return StatusReady
		}
	}
	return StatusSkip
}

func (q *SourcePushQueue) Process(ctx context.Context, el *element.Element, sink job.Sink) job.Result {
	for _, s := range el.Sources {
		if !s.IsCached || s.IsPushed {
			continue
		}
		plugin, ok := q.deps.Sources.Lookup(s.Kind)
		if !ok {
			continue
		}
		key := fingerprint(s.Kind, plugin.GetUniqueKey(s.Config, s.Ref))
		for _, remote := range q.deps.SourceRemotes {
			sink.Emit(job.Message{Severity: job.SeverityStart, Text: "pushing source " + key})
			if err := q.deps.SourceCache.Push(ctx, key, remote); err != nil {
				return job.Result{Status: job.StatusRetryable, Err: errors.Wrapf(err, "pushing source %s", key)}
			}
		}
		s.IsPushed = true
	}
	return job.Result{Status: job.StatusOK}
}

func (q *SourcePushQueue) Done(el *element.Element, result job.Result) {
	switch result.Status {
	case job.StatusOK:
		if el.State == element.StateBuilt || el.State == element.StateNeedsPush {
			el.State = element.StateDone
		}
	case job.StatusFailed:
		el.State = element.StateFailed
		if result.Err != nil {
			el.FailReason = result.Err.Error()
		}
	case job.StatusRetryable:
	}
}
