package queue

import (
	"context"

	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/cachekey"
	"github.com/buildstream-go/buildstream/element"
	"github.com/buildstream-go/buildstream/job"
)

// PullQueue attempts to pull a previously-built artifact for an element
// from configured remotes before falling back to building it, §4.4 step 2.
type PullQueue struct {
	deps Deps
}

func NewPullQueue(deps Deps) *PullQueue { return &PullQueue{deps: deps} }

func (q *PullQueue) Name() string             { return "pull" }
func (q *PullQueue) Requirements() Requirements { return Requirements(ResourceNetwork | ResourceCache) }
func (q *PullQueue) MaxConcurrent() int       { return 0 }

// key returns the cache key PullQueue looks artifacts up by, §4.3
// "Strict-mode policy": the strict key in strict mode, the weak key
// otherwise.
func (q *PullQueue) key(el *element.Element) cachekey.Key {
	if q.deps.Strict {
		return el.Keys.Strict
	}
	return el.Keys.Weak
}

func (q *PullQueue) Status(el *element.Element) ReadinessStatus {
	// Ready even with no remotes configured: Process still performs the
	// local-cache lookup that decides LOCAL_CACHED vs NEEDS_FETCH, §3.
	if el.State != element.StateResolved {
		return StatusSkip
	}
	return StatusReady
}

// detailLocalCached marks a Result as satisfied from the local artifact
// store rather than a remote, so Done can tell the two apart.
const detailLocalCached = "local-cached"

func (q *PullQueue) Process(ctx context.Context, el *element.Element, sink job.Sink) job.Result {
	key := q.key(el)
	if key.Empty() {
		return job.Result{Status: job.StatusSkipped}
	}

	if q.deps.Artifacts.Contains(ctx, el.Project, el.Name, key) {
		a, err := q.deps.Artifacts.Load(ctx, el.Project, el.Name, key)
		if err != nil {
			return job.Result{Status: job.StatusRetryable, Err: errors.Wrapf(err, "loading cached artifact for %s", el.FullName)}
		}
		if !a.Success {
			return job.Result{Status: job.StatusFailed, Detail: a.Error, CacheKey: key.String()}
		}
		el.OutputFiles = a.Files
		return job.Result{Status: job.StatusOK, CacheKey: key.String(), Detail: detailLocalCached}
	}

	for _, remote := range q.deps.ArtifactRemotes {
		if !remote.Contains(ctx, el.Project, el.Name, key) {
			continue
		}
		sink.Emit(job.Message{Severity: job.SeverityStart, Text: "pulling " + el.FullName + "@" + key.String()})
		a, err := q.deps.Artifacts.Pull(ctx, el.Project, el.Name, key, remote)
		if err != nil {
			return job.Result{Status: job.StatusRetryable, Err: errors.Wrapf(err, "pulling artifact for %s", el.FullName)}
		}
		if !a.Success {
			// A cached failure is still a hit: don't rebuild, surface the
			// recorded error instead.
			return job.Result{Status: job.StatusFailed, Detail: a.Error, CacheKey: key.String()}
		}
		el.OutputFiles = a.Files
		sink.Emit(job.Message{Severity: job.SeveritySuccess, Text: "pulled " + el.FullName})
		return job.Result{Status: job.StatusOK, CacheKey: key.String()}
	}
	return job.Result{Status: job.StatusSkipped}
}

func (q *PullQueue) Done(el *element.Element, result job.Result) {
	switch result.Status {
	case job.StatusOK:
		if result.Detail == detailLocalCached {
			el.State = element.StateLocalCached
		} else {
			el.State = element.StatePulled
		}
	case job.StatusSkipped:
		el.State = element.StateNeedsFetch
	case job.StatusFailed:
		el.State = element.StateFailed
		el.FailReason = result.Detail
	case job.StatusRetryable:
	}
}
