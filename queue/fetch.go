package queue

import (
	"context"

	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/element"
	"github.com/buildstream-go/buildstream/job"
)

// FetchQueue fetches element sources into the local source cache, §4.4
// step 3. Skipped entirely for an element that PullQueue already
// satisfied.
type FetchQueue struct {
	deps Deps
}

func NewFetchQueue(deps Deps) *FetchQueue { return &FetchQueue{deps: deps} }

func (q *FetchQueue) Name() string             { return "fetch" }
func (q *FetchQueue) Requirements() Requirements { return Requirements(ResourceNetwork | ResourceCache) }
func (q *FetchQueue) MaxConcurrent() int       { return 0 }

func (q *FetchQueue) Status(el *element.Element) ReadinessStatus {
	// StateResolved is accepted as well as StateNeedsFetch so that a run
	// configured without PullQueue (e.g. `fetch`) still reaches this phase.
	if el.State != element.StateResolved && el.State != element.StateNeedsFetch {
		return StatusSkip
	}
	for _, s := range el.Sources {
		if s.Tree.Empty() {
			return StatusReady
		}
	}
	// Nothing to fetch; advance past this phase so BuildQueue can pick the
	// element up. Status runs under the coordinator's lock, so this
	// transition is serialised with Done callbacks.
	el.State = element.StateNeedsBuild
	return StatusSkip
}

// fingerprint is the Source Store lookup key for a source, §4.8: its kind
// plus its plugin-contributed unique key (which for many plugins already
// names content directly, e.g. a git SHA).
func fingerprint(kind, uniqueKey string) string {
	return kind + ":" + uniqueKey
}

func (q *FetchQueue) Process(ctx context.Context, el *element.Element, sink job.Sink) job.Result {
	for _, s := range el.Sources {
		if !s.Tree.Empty() {
			continue
		}
		plugin, ok := q.deps.Sources.Lookup(s.Kind)
		if !ok {
			return job.Result{Status: job.StatusFailed, Err: errors.Errorf("no source plugin registered for kind %q", s.Kind)}
		}

		key := fingerprint(s.Kind, plugin.GetUniqueKey(s.Config, s.Ref))

		if tree, err := q.deps.SourceCache.Get(ctx, key); err == nil {
			s.Tree = tree
			s.IsCached = true
			continue
		}

		pulled := false
		for _, remote := range q.deps.SourceRemotes {
			if !remote.Contains(ctx, key) {
				continue
			}
			sink.Emit(job.Message{Severity: job.SeverityStart, Text: "pulling source " + key})
			t, err := q.deps.SourceCache.Pull(ctx, key, remote)
			if err != nil {
				return job.Result{Status: job.StatusRetryable, Err: errors.Wrapf(err, "pulling source %s", key)}
			}
			s.Tree = t
			pulled = true
			break
		}
		if pulled {
			s.IsCached = true
			continue
		}

		sink.Emit(job.Message{Severity: job.SeverityStart, Text: "fetching " + el.FullName + " source " + s.Kind})
		t, err := plugin.Fetch(ctx, q.deps.CAS, s.Config, s.Ref)
		if err != nil {
			return job.Result{Status: job.StatusRetryable, Err: errors.Wrapf(err, "fetching source %s", s.Kind)}
		}
		if err := q.deps.SourceCache.Put(ctx, key, t); err != nil {
			return job.Result{Status: job.StatusFailed, Err: errors.Wrap(err, "caching fetched source")}
		}
		s.Tree = t
		s.IsCached = true
		sink.Emit(job.Message{Severity: job.SeveritySuccess, Text: "fetched " + s.Kind})
	}
	return job.Result{Status: job.StatusOK}
}

func (q *FetchQueue) Done(el *element.Element, result job.Result) {
	switch result.Status {
	case job.StatusOK:
		el.State = element.StateNeedsBuild
	case job.StatusFailed:
		el.State = element.StateFailed
		if result.Err != nil {
			el.FailReason = result.Err.Error()
		}
	case job.StatusRetryable:
	}
}
