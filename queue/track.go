package queue

import (
	"context"

	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/element"
	"github.com/buildstream-go/buildstream/job"
)

// TrackQueue discovers the latest ref for sources that do not already
// name one, §4.4 step 1.
type TrackQueue struct {
	deps Deps
}

func NewTrackQueue(deps Deps) *TrackQueue { return &TrackQueue{deps: deps} }

func (q *TrackQueue) Name() string             { return "track" }
func (q *TrackQueue) Requirements() Requirements { return Requirements(ResourceNetwork) }
func (q *TrackQueue) MaxConcurrent() int       { return 0 } // 0: bounded by the network pool alone

func (q *TrackQueue) Status(el *element.Element) ReadinessStatus {
	if el.State != element.StateNeedsTrack {
		return StatusSkip
	}
	for _, s := range el.Sources {
		if !s.IsResolved {
			return StatusReady
		}
	}
	return StatusSkip
}

func (q *TrackQueue) Process(ctx context.Context, el *element.Element, sink job.Sink) job.Result {
	for _, s := range el.Sources {
		if s.IsResolved {
			continue
		}
		plugin, ok := q.deps.Sources.Lookup(s.Kind)
		if !ok {
			return job.Result{Status: job.StatusFailed, Err: errors.Errorf("no source plugin registered for kind %q", s.Kind)}
		}
		sink.Emit(job.Message{Severity: job.SeverityStart, Text: "tracking " + el.FullName + " source " + s.Kind})
		ref, err := plugin.Track(ctx, s.Config)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return job.Result{Status: job.StatusSkipped}
			}
			return job.Result{Status: job.StatusRetryable, Err: errors.Wrapf(err, "tracking source %s", s.Kind)}
		}
		s.Ref = ref
		s.IsResolved = true
		sink.Emit(job.Message{Severity: job.SeveritySuccess, Text: "resolved " + s.Kind + " to " + ref})
	}
	return job.Result{Status: job.StatusOK}
}

func (q *TrackQueue) Done(el *element.Element, result job.Result) {
	switch result.Status {
	case job.StatusOK:
		el.State = element.StateResolved
	case job.StatusFailed:
		el.State = element.StateFailed
		if result.Err != nil {
			el.FailReason = result.Err.Error()
		}
	case job.StatusSkipped:
		el.State = element.StateSkipped
	case job.StatusRetryable:
		// left in place; the scheduler re-dispatches up to its retry
		// budget before demoting this to a hard failure.
	}
}
