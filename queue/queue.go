// Package queue implements the Queue Model, §4.4: each queue is one phase
// of scheduling work (track, pull, fetch, build, artifact-push,
// source-push) that decides whether an element is ready, runs a worker
// body, and applies the resulting JobResult back onto element state.
// Grounded on the teacher's staged solver pipeline (dalec target
// resolution runs sources -> build -> post-build signing/validation as
// discrete stages over a dependency-ordered element list) generalised to
// the six standing queues the spec names.
package queue

import (
	"context"

	"github.com/buildstream-go/buildstream/element"
	"github.com/buildstream-go/buildstream/job"
)

// ReadinessStatus is the outcome of a Queue's readiness predicate, §4.4
// "status(element)".
type ReadinessStatus int

const (
	// StatusSkip: the element does not need this queue's work at all.
	StatusSkip ReadinessStatus = iota
	// StatusReady: the element's upstream prerequisites are satisfied;
	// it may be dispatched now.
	StatusReady
	// StatusWait: prerequisites are not yet satisfied; re-check later.
	StatusWait
)

func (s ReadinessStatus) String() string {
	switch s {
	case StatusSkip:
		return "skip"
	case StatusReady:
		return "ready"
	default:
		return "wait"
	}
}

// Resource is one of the global resource classes a queue may require, §5.
type Resource int

const (
	ResourceProcess Resource = 1 << iota
	ResourceCache
	ResourceNetwork
	ResourceUpload
)

// Requirements is the bitset of Resources a queue declares, §4.4
// "resource_requirements".
type Requirements Resource

func (r Requirements) Has(res Resource) bool { return Resource(r)&res != 0 }

// Queue is the contract every phase of work implements, §4.4.
type Queue interface {
	// Name identifies the queue for logging and progress display.
	Name() string

	// Requirements is the bitset of global resource classes this queue's
	// jobs consume.
	Requirements() Requirements

	// MaxConcurrent bounds how many of this queue's jobs may run at once,
	// independent of the global resource pools.
	MaxConcurrent() int

	// Status decides whether el should be enqueued, skipped, or must wait
	// on an upstream condition not yet satisfied.
	Status(el *element.Element) ReadinessStatus

	// Process runs in a worker and performs this queue's unit of work for
	// el, reporting progress on sink.
	Process(ctx context.Context, el *element.Element, sink job.Sink) job.Result

	// Done applies a completed JobResult back onto el's state, §4.4
	// "done(element, job_result)".
	Done(el *element.Element, result job.Result)
}

// StandardOrder is the fixed queue sequence of §4.4: Track, Pull, Fetch,
// Build, ArtifactPush, SourcePush. The scheduler scans queues in this
// order every tick.
var StandardOrder = []string{
	"track",
	"pull",
	"fetch",
	"build",
	"artifact-push",
	"source-push",
}
