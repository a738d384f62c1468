package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/element"
	"github.com/buildstream-go/buildstream/job"
	"github.com/buildstream-go/buildstream/queue"
)

// fakeQueue is a scripted queue: ready when an element sits in readyState,
// advancing it to nextState on success. process may be overridden per test.
type fakeQueue struct {
	name       string
	readyState element.ElementState
	nextState  element.ElementState

	process func(el *element.Element) job.Result

	mu        sync.Mutex
	processed []string
}

func (q *fakeQueue) Name() string                    { return q.name }
func (q *fakeQueue) Requirements() queue.Requirements { return 0 }
func (q *fakeQueue) MaxConcurrent() int              { return 0 }

func (q *fakeQueue) Status(el *element.Element) queue.ReadinessStatus {
	if el.State == q.readyState {
		return queue.StatusReady
	}
	return queue.StatusSkip
}

func (q *fakeQueue) Process(ctx context.Context, el *element.Element, sink job.Sink) job.Result {
	q.mu.Lock()
	q.processed = append(q.processed, el.FullName)
	q.mu.Unlock()
	if q.process != nil {
		return q.process(el)
	}
	return job.Result{Status: job.StatusOK}
}

func (q *fakeQueue) Done(el *element.Element, result job.Result) {
	switch result.Status {
	case job.StatusOK:
		el.State = q.nextState
	case job.StatusFailed:
		el.State = element.StateFailed
		if result.Err != nil {
			el.FailReason = result.Err.Error()
		}
	}
}

func (q *fakeQueue) processedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processed)
}

func newTestElement(name string, state element.ElementState) *element.Element {
	return &element.Element{Name: name, FullName: name, State: state}
}

func TestRunAdvancesElementsThroughQueues(t *testing.T) {
	q1 := &fakeQueue{name: "first", readyState: element.StateResolved, nextState: element.StateNeedsBuild}
	q2 := &fakeQueue{name: "second", readyState: element.StateNeedsBuild, nextState: element.StateDone}
	s := New([]queue.Queue{q1, q2}, Options{})

	targets := []*element.Element{
		newTestElement("a.bst", element.StateResolved),
		newTestElement("b.bst", element.StateResolved),
	}

	result, err := s.Run(context.Background(), targets)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Cancelled {
		t.Fatalf("run was unexpectedly cancelled")
	}
	for _, r := range result.Elements {
		if r.State != element.StateDone {
			t.Fatalf("element %s ended in %v, want done", r.Element.FullName, r.State)
		}
	}
	if q1.processedCount() != 2 || q2.processedCount() != 2 {
		t.Fatalf("expected both queues to process both elements, got %d and %d",
			q1.processedCount(), q2.processedCount())
	}
}

func TestElementNeverActiveInTwoQueuesAtOnce(t *testing.T) {
	// Both queues claim readiness for the same state; the busy set must
	// keep the element out of the second queue while the first runs it.
	var active, maxActive int32
	track := func(el *element.Element) job.Result {
		n := atomic.AddInt32(&active, 1)
		for {
			max := atomic.LoadInt32(&maxActive)
			if n <= max || atomic.CompareAndSwapInt32(&maxActive, max, n) {
				break
			}
		}
		atomic.AddInt32(&active, -1)
		return job.Result{Status: job.StatusOK}
	}

	q1 := &fakeQueue{name: "one", readyState: element.StateResolved, nextState: element.StateBuilt, process: track}
	q2 := &fakeQueue{name: "two", readyState: element.StateResolved, nextState: element.StateBuilt, process: track}
	s := New([]queue.Queue{q1, q2}, Options{})

	targets := []*element.Element{newTestElement("contested.bst", element.StateResolved)}
	if _, err := s.Run(context.Background(), targets); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := atomic.LoadInt32(&maxActive); got > 1 {
		t.Fatalf("element was active in %d queues simultaneously", got)
	}
	if q1.processedCount()+q2.processedCount() != 1 {
		t.Fatalf("expected exactly one queue to process the element, got %d + %d",
			q1.processedCount(), q2.processedCount())
	}
}

func TestRetryableFailureExhaustsIntoHardFailure(t *testing.T) {
	q := &fakeQueue{
		name:       "flaky",
		readyState: element.StateResolved,
		nextState:  element.StateDone,
		process: func(el *element.Element) job.Result {
			return job.Result{Status: job.StatusRetryable, Err: errors.New("transient")}
		},
	}
	s := New([]queue.Queue{q}, Options{RetryMax: 1})

	targets := []*element.Element{newTestElement("flaky.bst", element.StateResolved)}
	result, err := s.Run(context.Background(), targets)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// RetryMax=1 means one initial attempt plus one retry.
	if got := q.processedCount(); got != 2 {
		t.Fatalf("expected 2 attempts (1 + 1 retry), got %d", got)
	}
	if result.Elements[0].State != element.StateFailed {
		t.Fatalf("exhausted retries must end failed, got %v", result.Elements[0].State)
	}
	if result.Elements[0].FailErr == nil {
		t.Fatalf("expected a recorded failure error")
	}
}

func TestRetryableFailureEventuallySucceeds(t *testing.T) {
	var attempts int32
	q := &fakeQueue{
		name:       "recovers",
		readyState: element.StateResolved,
		nextState:  element.StateDone,
		process: func(el *element.Element) job.Result {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return job.Result{Status: job.StatusRetryable, Err: errors.New("transient")}
			}
			return job.Result{Status: job.StatusOK}
		},
	}
	s := New([]queue.Queue{q}, Options{RetryMax: 2})

	targets := []*element.Element{newTestElement("recovers.bst", element.StateResolved)}
	result, err := s.Run(context.Background(), targets)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Elements[0].State != element.StateDone {
		t.Fatalf("a recovered element must end done, got %v", result.Elements[0].State)
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestOnErrorQuitStopsScheduling(t *testing.T) {
	q1 := &fakeQueue{
		name:       "fails",
		readyState: element.StateResolved,
		nextState:  element.StateBuilt,
		process: func(el *element.Element) job.Result {
			return job.Result{Status: job.StatusFailed, Err: errors.New("boom")}
		},
	}
	q2 := &fakeQueue{name: "after", readyState: element.StateBuilt, nextState: element.StateDone}
	s := New([]queue.Queue{q1, q2}, Options{OnError: OnErrorQuit})

	targets := []*element.Element{newTestElement("doomed.bst", element.StateResolved)}
	result, err := s.Run(context.Background(), targets)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Elements[0].State != element.StateFailed {
		t.Fatalf("expected the element to end failed, got %v", result.Elements[0].State)
	}
	if q2.processedCount() != 0 {
		t.Fatalf("no further queue work should run after a quit-triggering failure")
	}
}

func TestInteractivePromptRetryAndQuit(t *testing.T) {
	var prompts int
	q := &fakeQueue{
		name:       "always-fails",
		readyState: element.StateNeedsBuild,
		nextState:  element.StateDone,
		process: func(el *element.Element) job.Result {
			return job.Result{Status: job.StatusFailed, Err: errors.New("build broke")}
		},
	}
	prompt := func(el *element.Element, failErr error) InteractiveAction {
		prompts++
		if prompts == 1 {
			return ActionRetry
		}
		return ActionQuit
	}
	s := New([]queue.Queue{q}, Options{OnError: OnErrorInteractive, Prompt: prompt})

	targets := []*element.Element{newTestElement("broken.bst", element.StateNeedsBuild)}
	if _, err := s.Run(context.Background(), targets); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if prompts != 2 {
		t.Fatalf("expected the prompt to fire twice (retry, then quit), got %d", prompts)
	}
	if q.processedCount() != 2 {
		t.Fatalf("expected the retried job to run twice, got %d", q.processedCount())
	}
}

func TestBuildNeverStartsBeforeDependencies(t *testing.T) {
	q := &fakeQueue{name: "dep-gated", readyState: element.StateResolved, nextState: element.StateDone}

	dep := newTestElement("base.bst", element.StateResolved)
	top := newTestElement("app.bst", element.StateResolved)
	top.BuildDepElements = []*element.Element{dep}

	var order []string
	var mu sync.Mutex
	q.process = func(el *element.Element) job.Result {
		mu.Lock()
		order = append(order, el.FullName)
		mu.Unlock()
		return job.Result{Status: job.StatusOK}
	}

	gated := &gatedQueue{inner: q}
	s := New([]queue.Queue{gated}, Options{})
	if _, err := s.Run(context.Background(), []*element.Element{dep, top}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(order) != 2 || order[0] != "base.bst" || order[1] != "app.bst" {
		t.Fatalf("dependency must complete before its dependent starts, got order %v", order)
	}
}

// gatedQueue wraps a fakeQueue with the BuildQueue edge policy: an element
// waits until every build dependency reached a final state.
type gatedQueue struct {
	inner *fakeQueue
}

func (g *gatedQueue) Name() string                     { return g.inner.Name() }
func (g *gatedQueue) Requirements() queue.Requirements { return g.inner.Requirements() }
func (g *gatedQueue) MaxConcurrent() int               { return g.inner.MaxConcurrent() }

func (g *gatedQueue) Status(el *element.Element) queue.ReadinessStatus {
	if el.State != g.inner.readyState {
		return queue.StatusSkip
	}
	for _, dep := range el.BuildDepElements {
		if dep.State != element.StateDone {
			return queue.StatusWait
		}
	}
	return queue.StatusReady
}

func (g *gatedQueue) Process(ctx context.Context, el *element.Element, sink job.Sink) job.Result {
	return g.inner.Process(ctx, el, sink)
}

func (g *gatedQueue) Done(el *element.Element, result job.Result) { g.inner.Done(el, result) }
