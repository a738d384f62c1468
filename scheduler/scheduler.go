// Package scheduler implements the Scheduler, §4.5: a single-threaded
// coordinator dispatching queue jobs to worker goroutines, bounded by
// global resource pools, with retry/backoff on temporary failures,
// interactive failure handling, and two-phase cancellation. Grounded on
// the teacher's cmd/localdev, which drives a buildkit Solve from one
// coordinating goroutine while streaming worker events back over a
// channel (cmd/localdev/progress.go); the coordinator/worker split here
// generalises that shape to the spec's six standing queues instead of one
// buildkit solve.
package scheduler

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/vito/progrock"
	"go.opentelemetry.io/otel"
	"golang.org/x/sys/unix"

	"github.com/buildstream-go/buildstream/element"
	"github.com/buildstream-go/buildstream/job"
	"github.com/buildstream-go/buildstream/queue"
)

var tracer = otel.Tracer("github.com/buildstream-go/buildstream/scheduler")

// WhatToDo is the set of phases a Run invocation should perform, §4.5
// "run(targets, what_to_do: set of {TRACK, FETCH, BUILD, PULL, PUSH})".
type WhatToDo struct {
	Track bool
	Pull  bool
	Fetch bool
	Build bool
	Push  bool
}

// OnError governs what happens when an element's job hard-fails, §4.5.
type OnError int

const (
	// OnErrorContinue keeps scheduling unaffected elements (the default).
	OnErrorContinue OnError = iota
	// OnErrorQuit suppresses further dispatch immediately but lets
	// already-running jobs finish, still pushing their artifacts.
	OnErrorQuit
	// OnErrorInteractive prompts the user per §4.5 "Interactive mode".
	OnErrorInteractive
)

// InteractiveAction is the user's answer to a FAILED-job prompt, §4.5.
type InteractiveAction int

const (
	ActionContinue InteractiveAction = iota
	ActionQuit
	ActionRetry
	ActionDebug
)

// Prompt is called once per hard failure in OnErrorInteractive mode. debug
// shells into the failed sandbox via the Sandbox Interface when the
// caller implements that; the scheduler itself only needs the decision.
type Prompt func(el *element.Element, failErr error) InteractiveAction

// ElementResult is one entry of a SchedulerResult, §4.5 "a list of
// (element, final-state, cache-keys)".
type ElementResult struct {
	Element  *element.Element
	State    element.ElementState
	Keys     []string
	FailErr  error
}

// Result is what Run returns on completion, §4.5.
type Result struct {
	Elements  []ElementResult
	Cancelled bool
}

// Options configures one Scheduler.
type Options struct {
	Pools      *Pools
	RetryMax   int // K in §4.5 "up to K automatic retries"; 0 uses the default of 2.
	OnError    OnError
	Prompt     Prompt
	Recorder   *progrock.Recorder
	MaxJobsPerQueue int // 0: unbounded within the global pools
}

const defaultRetryMax = 2

var (
	jobsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildstream_scheduler_jobs_started_total",
		Help: "Jobs dispatched by the scheduler, by queue.",
	}, []string{"queue"})
	jobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildstream_scheduler_jobs_failed_total",
		Help: "Jobs that hard-failed, by queue.",
	}, []string{"queue"})
	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "buildstream_scheduler_job_duration_seconds",
		Help: "Job wall-clock duration, by queue.",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(jobsStarted, jobsFailed, jobDuration)
}

// Scheduler coordinates a fixed StandardOrder of queues over a set of
// elements, §4.5.
type Scheduler struct {
	queues  []queue.Queue
	opts    Options
	retryMax int
}

// New builds a Scheduler over queues, which the caller constructs in
// queue.StandardOrder (or a subset of it matching the requested
// WhatToDo).
func New(queues []queue.Queue, opts Options) *Scheduler {
	retryMax := opts.RetryMax
	if retryMax <= 0 {
		retryMax = defaultRetryMax
	}
	if opts.Pools == nil {
		opts.Pools = NewPools(PoolLimits{Process: 4, Network: 4, Upload: 2})
	}
	return &Scheduler{queues: queues, opts: opts, retryMax: retryMax}
}

// elementTracker is the coordinator's bookkeeping for one element across
// the whole queue pipeline: its retry counters per queue and whether it
// has been terminally resolved.
type elementTracker struct {
	el       *element.Element
	retries  map[string]int
	failErr  error
}

// Run drives targets through the scheduler's queues to completion,
// cancellation, or a quit request, §4.5. targets must already be
// dependency-sorted (element.Loader's output satisfies this).
func (s *Scheduler) Run(ctx context.Context, targets []*element.Element) (Result, error) {
	ctx, span := tracer.Start(ctx, "scheduler.Run")
	defer span.End()

	ctx, cancel := s.withCancellation(ctx)
	defer cancel()

	trackers := make(map[string]*elementTracker, len(targets))
	for _, el := range targets {
		trackers[el.FullName] = &elementTracker{el: el, retries: map[string]int{}}
	}

	quitting := false
	var mu sync.Mutex // guards quitting, busy and element State/FailReason mutation from completion callbacks
	var wg sync.WaitGroup
	cancelled := false

	// busy enforces §4.5's ordering guarantee that an element is never
	// active in two queues simultaneously: a dispatched element is skipped
	// by every later queue scan until its job completes.
	busy := map[string]bool{}
	// queueActive counts in-flight jobs per queue for the per-queue
	// max_concurrent bound of §4.4, independent of the global pools.
	queueActive := map[string]int{}

	for {
		progressed := false

		for _, q := range s.queues {
			mu.Lock()
			shouldQuit := quitting
			mu.Unlock()
			if shouldQuit && q.Name() != "artifact-push" {
				// Once quitting, only artifact-push still dispatches, so
				// artifacts built before the quit are still uploaded.
				continue
			}

			for _, el := range targets {
				t := trackers[el.FullName]

				maxConcurrent := q.MaxConcurrent()
				if maxConcurrent <= 0 {
					maxConcurrent = s.opts.MaxJobsPerQueue
				}

				mu.Lock()
				if busy[el.FullName] || (maxConcurrent > 0 && queueActive[q.Name()] >= maxConcurrent) {
					mu.Unlock()
					continue
				}
				st := q.Status(t.el)
				mu.Unlock()
				if st != queue.StatusReady {
					continue
				}
				progressed = true

				mask := requirementsMask(q.Requirements())
				rel, err := s.opts.Pools.acquire(ctx, mask)
				if err != nil {
					cancelled = true
					break
				}

				mu.Lock()
				busy[el.FullName] = true
				queueActive[q.Name()]++
				mu.Unlock()

				wg.Add(1)
				go func(q queue.Queue, t *elementTracker, rel release) {
					defer wg.Done()
					defer rel()
					defer func() {
						mu.Lock()
						delete(busy, t.el.FullName)
						queueActive[q.Name()]--
						mu.Unlock()
					}()
					s.runJob(ctx, q, t, &mu, &quitting)
				}(q, t, rel)
			}
		}

		wg.Wait()

		select {
		case <-ctx.Done():
			cancelled = true
		default:
		}

		if cancelled || !progressed {
			break
		}
	}
	wg.Wait()

	result := Result{Cancelled: cancelled}
	for _, el := range targets {
		result.Elements = append(result.Elements, ElementResult{
			Element: el,
			State:   el.State,
			Keys:    []string{el.Keys.Weak.String(), el.Keys.Strict.String(), el.Keys.Strong.String()},
			FailErr: trackers[el.FullName].failErr,
		})
	}
	return result, nil
}

func (s *Scheduler) runJob(ctx context.Context, q queue.Queue, t *elementTracker, mu *sync.Mutex, quitting *bool) {
	qname := q.Name()
	taskID := qname + ":" + t.el.FullName
	jobsStarted.WithLabelValues(qname).Inc()

	result, messages := job.Run(ctx, taskID, s.opts.Recorder, func(ctx context.Context, sink job.Sink) job.Result {
		return q.Process(ctx, t.el, sink)
	})
	for m := range messages {
		logrus.WithFields(logrus.Fields{"queue": qname, "element": t.el.FullName, "severity": m.Severity}).Debug(m.Text)
	}
	jobDuration.WithLabelValues(qname).Observe(result.Duration.Seconds())

	if result.Status == job.StatusRetryable {
		mu.Lock()
		t.retries[qname]++
		attempt := t.retries[qname]
		mu.Unlock()
		if attempt <= s.retryMax {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			result.Status = job.StatusRetryable // re-observe readiness next tick; Done below leaves state untouched
			mu.Lock()
			q.Done(t.el, result)
			mu.Unlock()
			return
		}
		result.Status = job.StatusFailed
		if result.Err == nil {
			result.Err = errors.Errorf("%s: exhausted %d retries", qname, s.retryMax)
		}
	}

	mu.Lock()
	q.Done(t.el, result)
	if result.Status == job.StatusFailed {
		jobsFailed.WithLabelValues(qname).Inc()
		t.failErr = result.Err
		s.onFailure(t, quitting)
	}
	mu.Unlock()
}

// onFailure applies §4.5's failure semantics once a job has exhausted
// retries: mark dependents SKIPPED (handled lazily by BuildQueue.Status
// seeing a FAILED upstream), and honour OnError.
func (s *Scheduler) onFailure(t *elementTracker, quitting *bool) {
	switch s.opts.OnError {
	case OnErrorQuit:
		*quitting = true
	case OnErrorInteractive:
		if s.opts.Prompt == nil {
			return
		}
		switch s.opts.Prompt(t.el, t.failErr) {
		case ActionQuit:
			*quitting = true
		case ActionRetry:
			t.el.State = element.StateNeedsBuild // best-effort: caller's Prompt should pick a state matching the queue that failed
			t.failErr = nil
		case ActionDebug:
			// Shelling into the sandbox is a Sandbox Interface concern the
			// caller's Prompt implementation owns; the scheduler only
			// needs to know whether to keep going afterwards, so this
			// behaves like ActionContinue here.
		}
	}
}

func requirementsMask(r queue.Requirements) [numResources]bool {
	var mask [numResources]bool
	mask[resProcess] = r.Has(queue.ResourceProcess)
	mask[resCache] = r.Has(queue.ResourceCache)
	mask[resNetwork] = r.Has(queue.ResourceNetwork)
	mask[resUpload] = r.Has(queue.ResourceUpload)
	return mask
}

// withCancellation wraps ctx so that one SIGINT moves the scheduler into
// the graceful-terminating phase (context cancelled, already-running jobs
// finish) and a second forces an immediate hard cancel, §5 "two-phase
// cancellation".
func (s *Scheduler) withCancellation(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			logrus.Warn("scheduler: received interrupt, entering graceful termination")
			cancel()
		case <-ctx.Done():
			signal.Stop(sigCh)
			return
		}
		select {
		case <-sigCh:
			logrus.Error("scheduler: received second interrupt, forcing immediate shutdown")
			os.Exit(130)
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
