// Package job implements the Job Runner, §4.6: each queue dispatch runs the
// queue's process body in a goroutine of the coordinator's own process,
// working on the shared Element directly (no snapshot of the Element graph
// is taken or passed), streams log lines and structured Messages back to
// the coordinator, and returns a JobResult. Grounded on the teacher's cmd/localdev/progress.go, which
// assembles vito/progrock StatusUpdates (Vertex/VertexTask/VertexLog) from
// a buildkit solver event stream and hands them to a progrock.Recorder;
// here the event source is a queue body instead of a buildkit solve.
package job

import (
	"context"
	"fmt"
	"time"

	"github.com/vito/progrock"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Status is a job's terminal outcome, §4.6.
type Status int

const (
	StatusOK Status = iota
	StatusFailed
	StatusRetryable
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusRetryable:
		return "retryable"
	case StatusSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is what a worker returns on completion, §4.6.
type Result struct {
	Status   Status
	CacheKey string
	Detail   string
	Err      error
	Duration time.Duration
}

// Severity is a Message's log level, §4.6.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityStatus  Severity = "status"
	SeverityInfo    Severity = "info"
	SeverityWarn    Severity = "warn"
	SeverityStart   Severity = "start"
	SeveritySuccess Severity = "success"
	SeverityFail    Severity = "fail"
	SeverityBug     Severity = "bug"
)

// buildkit's client.VertexLog.Stream convention, reused here rather than
// invented: 1 is stdout, 2 is stderr.
const (
	streamStdout = 1
	streamStderr = 2
)

// Message is a structured log/progress event streamed from a worker to the
// coordinator, §4.6. Seq is a monotonic sequence number assigned at the
// worker so the coordinator can merge per-element logs from multiple
// workers into one ordered stream (§4.5).
type Message struct {
	Severity Severity
	TaskID   string
	Text     string
	Seq      uint64
	At       time.Time
}

func (m Message) stream() int {
	if m.Severity == SeverityWarn || m.Severity == SeverityFail || m.Severity == SeverityBug {
		return streamStderr
	}
	return streamStdout
}

// Sink is how a running job emits Messages.
type Sink interface {
	Emit(m Message)
}

type chanSink struct {
	ch     chan<- Message
	taskID string
	seq    *uint64
}

func (s *chanSink) Emit(m Message) {
	if m.TaskID == "" {
		m.TaskID = s.taskID
	}
	*s.seq++
	m.Seq = *s.seq
	m.At = time.Now()
	s.ch <- m
}

// Body is the work a job performs: the queue's process(element) closure,
// §4.4 "process". Run wraps a panicking body as StatusFailed so one
// misbehaving queue body can never take down the worker loop.
type Body func(ctx context.Context, sink Sink) Result

// Run executes body as one job tagged taskID, streaming its Messages on a
// channel the caller drains, and — when rec is non-nil — mirroring them as
// a progrock Vertex with its log lines, the same StatusUpdate shape the
// teacher's progress.go builds from a buildkit solve.
func Run(ctx context.Context, taskID string, rec *progrock.Recorder, body Body) (result Result, messages <-chan Message) {
	ch := make(chan Message, 64)
	var seq uint64
	sink := &chanSink{ch: ch, taskID: taskID, seq: &seq}

	started := time.Now()
	recordVertexStart(rec, taskID)

	out := make(chan Result, 1)
	go func() {
		defer close(ch)
		defer func() {
			if r := recover(); r != nil {
				out <- Result{Status: StatusFailed, Err: fmt.Errorf("job %s panicked: %v", taskID, r)}
			}
		}()
		res := body(ctx, sink)
		res.Duration = time.Since(started)
		out <- res
	}()

	// The body must never block on a slow consumer: collect everything as
	// it arrives (recording to progrock immediately), then replay on the
	// returned channel once the body is done.
	mirrored := make(chan Message, 64)
	go func() {
		defer close(mirrored)
		var all []Message
		for m := range ch {
			recordVertexLog(rec, m)
			all = append(all, m)
		}
		for _, m := range all {
			mirrored <- m
		}
	}()

	result = <-out
	recordVertexDone(rec, taskID, result)
	return result, mirrored
}

func recordVertexStart(rec *progrock.Recorder, taskID string) {
	if rec == nil {
		return
	}
	now := timestamppb.Now()
	_ = rec.Record(&progrock.StatusUpdate{
		Vertexes: []*progrock.Vertex{{Id: taskID, Name: taskID, Started: now}},
	})
}

func recordVertexLog(rec *progrock.Recorder, m Message) {
	if rec == nil {
		return
	}
	_ = rec.Record(&progrock.StatusUpdate{
		Logs: []*progrock.VertexLog{{
			Vertex:    m.TaskID,
			Stream:    progrock.LogStream(m.stream()),
			Data:      []byte(m.Text + "\n"),
			Timestamp: timestamppb.New(m.At),
		}},
	})
}

func recordVertexDone(rec *progrock.Recorder, taskID string, result Result) {
	if rec == nil {
		return
	}
	now := timestamppb.Now()
	v := &progrock.Vertex{Id: taskID, Name: taskID, Completed: now}
	if result.Err != nil {
		msg := result.Err.Error()
		v.Error = &msg
	}
	_ = rec.Record(&progrock.StatusUpdate{Vertexes: []*progrock.Vertex{v}})
}
