package job

import (
	"context"
	"testing"
	"time"
)

func drain(t *testing.T, messages <-chan Message) []Message {
	t.Helper()
	var out []Message
	for m := range messages {
		out = append(out, m)
	}
	return out
}

func TestRunSuccess(t *testing.T) {
	body := func(ctx context.Context, sink Sink) Result {
		sink.Emit(Message{Severity: SeverityInfo, Text: "starting"})
		sink.Emit(Message{Severity: SeveritySuccess, Text: "done"})
		return Result{Status: StatusOK, CacheKey: "abc"}
	}

	result, messages := Run(context.Background(), "hello.bst", nil, body)
	msgs := drain(t, messages)

	if result.Status != StatusOK {
		t.Fatalf("expected StatusOK, got %v", result.Status)
	}
	if result.CacheKey != "abc" {
		t.Fatalf("expected cache key %q, got %q", "abc", result.CacheKey)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Seq != 1 || msgs[1].Seq != 2 {
		t.Fatalf("expected monotonically increasing sequence numbers, got %d, %d", msgs[0].Seq, msgs[1].Seq)
	}
	for _, m := range msgs {
		if m.TaskID != "hello.bst" {
			t.Fatalf("expected task id to default to the job's taskID, got %q", m.TaskID)
		}
	}
}

func TestRunPanicBecomesStatusFailed(t *testing.T) {
	body := func(ctx context.Context, sink Sink) Result {
		panic("kaboom")
	}

	result, messages := Run(context.Background(), "bad.bst", nil, body)
	drain(t, messages)

	if result.Status != StatusFailed {
		t.Fatalf("expected a panicking body to produce StatusFailed, got %v", result.Status)
	}
	if result.Err == nil {
		t.Fatalf("expected a non-nil error describing the panic")
	}
}

func TestRunRecordsDuration(t *testing.T) {
	body := func(ctx context.Context, sink Sink) Result {
		time.Sleep(time.Millisecond)
		return Result{Status: StatusOK}
	}
	result, messages := Run(context.Background(), "slow.bst", nil, body)
	drain(t, messages)
	if result.Duration <= 0 {
		t.Fatalf("expected a positive duration, got %v", result.Duration)
	}
}

func TestMessageStreamSeverity(t *testing.T) {
	cases := []struct {
		sev  Severity
		want int
	}{
		{SeverityInfo, streamStdout},
		{SeverityDebug, streamStdout},
		{SeverityWarn, streamStderr},
		{SeverityFail, streamStderr},
		{SeverityBug, streamStderr},
	}
	for _, c := range cases {
		m := Message{Severity: c.sev}
		if got := m.stream(); got != c.want {
			t.Fatalf("Message{Severity: %v}.stream() = %d, want %d", c.sev, got, c.want)
		}
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusOK:        "ok",
		StatusFailed:    "failed",
		StatusRetryable: "retryable",
		StatusSkipped:   "skipped",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Fatalf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}
