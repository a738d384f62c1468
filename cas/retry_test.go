package cas

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsTemporary(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", status.Error(codes.Unavailable, "down"), true},
		{"deadline", status.Error(codes.DeadlineExceeded, "timeout"), true},
		{"resource-exhausted", status.Error(codes.ResourceExhausted, "quota"), true},
		{"not-found", status.Error(codes.NotFound, "missing"), false},
		{"plain-error", context.Canceled, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsTemporary(c.err); got != c.want {
				t.Fatalf("IsTemporary(%v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestWithRetrySucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	policy := RetryPolicy{Timeout: time.Second, MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := withRetry(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls)
	}
}

func TestWithRetryRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	policy := RetryPolicy{Timeout: time.Second, MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := withRetry(context.Background(), policy, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return status.Error(codes.Unavailable, "flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestWithRetryGivesUpOnNonTemporary(t *testing.T) {
	calls := 0
	policy := RetryPolicy{Timeout: time.Second, MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	wantErr := status.Error(codes.NotFound, "gone")
	err := withRetry(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected the non-temporary error to propagate immediately, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one attempt for a non-temporary error, got %d", calls)
	}
}

func TestWithRetryExhaustsMaxAttempts(t *testing.T) {
	calls := 0
	policy := RetryPolicy{Timeout: time.Second, MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := withRetry(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return status.Error(codes.Unavailable, "always flaky")
	})
	if err == nil {
		t.Fatalf("expected an error after exhausting retries")
	}
	if calls != policy.MaxAttempts {
		t.Fatalf("expected %d attempts, got %d", policy.MaxAttempts, calls)
	}
}
