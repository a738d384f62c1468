package cas

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RetryPolicy governs the bounded-retry-with-backoff behaviour required of
// every remote call, §4.9: "Retry policy for remote calls: per-call timeout
// (default 60s), bounded retries with exponential backoff on transient
// gRPC codes."
type RetryPolicy struct {
	// Timeout bounds a single attempt, including its network round trip.
	Timeout time.Duration
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt; it doubles (with
	// jitter) on each subsequent attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy matches §4.9's stated defaults.
var DefaultRetryPolicy = RetryPolicy{
	Timeout:     60 * time.Second,
	MaxAttempts: 4,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// transientCodes are the gRPC status codes considered retryable.
var transientCodes = map[codes.Code]bool{
	codes.Unavailable:       true,
	codes.DeadlineExceeded:  true,
	codes.ResourceExhausted: true,
	codes.Aborted:           true,
}

// IsTemporary reports whether err is a gRPC status carrying a transient
// code, the signal withRetry uses to decide whether to retry a CAS call
// (§7, §5.3 "Temporary errors").
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(errors.Cause(err))
	if !ok {
		return false
	}
	return transientCodes[st.Code()]
}

// withRetry runs fn under policy, retrying on transient errors with
// exponential backoff plus jitter, and bounding each attempt to
// policy.Timeout.
func withRetry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	delay := policy.BaseDelay
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTemporary(err) || attempt == policy.MaxAttempts-1 {
			return err
		}

		jitter := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay/2 + jitter/2):
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return lastErr
}
