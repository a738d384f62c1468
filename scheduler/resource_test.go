package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestNewPoolsDefaultsCacheToOne(t *testing.T) {
	p := NewPools(PoolLimits{})
	if cap(p.sem[resCache]) != 1 {
		t.Fatalf("expected cache pool to default to capacity 1, got %d", cap(p.sem[resCache]))
	}
	if p.sem[resProcess] != nil {
		t.Fatalf("expected an unset Process limit to leave the pool unbounded (nil), got a channel")
	}
}

func TestPoolsAcquireRespectsLimit(t *testing.T) {
	p := NewPools(PoolLimits{Process: 1})
	mask := [numResources]bool{resProcess: true}

	rel1, err := p.acquire(context.Background(), mask)
	if err != nil {
		t.Fatalf("unexpected error acquiring first token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.acquire(ctx, mask)
	if err == nil {
		t.Fatalf("expected acquiring a second token from a capacity-1 pool to block until context deadline")
	}

	rel1()

	rel2, err := p.acquire(context.Background(), mask)
	if err != nil {
		t.Fatalf("expected acquire to succeed once the first token was released: %v", err)
	}
	rel2()
}

func TestPoolsAcquireRollsBackOnCancellation(t *testing.T) {
	p := NewPools(PoolLimits{Process: 1, Network: 0})
	// Exhaust Process, then try to acquire it again under a deadline: the
	// Process wait is cancelled and the failed attempt must neither claim
	// nor hand back a token.
	mask := [numResources]bool{resProcess: true}
	rel, err := p.acquire(context.Background(), mask)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.acquire(ctx, mask)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}

	// Process pool should still show exactly the one outstanding token
	// held by rel — not doubly-held nor leaked by the failed attempt.
	select {
	case <-p.sem[resProcess]:
		t.Fatalf("process pool token should still be held by the first acquire")
	default:
	}
}

func TestPoolsUnboundedResourceNeverBlocks(t *testing.T) {
	p := NewPools(PoolLimits{})
	mask := [numResources]bool{resNetwork: true}
	rel, err := p.acquire(context.Background(), mask)
	if err != nil {
		t.Fatalf("unexpected error acquiring an unlimited resource: %v", err)
	}
	rel()
}
