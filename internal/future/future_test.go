package future

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPendingResolveDeliversValue(t *testing.T) {
	t.Parallel()

	p := New[string]()
	if p.Settled() {
		t.Fatal("new pending result reports settled")
	}

	p.Resolve("Hi Amy")

	if !p.Settled() {
		t.Fatal("resolved pending result reports unsettled")
	}

	got, err := p.Await(context.Background())
	if err != nil {
		t.Fatalf("Await returned error: %v", err)
	}
	if got != "Hi Amy" {
		t.Fatalf("Await = %q, want %q", got, "Hi Amy")
	}
}

func TestPendingRejectDeliversError(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("backend exploded")
	p := New[int]()
	p.Reject(sentinel)

	_, err := p.Await(context.Background())
	if !errors.Is(err, sentinel) {
		t.Fatalf("Await error = %v, want %v", err, sentinel)
	}
}

func TestPendingFirstSettlementWins(t *testing.T) {
	t.Parallel()

	p := New[int]()
	p.Resolve(1)
	p.Resolve(2)
	p.Reject(errors.New("too late"))

	got, err := p.Await(context.Background())
	if err != nil {
		t.Fatalf("Await returned error: %v", err)
	}
	if got != 1 {
		t.Fatalf("Await = %d, want 1 (first settlement)", got)
	}
}

func TestPendingAwaitHonoursContext(t *testing.T) {
	t.Parallel()

	p := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Await(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Await error = %v, want context.Canceled", err)
	}

	// The handle itself is still unsettled and can settle later.
	if p.Settled() {
		t.Fatal("abandoned wait settled the pending result")
	}
	p.Resolve(42)
	got, err := p.Await(context.Background())
	if err != nil || got != 42 {
		t.Fatalf("Await after late resolve = (%d, %v), want (42, nil)", got, err)
	}
}

func TestPendingDoneUnblocksWaiters(t *testing.T) {
	t.Parallel()

	p := New[int]()

	const waiters = 4
	var wg sync.WaitGroup
	results := make([]int, waiters)
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func(i int) {
			defer wg.Done()
			<-p.Done()
			v, _ := p.Result()
			results[i], _ = v.(int)
		}(i)
	}

	p.Resolve(7)
	wg.Wait()

	for i, got := range results {
		if got != 7 {
			t.Fatalf("waiter %d observed %d, want 7", i, got)
		}
	}
}

func TestResolvedAndRejectedConstructors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := Resolved("ok").Await(ctx)
	if err != nil || v != "ok" {
		t.Fatalf("Resolved.Await = (%q, %v), want (ok, nil)", v, err)
	}

	sentinel := errors.New("nope")
	_, err = Rejected[string](sentinel).Await(ctx)
	if !errors.Is(err, sentinel) {
		t.Fatalf("Rejected.Await error = %v, want %v", err, sentinel)
	}
}

func TestPendingImplementsAwaitable(t *testing.T) {
	t.Parallel()

	var a Awaitable = Resolved(99)
	<-a.Done()
	v, err := a.Result()
	if err != nil {
		t.Fatalf("Result returned error: %v", err)
	}
	if v.(int) != 99 {
		t.Fatalf("Result = %v, want 99", v)
	}
}
