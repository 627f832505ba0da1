package clock

import (
	"testing"
	"time"
)

func TestRealClockNow(t *testing.T) {
	t.Parallel()

	clk := RealClock{}

	before := time.Now()
	now := clk.Now()
	after := time.Now()

	if now.Before(before) {
		t.Fatalf("clock.Now() returned time before test start: %v < %v", now, before)
	}
	if now.After(after) {
		t.Fatalf("clock.Now() returned time after test end: %v > %v", now, after)
	}
}

func TestRealClockAfter(t *testing.T) {
	t.Parallel()

	clk := RealClock{}

	deadline := 2 * time.Millisecond
	start := time.Now()
	ch := clk.After(deadline)

	select {
	case <-ch:
		if elapsed := time.Since(start); elapsed < deadline {
			t.Fatalf("After() signaled too early: elapsed=%v, deadline=%v", elapsed, deadline)
		}
	case <-time.After(time.Second):
		t.Fatal("After() channel did not signal within timeout")
	}
}

func TestRealClockAfterZero(t *testing.T) {
	t.Parallel()

	clk := RealClock{}

	select {
	case <-clk.After(0):
	case <-time.After(10 * time.Millisecond):
		t.Fatal("After(0) did not signal immediately")
	}
}
