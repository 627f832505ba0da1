package interceptor

import (
	"context"
	"fmt"
	"time"

	"slowmo-gateway/internal/clock"
	"slowmo-gateway/internal/future"
	"slowmo-gateway/internal/metrics"
	"slowmo-gateway/internal/policy"
)

// Defer is the typed, single-function form of the delaying wrapper, used by
// the HTTP and gRPC surfaces where the callable is known at compile time and
// reflection would be waste. fn runs eagerly on the caller's goroutine; the
// returned pending result settles with fn's outcome once the policy delay
// has elapsed, measured from the moment Defer was entered.
func Defer[T any](ctx context.Context, p policy.Policy, clockSource clock.Clock, component string, fn func() (T, error)) *future.Pending[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if clockSource == nil {
		clockSource = clock.RealClock{}
	}
	if component == "" {
		component = "defer"
	}

	pending := future.New[T]()

	delay := time.Duration(0)
	if p != nil {
		delay = p.Delay()
	}
	if delay < 0 {
		delay = 0
	}
	start := clockSource.Now()
	timer := clockSource.After(delay)

	value, err := protect(fn)

	go func() {
		select {
		case <-ctx.Done():
			pending.Reject(ctx.Err())
			metrics.RecordDelayedCall(component, metrics.OutcomeCancelled, delay, 0)
			return
		case <-timer:
		}

		total := clockSource.Now().Sub(start)
		if err != nil {
			pending.Reject(err)
			metrics.RecordDelayedCall(component, metrics.OutcomeRejected, delay, total)
			return
		}
		pending.Resolve(value)
		metrics.RecordDelayedCall(component, metrics.OutcomeResolved, delay, total)
	}()

	return pending
}

// protect invokes fn, converting panics into errors so a failing callable
// rejects its pending result instead of tearing down the caller.
func protect[T any](fn func() (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			if recoveredErr, isErr := r.(error); isErr {
				err = recoveredErr
			} else {
				err = fmt.Errorf("%w: %v", ErrCallPanicked, r)
			}
		}
	}()
	return fn()
}
