// Package future provides a one-shot pending result: an asynchronous handle
// that is eventually resolved with a value or rejected with an error, exactly
// once. It is the delivery mechanism used by the delaying interceptor; the
// caller is never blocked by a delayed call, it decides when (and whether) to
// wait on the handle.
package future

import (
	"context"
	"sync"
)

// Awaitable marks a value as an asynchronous result. The interceptor uses
// this capability to decide whether a wrapped call returned a plain value or
// a still-pending computation whose settled value must be delivered instead.
// An explicit interface is used rather than structural probing so unrelated
// types cannot be mistaken for pending results.
type Awaitable interface {
	// Done is closed once the result has settled.
	Done() <-chan struct{}
	// Result reports the settled value or error. It must only be called
	// after Done is closed.
	Result() (any, error)
}

// Pending is a one-shot promise. It starts unsettled, transitions exactly
// once to resolved or rejected, and stays settled forever after. All methods
// are safe for concurrent use.
type Pending[T any] struct {
	done chan struct{}
	once sync.Once

	value T
	err   error
}

var _ Awaitable = (*Pending[any])(nil)

// New returns an unsettled pending result.
func New[T any]() *Pending[T] {
	return &Pending[T]{done: make(chan struct{})}
}

// Resolved returns a pending result that has already settled with value.
func Resolved[T any](value T) *Pending[T] {
	p := New[T]()
	p.Resolve(value)
	return p
}

// Rejected returns a pending result that has already failed with err.
func Rejected[T any](err error) *Pending[T] {
	p := New[T]()
	p.Reject(err)
	return p
}

// Resolve settles the pending result with value. Calls after the first
// settlement are ignored.
func (p *Pending[T]) Resolve(value T) {
	p.once.Do(func() {
		p.value = value
		close(p.done)
	})
}

// Reject settles the pending result with err. Calls after the first
// settlement are ignored.
func (p *Pending[T]) Reject(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Done returns a channel that is closed once the result has settled.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether the result has been resolved or rejected.
func (p *Pending[T]) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result reports the settled value or error. It must only be called after
// Done is closed. This is the Awaitable form of the result; Await is the
// blocking convenience over it.
func (p *Pending[T]) Result() (any, error) {
	return p.value, p.err
}

// Await blocks until the result settles or ctx is cancelled. On cancellation
// the pending result itself is left untouched; only this wait is abandoned.
func (p *Pending[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
