// Package interceptor implements the delaying call wrapper at the heart of
// the gateway: an arbitrary target value is wrapped so that every invocable
// member, when called, has its result delivered only after the policy delay
// has elapsed. Data members pass through unchanged and undelayed. The
// underlying call runs eagerly at invocation time; only delivery is delayed,
// which makes the injected latency purely additive to whatever latency the
// call already has.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"slowmo-gateway/internal/clock"
	"slowmo-gateway/internal/future"
	"slowmo-gateway/internal/metrics"
	"slowmo-gateway/internal/policy"
)

var (
	// ErrUnknownMember is the rejection for a call to a member the target
	// does not expose.
	ErrUnknownMember = errors.New("interceptor: unknown member")

	// ErrNotInvocable is the rejection for a call to a data member.
	ErrNotInvocable = errors.New("interceptor: member is not invocable")

	// ErrCallPanicked wraps non-error panic values recovered from the
	// underlying call.
	ErrCallPanicked = errors.New("interceptor: wrapped call panicked")
)

// Option applies an optional configuration to a Proxy during construction.
type Option func(*Proxy)

// WithClock injects a custom clock for deterministic delay timing in tests.
func WithClock(clockSource clock.Clock) Option {
	return func(p *Proxy) {
		p.clockSource = clockSource
	}
}

// WithComponent sets the component label recorded on delayed-call metrics.
func WithComponent(name string) Option {
	return func(p *Proxy) {
		p.component = name
	}
}

// Proxy is the wrapped form of a target value. It exposes the target's
// members by name: data members via Member (undelayed) and invocable members
// via Call (always delayed, always asynchronous). A Proxy holds only a
// reference to the target and the policy; it never mutates the target.
type Proxy struct {
	policy      policy.Policy
	clockSource clock.Clock
	component   string

	invocables map[string]reflect.Value
	data       map[string]reflect.Value
}

// Wrap builds a Proxy over target. Supported targets are structs, pointers
// to structs, and maps with string keys. Methods and func-typed members are
// invocable; exported non-func fields and non-func map values are data
// members. The policy is consulted once per invocation, never cached, so the
// delay can be changed live between calls.
func Wrap(target any, p policy.Policy, opts ...Option) (*Proxy, error) {
	if target == nil {
		return nil, errors.New("interceptor: target is nil")
	}
	if p == nil {
		return nil, errors.New("interceptor: policy is nil")
	}

	proxy := &Proxy{
		policy:      p,
		clockSource: clock.RealClock{},
		component:   "interceptor",
		invocables:  make(map[string]reflect.Value),
		data:        make(map[string]reflect.Value),
	}

	value := reflect.ValueOf(target)
	if err := proxy.collectMembers(value); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(proxy)
	}

	return proxy, nil
}

// collectMembers indexes the target's methods, fields and map entries by
// member name.
func (p *Proxy) collectMembers(value reflect.Value) error {
	typ := value.Type()

	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if !method.IsExported() {
			continue
		}
		p.invocables[method.Name] = value.Method(i)
	}

	structValue := value
	if structValue.Kind() == reflect.Pointer {
		if structValue.IsNil() {
			return errors.New("interceptor: target is a nil pointer")
		}
		structValue = structValue.Elem()
	}

	switch structValue.Kind() {
	case reflect.Struct:
		structType := structValue.Type()
		for i := 0; i < structType.NumField(); i++ {
			field := structType.Field(i)
			if !field.IsExported() {
				continue
			}
			fieldValue := structValue.Field(i)
			if field.Type.Kind() == reflect.Func {
				p.invocables[field.Name] = fieldValue
			} else {
				p.data[field.Name] = fieldValue
			}
		}
	case reflect.Map:
		if structValue.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("interceptor: unsupported map key type %s", structValue.Type().Key())
		}
		iter := structValue.MapRange()
		for iter.Next() {
			name := iter.Key().String()
			entry := iter.Value()
			// Unwrap interface-typed map values to their dynamic type so
			// func entries are recognised as invocable.
			if entry.Kind() == reflect.Interface && !entry.IsNil() {
				entry = entry.Elem()
			}
			if entry.Kind() == reflect.Func {
				p.invocables[name] = entry
			} else {
				p.data[name] = entry
			}
		}
	default:
		if len(p.invocables) == 0 {
			return fmt.Errorf("interceptor: unsupported target kind %s", structValue.Kind())
		}
	}

	return nil
}

// Member returns the value of a data member. The value is the target's own,
// returned immediately with no delay. The second return reports whether a
// data member with that name exists.
func (p *Proxy) Member(name string) (any, bool) {
	v, ok := p.data[name]
	if !ok {
		return nil, false
	}
	return v.Interface(), true
}

// Invocable reports whether the named member exists and can be called.
func (p *Proxy) Invocable(name string) bool {
	_, ok := p.invocables[name]
	return ok
}

// Members returns the sorted names of all members, invocable or not.
func (p *Proxy) Members() []string {
	names := make([]string, 0, len(p.invocables)+len(p.data))
	for name := range p.invocables {
		names = append(names, name)
	}
	for name := range p.data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes the named member eagerly and returns a pending result that
// settles with the member's return values once the policy delay has elapsed.
// The returned slice holds the non-error return values in declaration order.
//
// The call itself runs on the caller's goroutine, so side effects happen at
// call time; the caller is never blocked by the delay. Failures - an unknown
// member, a panic, a non-nil trailing error, or a rejected Awaitable result -
// are delivered as rejections after the same delay, the way a slow backend
// fails slowly. Cancelling ctx releases the delivery and rejects the pending
// result with the context error.
func (p *Proxy) Call(ctx context.Context, name string, args ...any) *future.Pending[[]any] {
	if ctx == nil {
		ctx = context.Background()
	}

	pending := future.New[[]any]()

	fn, ok := p.invocables[name]
	if !ok {
		if _, isData := p.data[name]; isData {
			pending.Reject(fmt.Errorf("%w: %s", ErrNotInvocable, name))
		} else {
			pending.Reject(fmt.Errorf("%w: %s", ErrUnknownMember, name))
		}
		return pending
	}

	// Snapshot the delay once per invocation, before the eager call, so the
	// delivery timer is measured from call time.
	delay := p.policy.Delay()
	if delay < 0 {
		delay = 0
	}
	start := p.clockSource.Now()
	timer := p.clockSource.After(delay)

	values, err := invoke(fn, args)

	var awaited future.Awaitable
	if err == nil && len(values) == 1 {
		if a, isAwaitable := values[0].(future.Awaitable); isAwaitable {
			awaited = a
		}
	}

	go p.deliver(ctx, pending, timer, delay, start, values, err, awaited)

	return pending
}

// deliver completes a single invocation: it waits for the delay timer (and,
// for asynchronous underlying results, for their settlement), then settles
// the pending result. Runs in its own goroutine per invocation; no state is
// shared across in-flight calls.
func (p *Proxy) deliver(
	ctx context.Context,
	pending *future.Pending[[]any],
	timer <-chan time.Time,
	delay time.Duration,
	start time.Time,
	values []any,
	callErr error,
	awaited future.Awaitable,
) {
	select {
	case <-ctx.Done():
		pending.Reject(ctx.Err())
		metrics.RecordDelayedCall(p.component, metrics.OutcomeCancelled, delay, 0)
		return
	case <-timer:
	}

	if awaited != nil {
		// The underlying call returned a pending result of its own. The
		// contract is fully-unwrapped delivery: wait for it to settle and
		// deliver its value, never the handle itself.
		select {
		case <-ctx.Done():
			pending.Reject(ctx.Err())
			metrics.RecordDelayedCall(p.component, metrics.OutcomeCancelled, delay, 0)
			return
		case <-awaited.Done():
		}
		value, err := awaited.Result()
		if err != nil {
			callErr = err
			values = nil
		} else {
			values = []any{value}
		}
	}

	total := p.clockSource.Now().Sub(start)
	if callErr != nil {
		pending.Reject(callErr)
		metrics.RecordDelayedCall(p.component, metrics.OutcomeRejected, delay, total)
		return
	}

	pending.Resolve(values)
	metrics.RecordDelayedCall(p.component, metrics.OutcomeResolved, delay, total)
}

// invoke performs the reflective call, recovering panics and separating a
// trailing error return from the payload values.
func invoke(fn reflect.Value, args []any) (values []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if recoveredErr, isErr := r.(error); isErr {
				err = recoveredErr
			} else {
				err = fmt.Errorf("%w: %v", ErrCallPanicked, r)
			}
			values = nil
		}
	}()

	in, err := convertArgs(fn.Type(), args)
	if err != nil {
		return nil, err
	}

	out := fn.Call(in)

	// A non-nil error in trailing position rejects the call; the error is
	// excluded from the payload either way.
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if !out[n-1].IsNil() {
			return nil, out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}

	values = make([]any, len(out))
	for i, v := range out {
		values[i] = v.Interface()
	}
	return values, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// convertArgs maps loosely-typed call arguments onto the function's
// parameter types, honouring variadic signatures.
func convertArgs(fnType reflect.Type, args []any) ([]reflect.Value, error) {
	numIn := fnType.NumIn()
	if fnType.IsVariadic() {
		if len(args) < numIn-1 {
			return nil, fmt.Errorf("interceptor: call needs at least %d args, got %d", numIn-1, len(args))
		}
	} else if len(args) != numIn {
		return nil, fmt.Errorf("interceptor: call needs %d args, got %d", numIn, len(args))
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		paramType := fnType.In(min(i, numIn-1))
		if fnType.IsVariadic() && i >= numIn-1 {
			paramType = fnType.In(numIn - 1).Elem()
		}

		if arg == nil {
			switch paramType.Kind() {
			case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
				in[i] = reflect.Zero(paramType)
				continue
			default:
				return nil, fmt.Errorf("interceptor: arg %d is nil but parameter type %s is not nilable", i, paramType)
			}
		}

		value := reflect.ValueOf(arg)
		if !value.Type().AssignableTo(paramType) {
			if !value.Type().ConvertibleTo(paramType) {
				return nil, fmt.Errorf("interceptor: arg %d type %s not assignable to %s", i, value.Type(), paramType)
			}
			value = value.Convert(paramType)
		}
		in[i] = value
	}
	return in, nil
}
