// Package policy defines the interception policy: where the artificial delay
// for a wrapped call comes from. The delay is read once per invocation, never
// cached at wrap time, so it can be changed live between calls via the
// control server or the MQTT knob.
package policy

import (
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultDelay is substituted whenever a delay source is absent or yields a
// value that cannot be parsed as a non-negative integer of milliseconds.
const DefaultDelay = 2000 * time.Millisecond

// Policy supplies the delay for a single invocation. Implementations must
// return an atomic snapshot: one call to Delay corresponds to one wrapped
// invocation, and the value must not change mid-flight.
type Policy interface {
	Delay() time.Duration
}

// Static is a fixed delay. Negative values behave as zero.
type Static time.Duration

// Delay returns the configured duration.
func (s Static) Delay() time.Duration {
	if s < 0 {
		return 0
	}
	return time.Duration(s)
}

// Knob is a live-updatable delay shared between the interception sites and
// the developer-facing control surfaces. Reads and writes are atomic; each
// invocation observes the value in effect at its own call time.
type Knob struct {
	ms atomic.Int64
}

// NewKnob constructs a knob holding the given initial delay.
func NewKnob(initial time.Duration) *Knob {
	k := &Knob{}
	k.Set(initial)
	return k
}

// Delay returns the current knob value.
func (k *Knob) Delay() time.Duration {
	return time.Duration(k.ms.Load()) * time.Millisecond
}

// Millis returns the current knob value in whole milliseconds.
func (k *Knob) Millis() int64 {
	return k.ms.Load()
}

// Set updates the knob. Negative durations clamp to zero; sub-millisecond
// remainders are truncated.
func (k *Knob) Set(d time.Duration) {
	if d < 0 {
		d = 0
	}
	k.ms.Store(d.Milliseconds())
}

// SetMillis updates the knob from a millisecond count, clamping negatives
// to zero.
func (k *Knob) SetMillis(ms int64) {
	if ms < 0 {
		ms = 0
	}
	k.ms.Store(ms)
}

// Source reads the delay from an injected external store on every call.
// A nil Read func, a read error, or a malformed value all fall back to
// Fallback (or DefaultDelay when Fallback is zero) without surfacing an
// error to the caller; a broken knob must never fail the wrapped call.
type Source struct {
	// Read returns the raw stored value, e.g. "250" for 250ms.
	Read func() (string, error)
	// Fallback overrides DefaultDelay when positive.
	Fallback time.Duration
}

// Delay resolves the current delay from the external store.
func (s *Source) Delay() time.Duration {
	fallback := s.Fallback
	if fallback <= 0 {
		fallback = DefaultDelay
	}

	if s.Read == nil {
		return fallback
	}

	raw, err := s.Read()
	if err != nil {
		log.Printf("policy: delay source read failed: %v (using fallback %s)", err, fallback)
		return fallback
	}

	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return fallback
	}

	ms, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		log.Printf("policy: delay source value invalid (%q), using fallback %s", raw, fallback)
		return fallback
	}
	if ms < 0 {
		log.Printf("policy: delay source value negative (%d), using fallback %s", ms, fallback)
		return fallback
	}

	return time.Duration(ms) * time.Millisecond
}
