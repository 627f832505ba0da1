package policy

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStaticDelay(t *testing.T) {
	t.Parallel()

	if got := Static(100 * time.Millisecond).Delay(); got != 100*time.Millisecond {
		t.Fatalf("Static.Delay = %v, want 100ms", got)
	}
	if got := Static(-time.Second).Delay(); got != 0 {
		t.Fatalf("negative Static.Delay = %v, want 0", got)
	}
}

func TestKnobSetAndDelay(t *testing.T) {
	t.Parallel()

	knob := NewKnob(2 * time.Second)
	if got := knob.Delay(); got != 2*time.Second {
		t.Fatalf("initial Delay = %v, want 2s", got)
	}
	if got := knob.Millis(); got != 2000 {
		t.Fatalf("initial Millis = %d, want 2000", got)
	}

	knob.Set(150 * time.Millisecond)
	if got := knob.Delay(); got != 150*time.Millisecond {
		t.Fatalf("Delay after Set = %v, want 150ms", got)
	}

	knob.SetMillis(-5)
	if got := knob.Delay(); got != 0 {
		t.Fatalf("Delay after negative SetMillis = %v, want 0", got)
	}

	knob.Set(-time.Minute)
	if got := knob.Millis(); got != 0 {
		t.Fatalf("Millis after negative Set = %d, want 0", got)
	}
}

func TestKnobConcurrentAccess(t *testing.T) {
	t.Parallel()

	knob := NewKnob(0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(ms int64) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				knob.SetMillis(ms)
				_ = knob.Delay()
			}
		}(int64(i * 10))
	}
	wg.Wait()

	if got := knob.Millis(); got < 0 || got > 70 {
		t.Fatalf("Millis after concurrent writes = %d, want one of the written values", got)
	}
}

func TestSourceReadsStoreOnEveryCall(t *testing.T) {
	t.Parallel()

	value := "100"
	src := &Source{Read: func() (string, error) { return value, nil }}

	if got := src.Delay(); got != 100*time.Millisecond {
		t.Fatalf("Delay = %v, want 100ms", got)
	}

	value = "250"
	if got := src.Delay(); got != 250*time.Millisecond {
		t.Fatalf("Delay after store update = %v, want 250ms", got)
	}
}

func TestSourceFallsBackToDefault(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		src  *Source
	}{
		{"nil reader", &Source{}},
		{"read error", &Source{Read: func() (string, error) { return "", errors.New("store down") }}},
		{"empty value", &Source{Read: func() (string, error) { return "   ", nil }}},
		{"malformed value", &Source{Read: func() (string, error) { return "soon-ish", nil }}},
		{"negative value", &Source{Read: func() (string, error) { return "-4", nil }}},
	}

	for _, tc := range cases {
		if got := tc.src.Delay(); got != DefaultDelay {
			t.Fatalf("%s: Delay = %v, want default %v", tc.name, got, DefaultDelay)
		}
	}
}

func TestSourceCustomFallback(t *testing.T) {
	t.Parallel()

	src := &Source{
		Read:     func() (string, error) { return "nope", nil },
		Fallback: 500 * time.Millisecond,
	}
	if got := src.Delay(); got != 500*time.Millisecond {
		t.Fatalf("Delay = %v, want custom fallback 500ms", got)
	}
}
