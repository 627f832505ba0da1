package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"slowmo-gateway/internal/clock"
	"slowmo-gateway/internal/policy"
	testutil "slowmo-gateway/testutil"
)

func startHTTPServerOrSkip(t *testing.T, server *HTTPServer) {
	t.Helper()

	if err := server.Start(); err != nil {
		if isListenPermissionError(err) {
			t.Skipf("skipping HTTP server test: %v", err)
		}
		t.Fatalf("expected Start to succeed, got error: %v", err)
	}
}

func isListenPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") || strings.Contains(msg, "permission denied")
}

func TestEnforceLoopbackAddrAllowsLoopbackHosts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		addr     string
		expected string
	}{
		{"ipv4 loopback", "127.0.0.1:8080", "127.0.0.1:8080"},
		{"localhost", "localhost:9000", "localhost:9000"},
		{"ipv6 loopback", "[::1]:7000", "[::1]:7000"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rez, err := enforceLoopbackAddr(tc.addr, false)
			if err != nil {
				t.Fatalf("expected success, got error: %v", err)
			}
			if rez != tc.expected {
				t.Fatalf("expected %q, got %q", tc.expected, rez)
			}
		})
	}
}

func TestEnforceLoopbackAddrRejectsUnsafeHosts(t *testing.T) {
	t.Parallel()

	for _, addr := range []string{"0.0.0.0:8080", "192.168.1.10:80", ":9000"} {
		t.Run(addr, func(t *testing.T) {
			t.Parallel()
			if _, err := enforceLoopbackAddr(addr, false); err == nil {
				t.Fatalf("expected error for addr %q", addr)
			}
		})
	}
}

func TestEnforceLoopbackAddrAllowsPublicWhenConfigured(t *testing.T) {
	t.Parallel()

	addr, err := enforceLoopbackAddr("0.0.0.0:8080", true)
	if err != nil {
		t.Fatalf("expected no error when public binding allowed: %v", err)
	}
	if addr != "0.0.0.0:8080" {
		t.Fatalf("expected passthrough address, got %q", addr)
	}
}

func TestNewHTTPServerFailsOnNonLoopback(t *testing.T) {
	t.Parallel()

	if server, err := NewHTTPServer("192.168.0.5:9595", policy.NewKnob(0), false, defaultRetryAfterSeconds, defaultRateLimitRPS, defaultRateLimitBurst); err == nil || server != nil {
		t.Fatalf("expected error for non-loopback address, got server=%v err=%v", server, err)
	}
}

func TestNewHTTPServerRejectsNilKnob(t *testing.T) {
	t.Parallel()

	if _, err := NewHTTPServer("127.0.0.1:0", nil, false, 0, 0, 0); err == nil {
		t.Fatal("expected error for nil knob")
	}
}

func TestHandleDelayGetReportsCurrentValue(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	knob := policy.NewKnob(150 * time.Millisecond)
	server, err := NewHTTPServer("127.0.0.1:0", knob, false, defaultRetryAfterSeconds, defaultRateLimitRPS, defaultRateLimitBurst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, baseUrlV1+"/delay", nil)
	rec := httptest.NewRecorder()
	server.handleDelay(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "150" {
		t.Fatalf("expected body '150', got %q", got)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("expected Cache-Control no-store, got %q", cc)
	}
}

func TestHandleDelayPutUpdatesKnob(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	knob := policy.NewKnob(2 * time.Second)
	server, err := NewHTTPServer("127.0.0.1:0", knob, false, defaultRetryAfterSeconds, defaultRateLimitRPS, defaultRateLimitBurst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodPut, baseUrlV1+"/delay", strings.NewReader("75"))
	rec := httptest.NewRecorder()
	server.handleDelay(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := knob.Millis(); got != 75 {
		t.Fatalf("expected knob at 75ms, got %d", got)
	}
	if got := knob.Delay(); got != 75*time.Millisecond {
		t.Fatalf("expected Delay 75ms, got %v", got)
	}
}

func TestHandleDelayPutValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"nonNumeric", "soon"},
		{"negative", "-5"},
		{"fractional", "12.5"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			testutil.ResetRegistryForTest(t)

			knob := policy.NewKnob(300 * time.Millisecond)
			server, err := NewHTTPServer("127.0.0.1:0", knob, false, defaultRetryAfterSeconds, defaultRateLimitRPS, defaultRateLimitBurst)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			req := httptest.NewRequest(http.MethodPut, baseUrlV1+"/delay", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			server.handleDelay(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := knob.Millis(); got != 300 {
				t.Fatalf("expected knob unchanged at 300ms, got %d", got)
			}
		})
	}
}

func TestHandleDelayMethodNotAllowed(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	server, err := NewHTTPServer("127.0.0.1:0", policy.NewKnob(0), false, defaultRetryAfterSeconds, defaultRateLimitRPS, defaultRateLimitBurst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, baseUrlV1+"/delay", nil)
	rec := httptest.NewRecorder()
	server.handleDelay(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleDelayRateLimitSetsRetryAfter(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	knob := policy.NewKnob(0)
	server, err := NewHTTPServer("127.0.0.1:0", knob, false, defaultRetryAfterSeconds, defaultRateLimitRPS, defaultRateLimitBurst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fakeClock := clock.NewFakeClock()
	server.rateLimiter = newTokenBucket(1, 1, fakeClock)

	req1 := httptest.NewRequest(http.MethodPut, baseUrlV1+"/delay", strings.NewReader("10"))
	rec1 := httptest.NewRecorder()
	server.handleDelay(rec1, req1)
	if rec1.Code != http.StatusNoContent {
		t.Fatalf("expected first update to succeed, got status %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPut, baseUrlV1+"/delay", strings.NewReader("20"))
	rec2 := httptest.NewRecorder()
	server.handleDelay(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limited status, got %d", rec2.Code)
	}
	if got := rec2.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("expected Retry-After header '1', got %q", got)
	}
	if got := knob.Millis(); got != 10 {
		t.Fatalf("expected knob unchanged by limited request, got %d", got)
	}

	fakeClock.Advance(time.Second)
	req3 := httptest.NewRequest(http.MethodPut, baseUrlV1+"/delay", strings.NewReader("30"))
	rec3 := httptest.NewRecorder()
	server.handleDelay(rec3, req3)
	if rec3.Code != http.StatusNoContent {
		t.Fatalf("expected update after refill to succeed, got %d", rec3.Code)
	}
}

func TestTokenBucketRefill(t *testing.T) {
	t.Parallel()

	fakeClock := clock.NewFakeClock()
	bucket := newTokenBucket(1, 1, fakeClock)

	if allowed, _ := bucket.Allow(); !allowed {
		t.Fatal("expected first token to be available")
	}
	if allowed, wait := bucket.Allow(); allowed || wait < time.Second {
		t.Fatalf("expected rate limit with at least 1s wait, got allowed=%v wait=%v", allowed, wait)
	}

	fakeClock.Advance(time.Second)
	if allowed, _ := bucket.Allow(); !allowed {
		t.Fatal("expected token to refill after 1s")
	}
}

func TestHandleHealthReportsKnobState(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	knob := policy.NewKnob(2 * time.Second)
	server, err := NewHTTPServer("127.0.0.1:0", knob, false, defaultRetryAfterSeconds, defaultRateLimitRPS, defaultRateLimitBurst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, baseUrlV1+"/health", nil)
	rec := httptest.NewRecorder()
	server.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "delay_ms=2000") {
		t.Fatalf("expected health body to report delay_ms=2000, got %q", rec.Body.String())
	}
}

func TestHTTPServerStartLifecycle(t *testing.T) {
	testutil.ResetRegistryForTest(t)

	knob := policy.NewKnob(100 * time.Millisecond)
	server, err := NewHTTPServer("127.0.0.1:0", knob, false, defaultRetryAfterSeconds, defaultRateLimitRPS, defaultRateLimitBurst)
	if err != nil {
		t.Fatalf("unexpected error creating server: %v", err)
	}

	t.Cleanup(func() {
		_ = server.Shutdown(context.TODO())
	})

	startHTTPServerOrSkip(t, server)

	addr := server.Addr()
	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get(fmt.Sprintf("http://%s/api/v1/delay", addr))
		if err == nil {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to reach delay endpoint: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if got := strings.TrimSpace(string(body)); got != "100" {
		t.Fatalf("expected body '100', got %q", got)
	}

	if err := server.Shutdown(context.TODO()); err != nil {
		t.Fatalf("expected Shutdown to succeed, got error: %v", err)
	}
}
