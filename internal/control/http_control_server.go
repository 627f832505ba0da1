// Package control exposes the live delay knob over a local HTTP interface.
// It replaces the ad-hoc "edit a value in browser storage" workflow: a
// developer (or a test harness) reads and sets the injected delay while the
// gateway keeps serving, and every wrapped call picks up the new value at its
// own invocation time.
package control

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"slowmo-gateway/internal/clock"
	"slowmo-gateway/internal/metrics"
	"slowmo-gateway/internal/policy"

	"github.com/AmmannChristian/go-authx/httpserver"
)

const (
	defaultHTTPAddress       = "127.0.0.1:9595"
	defaultShutdownTimeout   = 5 * time.Second
	defaultIdleTimeout       = 30 * time.Second
	defaultReadWriteTimeout  = 5 * time.Second
	defaultRateLimitRPS      = 25
	defaultRateLimitBurst    = 25
	defaultRetryAfterSeconds = 1
	maxDelayBodyBytes        = 64
	baseUrlV1                = "/api/v1"
)

// HTTPServer serves the delay-knob API:
//   - GET /api/v1/delay  -- current delay as a decimal millisecond count
//   - PUT /api/v1/delay  -- set the delay; body is a decimal millisecond count
//   - GET /api/v1/health -- current knob state as plain text
//
// The payload format is the same decimal-milliseconds convention used on the
// MQTT knob topic, so the same tooling drives both. Mutations are
// token-bucket rate limited.
type HTTPServer struct {
	knob              *policy.Knob
	server            *http.Server
	listener          net.Listener
	shutdownTimeout   time.Duration
	clock             clock.Clock
	rateLimiter       *tokenBucket
	retryAfterSeconds int
}

// NewHTTPServer constructs an HTTPServer bound to addr, which defaults to
// 127.0.0.1:9595. Unless allowPublic is true, the address is restricted to
// loopback interfaces; the knob controls observable application latency and
// must not be reachable from arbitrary hosts by accident.
func NewHTTPServer(addr string, knob *policy.Knob, allowPublic bool, retryAfterSeconds int, rateLimitRPS int, rateLimitBurst int) (*HTTPServer, error) {
	if knob == nil {
		return nil, errors.New("control http server: knob is nil")
	}
	if addr == "" {
		addr = defaultHTTPAddress
	}

	if retryAfterSeconds <= 0 {
		retryAfterSeconds = defaultRetryAfterSeconds
	}
	if rateLimitRPS <= 0 {
		rateLimitRPS = defaultRateLimitRPS
	}
	if rateLimitBurst <= 0 {
		rateLimitBurst = defaultRateLimitBurst
	}

	canonicalAddr, err := enforceLoopbackAddr(addr, allowPublic)
	if err != nil {
		return nil, err
	}

	clk := clock.RealClock{}

	httpServer := &HTTPServer{
		knob:              knob,
		shutdownTimeout:   defaultShutdownTimeout,
		clock:             clk,
		retryAfterSeconds: retryAfterSeconds,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(baseUrlV1+"/delay", httpServer.handleDelay)
	mux.HandleFunc(baseUrlV1+"/health", httpServer.handleHealth)

	httpServer.server = &http.Server{
		Addr:         canonicalAddr,
		Handler:      mux,
		ReadTimeout:  defaultReadWriteTimeout,
		WriteTimeout: defaultReadWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	httpServer.rateLimiter = newTokenBucket(float64(rateLimitRPS), float64(rateLimitBurst), clk)

	return httpServer, nil
}

// Start begins listening for HTTP requests. It returns an error if the
// socket cannot be bound.
func (s *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("control http server: listen: %w", err)
	}

	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("control http server: serve error: %v", err)
		}
	}()

	log.Printf("control http server: listening on %s", listener.Addr())
	return nil
}

// StartTLS begins listening for HTTPS requests with TLS or mutual TLS
// support. caFile, when non-empty, provides a CA certificate for client
// verification; clientAuth controls the TLS client authentication policy.
func (s *HTTPServer) StartTLS(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) error {
	tlsConfig := &httpserver.TLSConfig{
		CertFile:   certFile,
		KeyFile:    keyFile,
		CAFile:     caFile,
		ClientAuth: clientAuth,
	}

	if err := httpserver.ConfigureServer(s.server, tlsConfig); err != nil {
		return fmt.Errorf("control http server: configure TLS: %w", err)
	}

	log.Printf("control http server: loaded server certificate from %s", certFile)
	if caFile != "" {
		log.Printf("control http server: using custom CA certificate from %s for client verification", caFile)
	}

	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("control http server: listen: %w", err)
	}

	tlsListener := tls.NewListener(listener, s.server.TLSConfig)
	s.listener = tlsListener

	go func() {
		if err := s.server.Serve(tlsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("control http server: serve error: %v", err)
		}
	}()

	log.Printf("control http server: listening on %s (TLS enabled)", listener.Addr())
	return nil
}

// Shutdown gracefully stops the HTTP server, waiting up to shutdownTimeout
// for in-flight requests to complete when ctx carries no deadline of its own.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
	}

	err := s.server.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr reports the bound listener address, valid after Start.
func (s *HTTPServer) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

func (s *HTTPServer) handleDelay(response http.ResponseWriter, request *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		metrics.RecordControlRequest(status, time.Since(start))
	}()

	setNoStoreHeaders(response)

	switch request.Method {
	case http.MethodGet:
		response.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(response, "%d\n", s.knob.Millis())

	case http.MethodPut, http.MethodPost:
		if s.rateLimiter != nil {
			allowed, wait := s.rateLimiter.Allow()
			if !allowed {
				status = http.StatusTooManyRequests
				metrics.RecordControlRateLimited()
				s.setRetryAfter(response, wait)
				http.Error(response, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
		}

		body, err := io.ReadAll(io.LimitReader(request.Body, maxDelayBodyBytes))
		if err != nil {
			status = http.StatusBadRequest
			metrics.RecordKnobRejected("read_error")
			http.Error(response, "unreadable body", http.StatusBadRequest)
			return
		}

		ms, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
		if err != nil {
			status = http.StatusBadRequest
			metrics.RecordKnobRejected("parse_error")
			http.Error(response, "body must be a decimal millisecond count", http.StatusBadRequest)
			return
		}
		if ms < 0 {
			status = http.StatusBadRequest
			metrics.RecordKnobRejected("negative")
			http.Error(response, "delay must be non-negative", http.StatusBadRequest)
			return
		}

		s.knob.SetMillis(ms)
		metrics.RecordKnobUpdate("control")
		metrics.SetKnobDelayMillis(s.knob.Millis())
		log.Printf("control: delay set to %dms", ms)

		status = http.StatusNoContent
		response.WriteHeader(http.StatusNoContent)

	default:
		status = http.StatusMethodNotAllowed
		response.Header().Set("Allow", "GET, PUT")
		http.Error(response, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *HTTPServer) handleHealth(response http.ResponseWriter, _ *http.Request) {
	setNoStoreHeaders(response)
	response.Header().Set("Content-Type", "text/plain; charset=utf-8")
	response.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(response, "delay_ms=%d\n", s.knob.Millis())
}

// enforceLoopbackAddr validates that addr resolves to a loopback interface.
// When allowPublic is true, non-loopback addresses are permitted with a
// warning log. Returns the canonical host:port string or an error.
func enforceLoopbackAddr(addr string, allowPublic bool) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = defaultHTTPAddress
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("control http server: invalid address %q: %w", addr, err)
	}

	if host == "" {
		return "", errors.New("control http server: host must be specified")
	}

	hostLower := strings.ToLower(host)
	if hostLower == "localhost" {
		return net.JoinHostPort("localhost", port), nil
	}

	ip := net.ParseIP(host)
	if ip == nil {
		if allowPublic {
			log.Printf("control http server: ALLOW_PUBLIC_CONTROL=true, binding to %s", addr)
			return addr, nil
		}
		return "", fmt.Errorf("control http server: host %q is not loopback", host)
	}

	if !ip.IsLoopback() {
		if allowPublic {
			log.Printf("control http server: ALLOW_PUBLIC_CONTROL=true, binding to %s", addr)
			return net.JoinHostPort(ip.String(), port), nil
		}
		return "", fmt.Errorf("control http server: host %q must be loopback", host)
	}

	return net.JoinHostPort(ip.String(), port), nil
}

func (s *HTTPServer) setRetryAfter(response http.ResponseWriter, wait time.Duration) {
	seconds := s.retryAfterSeconds
	if wait > 0 {
		calc := int(math.Ceil(wait.Seconds()))
		if calc > seconds {
			seconds = calc
		}
	}
	if seconds < 1 {
		seconds = defaultRetryAfterSeconds
	}
	response.Header().Set("Retry-After", strconv.Itoa(seconds))
}

// setNoStoreHeaders prevents caching of knob responses; a cached delay value
// defeats the point of a live knob.
func setNoStoreHeaders(response http.ResponseWriter) {
	response.Header().Set("Cache-Control", "no-store")
	response.Header().Set("Pragma", "no-cache")
}

// tokenBucket implements a simple token-bucket rate limiter. Tokens are
// refilled at a constant rate up to a maximum capacity. It is safe for
// concurrent use.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
	clock      clock.Clock
}

// newTokenBucket creates a token bucket that refills at rate tokens per
// second with a maximum burst capacity. The bucket starts full.
func newTokenBucket(rate float64, burst float64, clk clock.Clock) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = rate
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &tokenBucket{
		capacity:   burst,
		tokens:     burst,
		refillRate: rate,
		lastRefill: clk.Now(),
		clock:      clk,
	}
}

func (b *tokenBucket) Allow() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		refill := elapsed.Seconds() * b.refillRate
		if refill > 0 {
			b.tokens = math.Min(b.capacity, b.tokens+refill)
		}
		b.lastRefill = now
	}

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true, 0
	}

	deficit := 1.0 - b.tokens
	if deficit < 0 {
		deficit = 0
	}

	waitSeconds := deficit / b.refillRate
	if waitSeconds < 0 {
		waitSeconds = 0
	}

	waitDuration := time.Duration(waitSeconds * float64(time.Second))
	if waitDuration < time.Second {
		waitDuration = time.Second
	}

	return false, waitDuration
}
