// Package proxyhttp puts the delaying wrapper in front of HTTP traffic. It
// provides three surfaces sharing the same semantics: a reverse proxy for
// standalone operation, a middleware for in-process handlers, and a
// RoundTripper for outbound clients. In every case the upstream work starts
// immediately and only the response delivery is held back, so the injected
// delay is additive to the real latency.
package proxyhttp

import (
	"bytes"
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"slowmo-gateway/internal/clock"
	"slowmo-gateway/internal/interceptor"
	"slowmo-gateway/internal/metrics"
	"slowmo-gateway/internal/policy"
)

// Transport is a delaying http.RoundTripper. The policy is read once per
// request before the upstream round trip begins, and the response is
// released once both the upstream has answered and the delay has elapsed.
type Transport struct {
	// Policy supplies the per-request delay. A nil Policy means no delay.
	Policy policy.Policy

	// Base performs the actual round trip. Defaults to
	// http.DefaultTransport.
	Base http.RoundTripper

	// Clock drives the delay timer. Defaults to the real clock.
	Clock clock.Clock
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(request *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	clockSource := t.Clock
	if clockSource == nil {
		clockSource = clock.RealClock{}
	}

	delay := time.Duration(0)
	if t.Policy != nil {
		delay = t.Policy.Delay()
	}
	if delay < 0 {
		delay = 0
	}
	start := clockSource.Now()
	timer := clockSource.After(delay)

	response, err := base.RoundTrip(request)

	select {
	case <-request.Context().Done():
		if err == nil && response != nil {
			_ = response.Body.Close()
		}
		metrics.RecordDelayedCall("proxyhttp", metrics.OutcomeCancelled, delay, 0)
		return nil, request.Context().Err()
	case <-timer:
	}

	total := clockSource.Now().Sub(start)
	if err != nil {
		metrics.RecordDelayedCall("proxyhttp", metrics.OutcomeRejected, delay, total)
		return nil, err
	}
	metrics.RecordDelayedCall("proxyhttp", metrics.OutcomeResolved, delay, total)
	return response, nil
}

// NewReverseProxy builds a reverse proxy to upstream whose responses are
// delayed by the policy. Upstream failures surface as 502 after the same
// delay; a fast error would leak the fact that no real work happened.
func NewReverseProxy(upstream *url.URL, p policy.Policy, clockSource clock.Clock) (*httputil.ReverseProxy, error) {
	if upstream == nil {
		return nil, errors.New("proxyhttp: upstream URL is nil")
	}
	if upstream.Scheme != "http" && upstream.Scheme != "https" {
		return nil, errors.New("proxyhttp: upstream URL must be http or https")
	}

	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.Transport = &Transport{
		Policy: p,
		Clock:  clockSource,
	}
	proxy.ErrorHandler = func(response http.ResponseWriter, request *http.Request, err error) {
		metrics.RecordUpstreamError()
		status := http.StatusBadGateway
		if errors.Is(err, request.Context().Err()) && request.Context().Err() != nil {
			// The client gave up while we were holding the response.
			status = http.StatusGatewayTimeout
		}
		log.Printf("proxyhttp: upstream %s: %v", upstream.Host, err)
		http.Error(response, http.StatusText(status), status)
	}
	return proxy, nil
}

// Handler wraps the reverse proxy with per-request latency metrics.
func Handler(proxy *httputil.ReverseProxy) http.Handler {
	return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
		start := time.Now()
		writer := &statusWriter{ResponseWriter: response, status: http.StatusOK}
		proxy.ServeHTTP(writer, request)
		metrics.RecordProxyRequest(writer.status, time.Since(start))
	})
}

// Middleware delays delivery of an in-process handler's response. The
// handler runs immediately against a buffer; the buffered response is
// flushed to the client once the delay has elapsed. Handlers that depend on
// incremental flushing should not sit behind this middleware.
func Middleware(p policy.Policy, clockSource clock.Clock) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(response http.ResponseWriter, request *http.Request) {
			pending := interceptor.Defer(request.Context(), p, clockSource, "middleware", func() (*bufferedResponse, error) {
				buffer := newBufferedResponse()
				next.ServeHTTP(buffer, request)
				return buffer, nil
			})

			buffer, err := pending.Await(request.Context())
			if err != nil {
				// Client went away while the response was being held.
				return
			}
			buffer.flush(response)
		})
	}
}

// bufferedResponse captures a handler's full response so it can be replayed
// after the delay.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{
		header: make(http.Header),
		status: http.StatusOK,
	}
}

func (b *bufferedResponse) Header() http.Header {
	return b.header
}

func (b *bufferedResponse) WriteHeader(status int) {
	b.status = status
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	return b.body.Write(p)
}

func (b *bufferedResponse) flush(response http.ResponseWriter) {
	for key, values := range b.header {
		for _, value := range values {
			response.Header().Add(key, value)
		}
	}
	response.WriteHeader(b.status)
	_, _ = response.Write(b.body.Bytes())
}

// statusWriter records the status code written by a downstream handler.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
