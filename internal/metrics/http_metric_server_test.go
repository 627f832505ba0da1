package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestNewServer_ValidAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		addr string
	}{
		{"port only", ":9090"},
		{"localhost with port", "localhost:9090"},
		{"IPv4 wildcard", "0.0.0.0:9090"},
		{"specific IP", "127.0.0.1:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := NewServer(tt.addr)
			if server == nil {
				t.Fatal("NewServer returned nil")
			}
			if server.addr != tt.addr {
				t.Errorf("server.addr = %q, want %q", server.addr, tt.addr)
			}
			if server.server == nil || server.server.Handler == nil {
				t.Fatal("server not fully initialized")
			}
			if server.server.ReadHeaderTimeout != 5*time.Second {
				t.Errorf("ReadHeaderTimeout = %v, want 5s", server.server.ReadHeaderTimeout)
			}
		})
	}
}

func TestValidateAddress(t *testing.T) {
	t.Parallel()

	valid := []string{":8080", "127.0.0.1:8080", "localhost:9000", "0.0.0.0:80"}
	for _, addr := range valid {
		if err := validateAddress(addr); err != nil {
			t.Errorf("validateAddress(%q) = %v, want nil", addr, err)
		}
	}

	invalid := []string{"", "no-port", "127.0.0.1"}
	for _, addr := range invalid {
		if err := validateAddress(addr); err == nil {
			t.Errorf("validateAddress(%q) = nil, want error", addr)
		}
	}
}

func TestServerServesMetricsAndHealth(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	if err := listener.Close(); err != nil {
		t.Fatalf("close probe listener: %v", err)
	}

	server := NewServer(addr)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		if err := <-errCh; err != nil {
			t.Errorf("server exited with error: %v", err)
		}
	})

	url := fmt.Sprintf("http://%s%s/health", addr, baseUrlV1)
	var resp *http.Response
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Fatalf("health = (%d, %q), want (200, OK)", resp.StatusCode, body)
	}

	resp, err = http.Get(fmt.Sprintf("http://%s%s/metrics", addr, baseUrlV1))
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatal("metrics output missing default collectors")
	}
}

func TestStartInvalidAddress(t *testing.T) {
	t.Parallel()

	server := NewServer("not-an-address")
	if err := server.Start(); err == nil {
		t.Fatal("Start with invalid address returned nil error")
	}
}
