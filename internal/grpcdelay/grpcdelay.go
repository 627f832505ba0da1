// Package grpcdelay applies the delaying wrapper to outbound gRPC traffic.
// A unary client interceptor starts the upstream call immediately and holds
// the reply until the policy delay has elapsed, so callers observe the
// injected latency on top of the real round trip. Connection setup mirrors
// the gateway's other TLS surfaces, including OAuth2 and mutual TLS.
package grpcdelay

import (
	"context"
	"errors"
	"fmt"
	"log"

	"slowmo-gateway/internal/clock"
	"slowmo-gateway/internal/config"
	"slowmo-gateway/internal/interceptor"
	"slowmo-gateway/internal/policy"

	"github.com/AmmannChristian/go-authx/grpcclient"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// UnaryClientInterceptor returns an interceptor that delays delivery of
// every unary reply. The policy is read once per call before the invoker
// runs; errors are held back for the same delay as successes.
func UnaryClientInterceptor(p policy.Policy, clockSource clock.Clock) grpc.UnaryClientInterceptor {
	if clockSource == nil {
		clockSource = clock.RealClock{}
	}

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		pending := interceptor.Defer(ctx, p, clockSource, "grpc", func() (struct{}, error) {
			return struct{}{}, invoker(ctx, method, req, reply, cc, opts...)
		})
		_, err := pending.Await(ctx)
		return err
	}
}

// Dial connects to the configured gRPC upstream with the delaying
// interceptor installed. OAuth2 and TLS settings follow the configuration;
// without TLS the connection falls back to insecure transport credentials.
func Dial(ctx context.Context, cfg config.GRPCUpstream, p policy.Policy, clockSource clock.Clock) (*grpc.ClientConn, error) {
	if cfg.ServerAddr == "" {
		return nil, errors.New("grpcdelay: server address is required")
	}

	builder := grpcclient.NewBuilder().WithAddress(cfg.ServerAddr)

	if cfg.OAuth2Enabled {
		builder = builder.WithOAuth2(
			cfg.OAuth2TokenURL,
			cfg.OAuth2ClientID,
			cfg.OAuth2ClientSecret,
			cfg.OAuth2Scopes,
		)
		log.Printf("grpcdelay: OAuth2 authentication enabled (token URL: %s)", cfg.OAuth2TokenURL)
	}

	if cfg.TLSEnabled {
		builder = builder.WithTLS(
			cfg.TLSCAFile,
			cfg.TLSCertFile,
			cfg.TLSKeyFile,
			cfg.TLSServerName,
		)
		log.Printf("grpcdelay: TLS enabled (CA: %s, mTLS: %v)", cfg.TLSCAFile, cfg.TLSCertFile != "")
	} else {
		builder = builder.WithDialOptions(grpc.WithTransportCredentials(insecure.NewCredentials()))
		log.Printf("grpcdelay: WARNING - using insecure connection (no TLS)")
	}

	builder = builder.WithDialOptions(grpc.WithChainUnaryInterceptor(UnaryClientInterceptor(p, clockSource)))

	conn, err := builder.Build(ctx)
	if err != nil {
		return nil, fmt.Errorf("grpcdelay: build client failed: %w", err)
	}

	log.Printf("grpcdelay: connected to %s", cfg.ServerAddr)
	return conn, nil
}
