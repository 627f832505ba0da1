package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"slowmo-gateway/internal/clock"
	smconfig "slowmo-gateway/internal/config"
	"slowmo-gateway/internal/control"
	"slowmo-gateway/internal/grpcdelay"
	"slowmo-gateway/internal/metrics"
	smmqtt "slowmo-gateway/internal/mqtt"
	"slowmo-gateway/internal/policy"
	"slowmo-gateway/internal/proxyhttp"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
)

var (
	loadConfigFunc       = loadConfig
	setupMQTTFunc        = setupMQTT
	connectMQTTFunc      = connectMQTTWithRetry
	waitForShutdownFunc  = waitForShutdown
	newControlServerFunc = func(addr string, knob *policy.Knob, allowPublic bool, retryAfter int, rateLimitRPS int, rateLimitBurst int) (controlServer, error) {
		return control.NewHTTPServer(addr, knob, allowPublic, retryAfter, rateLimitRPS, rateLimitBurst)
	}
	newMetricsServerFunc = func(addr string) metricsServer {
		return metrics.NewServer(addr)
	}
	dialGRPCFunc     = grpcdelay.Dial
	smconfigLoadFunc = smconfig.Load
)

var (
	newMQTTClient = func(cfg smmqtt.Config, handler smmqtt.Handler) (mqttClient, error) {
		return smmqtt.NewClient(cfg, handler)
	}
	signalNotifyFunc = signal.Notify
	logFatalfFunc    = log.Fatalf
)

type controlServer interface {
	Start() error
	StartTLS(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) error
	Shutdown(context.Context) error
}

type metricsServer interface {
	Start() error
	StartTLS(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) error
	Shutdown(context.Context) error
}

type mqttClient interface {
	Connect() error
	Close()
}

// grpcUpstream holds the delayed upstream gRPC connection. The connection can
// be attached after startup, so a broker that is down when the gateway boots
// is retried in the background instead of blocking everything else.
type grpcUpstream struct {
	conn atomic.Pointer[grpc.ClientConn]
}

func (u *grpcUpstream) SetConn(conn *grpc.ClientConn) {
	u.conn.Store(conn)
}

// Conn returns the live upstream connection, or nil while disconnected.
// Embedding callers issue their delayed RPCs through it.
func (u *grpcUpstream) Conn() *grpc.ClientConn {
	return u.conn.Load()
}

func (u *grpcUpstream) Close() error {
	conn := u.conn.Swap(nil)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// parseClientAuth maps a configuration string to the corresponding
// tls.ClientAuthType. Unrecognised values default to tls.NoClientCert.
func parseClientAuth(mode string) tls.ClientAuthType {
	switch mode {
	case "require":
		return tls.RequireAndVerifyClientCert
	case "request":
		return tls.RequestClientCert
	default:
		return tls.NoClientCert
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	if err := godotenv.Overload(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("dotenv: %v", err)
	}

	fs := flag.NewFlagSet("slowmo-gateway", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(stdout, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.Usage()
			return 0
		}
		_, _ = fmt.Fprintf(stderr, "parse flags: %v\n", err)
		return 2
	}

	if fs.NArg() > 0 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		fs.Usage()
		return 2
	}

	config, err := loadConfigFunc()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	// The knob is the single source of truth for the injected delay; every
	// surface reads it per call and every control plane writes to it.
	knob := policy.NewKnob(config.Delay.Initial)
	metrics.SetKnobDelayMillis(knob.Millis())
	log.Printf("delay: initial %dms", knob.Millis())

	if config.Metrics.Enabled {
		metricsHTTPServer := newMetricsServerFunc(config.Metrics.Bind)
		go func() {
			var err error
			if config.Metrics.TLSEnabled {
				clientAuth := parseClientAuth(config.Metrics.TLSClientAuth)
				err = metricsHTTPServer.StartTLS(
					config.Metrics.TLSCertFile,
					config.Metrics.TLSKeyFile,
					config.Metrics.TLSCAFile,
					clientAuth,
				)
			} else {
				err = metricsHTTPServer.Start()
			}
			if err != nil {
				logFatalfFunc("metrics: failed to start server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsHTTPServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("metrics: shutdown error: %v", err)
			}
		}()
	}

	controlHTTPServer, err := newControlServerFunc(
		config.Control.Bind,
		knob,
		config.Control.AllowPublic,
		config.Control.RetryAfterSec,
		config.Control.RateLimitRPS,
		config.Control.RateLimitBurst,
	)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "start control http server: %v\n", err)
		return 1
	}

	if config.Control.TLSEnabled {
		clientAuth := parseClientAuth(config.Control.TLSClientAuth)
		if err := controlHTTPServer.StartTLS(
			config.Control.TLSCertFile,
			config.Control.TLSKeyFile,
			config.Control.TLSCAFile,
			clientAuth,
		); err != nil {
			_, _ = fmt.Fprintf(stderr, "start control http server: %v\n", err)
			return 1
		}
	} else {
		if err := controlHTTPServer.Start(); err != nil {
			_, _ = fmt.Fprintf(stderr, "start control http server: %v\n", err)
			return 1
		}
	}
	defer func() {
		if err := controlHTTPServer.Shutdown(context.Background()); err != nil {
			log.Printf("error shutting down control server: %v", err)
		}
	}()

	var upstream *grpcUpstream
	if config.GRPCUpstream.Enabled {
		upstream = &grpcUpstream{}
		conn, err := dialGRPCFunc(rootCtx, config.GRPCUpstream, knob, clock.RealClock{})
		if err != nil {
			log.Printf("grpcdelay: initial connect failed: %v (continuing offline, will retry)", err)
			startGRPCConnector(rootCtx, config.GRPCUpstream, knob, upstream)
		} else {
			upstream.SetConn(conn)
		}
		defer func() {
			if err := upstream.Close(); err != nil {
				log.Printf("error closing grpc upstream: %v", err)
			}
		}()
	}

	var proxyServer *http.Server
	if config.Proxy.Enabled {
		proxyServer, err = buildProxyServer(config, knob)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "start proxy: %v\n", err)
			return 1
		}
		go func() {
			log.Printf("proxyhttp: listening on %s -> %s", config.Proxy.Bind, config.Proxy.UpstreamURL)
			if err := proxyServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logFatalfFunc("proxyhttp: serve error: %v", err)
			}
		}()
	}

	var mqtt mqttClient
	if config.MQTT.Enabled {
		mqtt, err = connectMQTTFunc(config, knob)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
		defer mqtt.Close()
	}

	log.Println("slowmo-gateway: ready")

	waitForShutdownFunc(mqtt, proxyServer, controlHTTPServer)

	return 0
}

// loadConfig loads the gateway configuration from environment variables and
// the optional .env file.
func loadConfig() (smconfig.Config, error) {
	config, err := smconfigLoadFunc()
	if err != nil {
		return config, fmt.Errorf("config: %w", err)
	}

	log.Printf("environment: %s", config.Environment)
	return config, nil
}

// buildProxyServer assembles the delaying reverse proxy front end.
func buildProxyServer(config smconfig.Config, knob *policy.Knob) (*http.Server, error) {
	upstreamURL, err := url.Parse(config.Proxy.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("proxy upstream URL: %w", err)
	}

	proxy, err := proxyhttp.NewReverseProxy(upstreamURL, knob, clock.RealClock{})
	if err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:        config.Proxy.Bind,
		Handler:     proxyhttp.Handler(proxy),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}, nil
}

// setupMQTT creates and connects the MQTT client, wiring the KnobHandler to
// the shared delay knob.
func setupMQTT(config smconfig.Config, knob *policy.Knob) (mqttClient, error) {
	handler := &smmqtt.KnobHandler{
		Knob: knob,
	}

	client, err := newMQTTClient(smmqtt.Config{
		BrokerURL: config.MQTT.BrokerURL,
		ClientID:  config.MQTT.ClientID,
		Topics:    config.MQTT.Topics,
		QoS:       config.MQTT.QoS,
		Username:  config.MQTT.Username,
		Password:  config.MQTT.Password,
		TLSCAFile: config.MQTT.TLSCAFile,
	}, handler)
	if err != nil {
		return nil, fmt.Errorf("mqtt init: %w", err)
	}

	if err := client.Connect(); err != nil {
		client.Close()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	log.Printf("mqtt: connected -> %s, subscribed -> %v (QoS=%d)",
		config.MQTT.BrokerURL, config.MQTT.Topics, config.MQTT.QoS)

	return client, nil
}

// connectMQTTWithRetry repeatedly invokes setupMQTTFunc until a connection is
// established. It applies exponential back-off with bounded jitter so multiple
// instances do not retry in lockstep during broker outages.
func connectMQTTWithRetry(config smconfig.Config, knob *policy.Knob) (mqttClient, error) {
	const (
		initialDelay   = 1 * time.Second
		maxDelay       = 30 * time.Second
		jitterFraction = 0.2
	)

	delay := initialDelay
	attempt := 0
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		attempt++
		client, err := setupMQTTFunc(config, knob)
		if err == nil {
			if attempt > 1 {
				log.Printf("mqtt: connected after %d attempt(s)", attempt)
			}
			return client, nil
		}

		wait := delay
		if jitterFraction > 0 {
			jitter := 1 + (rng.Float64()*2-1)*jitterFraction
			wait = time.Duration(float64(delay) * jitter)
			if wait < 0 {
				wait = 0
			}
		}

		log.Printf("mqtt: connect attempt %d failed: %v (retrying in %s)", attempt, err, wait)
		time.Sleep(wait)

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// startGRPCConnector launches a background goroutine that retries the gRPC
// upstream connection with exponential back-off until it succeeds or the
// context is cancelled.
func startGRPCConnector(ctx context.Context, cfg smconfig.GRPCUpstream, knob *policy.Knob, upstream *grpcUpstream) {
	if upstream == nil {
		return
	}

	delay := 5 * time.Second
	maxDelay := 60 * time.Second

	go func() {
		attempt := 0
		for {
			attempt++
			conn, err := dialGRPCFunc(ctx, cfg, knob, clock.RealClock{})
			if err == nil {
				upstream.SetConn(conn)
				log.Printf("grpcdelay: upstream connected after %d attempt(s)", attempt)
				return
			}

			log.Printf("grpcdelay: connect attempt %d failed: %v (retrying in %s)", attempt, err, delay)

			select {
			case <-ctx.Done():
				log.Printf("grpcdelay: stopping connector (context cancelled)")
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received, then tears down
// subsystems in order: MQTT, proxy, control server. The metrics server is
// shut down by run's deferred cleanup.
func waitForShutdown(mqtt mqttClient, proxyServer *http.Server, controlHTTPServer controlServer) {
	sig := make(chan os.Signal, 1)
	signalNotifyFunc(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("shutting down gracefully...")

	if mqtt != nil {
		mqtt.Close()
	}

	if proxyServer != nil {
		shutdownContext, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := proxyServer.Shutdown(shutdownContext); err != nil {
			log.Printf("proxyhttp: shutdown error: %v", err)
		}
	}

	if controlHTTPServer != nil {
		shutdownContext, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := controlHTTPServer.Shutdown(shutdownContext); err != nil {
			log.Printf("control http server: shutdown error: %v", err)
		}
	}

	log.Println("shutdown complete")
}
