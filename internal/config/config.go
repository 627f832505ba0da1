// Package config provides configuration management for the slowmo-gateway
// application. Configuration is loaded from environment variables with
// sensible defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"slowmo-gateway/internal/policy"
)

// Environment constants define the application runtime environments.
const (
	EnvironmentDevelopment   = "dev"
	EnvironmentProduction    = "prod"
	defaultControlAddr       = "127.0.0.1:9595"
	defaultProxyAddr         = "127.0.0.1:8090"
	defaultMetricsBind       = "127.0.0.1:8080"
	defaultRetryAfterSeconds = 1
	defaultRateLimitRPS      = 25
	defaultRateLimitBurst    = 25
)

// Delay contains the latency injection configuration.
type Delay struct {
	Initial time.Duration `json:"initial"` // Delay applied until the first knob update (default 2s)
}

// MQTT contains configuration for the MQTT knob subscription.
type MQTT struct {
	Enabled   bool     `json:"enabled"`     // Enable the MQTT knob listener
	BrokerURL string   `json:"broker_url"`  // MQTT broker URL (e.g., "tcp://localhost:1883" or "ssl://mqtt.example.com:8883")
	ClientID  string   `json:"client_id"`   // MQTT client ID (auto-generated if empty)
	Topics    []string `json:"topics"`      // MQTT topics to subscribe to (e.g., ["slowmo/delay"])
	QoS       byte     `json:"qos"`         // Quality of Service level (0 or 1)
	Username  string   `json:"username"`    // MQTT username for authentication (optional)
	Password  string   `json:"password"`    // MQTT password for authentication (optional)
	TLSCAFile string   `json:"tls_ca_file"` // Path to CA certificate for TLS verification (optional)
}

// Control contains the delay-knob HTTP API server configuration.
type Control struct {
	Bind           string `json:"bind"` // Bind address for the control server (e.g., "127.0.0.1:9595")
	RetryAfterSec  int    `json:"retry_after_sec"`
	AllowPublic    bool   `json:"allow_public"`
	RateLimitRPS   int    `json:"rate_limit_rps"`   // Rate limit: requests per second (default: 25)
	RateLimitBurst int    `json:"rate_limit_burst"` // Rate limit: burst allowance (default: 25)
	TLSEnabled     bool   `json:"tls_enabled"`      // Enable TLS for the control server
	TLSCertFile    string `json:"tls_cert_file"`    // Path to server certificate for TLS
	TLSKeyFile     string `json:"tls_key_file"`     // Path to server private key for TLS
	TLSCAFile      string `json:"tls_ca_file"`      // Path to CA certificate for mTLS client verification (optional)
	TLSClientAuth  string `json:"tls_client_auth"`  // mTLS client auth mode: "none", "request", "require" (default: "none")
}

// Proxy contains the delaying HTTP reverse proxy configuration.
type Proxy struct {
	Enabled     bool   `json:"enabled"`      // Enable the reverse proxy front end
	Bind        string `json:"bind"`         // Bind address for the proxy (e.g., "127.0.0.1:8090")
	UpstreamURL string `json:"upstream_url"` // Upstream base URL (e.g., "http://backend:8000")
}

// Metrics contains Prometheus metrics server configuration.
type Metrics struct {
	Bind          string `json:"bind"`            // Bind address for metrics server (e.g., "127.0.0.1:8080")
	Enabled       bool   `json:"enabled"`         // Enable metrics server
	TLSEnabled    bool   `json:"tls_enabled"`     // Enable TLS for metrics server
	TLSCertFile   string `json:"tls_cert_file"`   // Path to server certificate for TLS
	TLSKeyFile    string `json:"tls_key_file"`    // Path to server private key for TLS
	TLSCAFile     string `json:"tls_ca_file"`     // Path to CA certificate for mTLS client verification (optional)
	TLSClientAuth string `json:"tls_client_auth"` // mTLS client auth mode: "none", "request", "require" (default: "none")
}

// GRPCUpstream contains gRPC client configuration for the delayed upstream
// connection.
type GRPCUpstream struct {
	Enabled       bool   `json:"enabled"`         // Enable the delayed gRPC upstream connection
	ServerAddr    string `json:"server_addr"`     // gRPC server address (e.g., "backend.example.com:9090")
	TLSEnabled    bool   `json:"tls_enabled"`     // Enable TLS for the gRPC client
	TLSCAFile     string `json:"tls_ca_file"`     // Path to CA certificate for server verification
	TLSCertFile   string `json:"tls_cert_file"`   // Path to client certificate for mTLS (optional)
	TLSKeyFile    string `json:"tls_key_file"`    // Path to client private key for mTLS (optional)
	TLSServerName string `json:"tls_server_name"` // Expected server name for TLS verification (optional)

	// OAuth2/OIDC configuration for client credentials authentication
	OAuth2Enabled      bool   `json:"oauth2_enabled"`       // Enable OAuth2 client credentials flow
	OAuth2TokenURL     string `json:"oauth2_token_url"`     // OAuth2 token endpoint
	OAuth2ClientID     string `json:"oauth2_client_id"`     // OAuth2 client ID
	OAuth2ClientSecret string `json:"oauth2_client_secret"` // OAuth2 client secret
	OAuth2Scopes       string `json:"oauth2_scopes"`        // OAuth2 scopes (space-separated)
}

// Config holds the complete application configuration.
type Config struct {
	Delay        Delay        `json:"delay"`         // Latency injection configuration
	MQTT         MQTT         `json:"mqtt"`          // MQTT knob configuration
	Control      Control      `json:"control"`       // Control server configuration
	Proxy        Proxy        `json:"proxy"`         // Reverse proxy configuration
	Metrics      Metrics      `json:"metrics"`       // Metrics server configuration
	GRPCUpstream GRPCUpstream `json:"grpc_upstream"` // gRPC upstream client configuration
	Environment  string       `json:"environment"`   // Runtime environment ("dev" or "prod")
}

// Load reads configuration from environment variables and returns a validated
// Config. It applies defaults first, then overrides with environment
// variables. Returns an error if the required configuration is missing or
// invalid.
func Load() (Config, error) {
	configuration := Config{
		Delay: Delay{
			Initial: policy.DefaultDelay,
		},
		MQTT: MQTT{
			Enabled:   false,
			BrokerURL: "tcp://127.0.0.1:1883",
			ClientID:  "",
			Topics:    []string{"slowmo/delay"},
			QoS:       1,
		},
		Control: Control{
			Bind:           defaultControlAddr,
			RetryAfterSec:  defaultRetryAfterSeconds,
			RateLimitRPS:   defaultRateLimitRPS,
			RateLimitBurst: defaultRateLimitBurst,
		},
		Proxy: Proxy{
			Enabled: false,
			Bind:    defaultProxyAddr,
		},
		Metrics: Metrics{
			Bind:    defaultMetricsBind,
			Enabled: true,
		},
		GRPCUpstream: GRPCUpstream{
			Enabled: false,
		},
		Environment: EnvironmentDevelopment,
	}

	applyDelayEnvVars(&configuration)
	if err := applyMQTTEnvVars(&configuration); err != nil {
		return configuration, err
	}
	applyControlEnvVars(&configuration)
	applyProxyEnvVars(&configuration)
	applyMetricsEnvVars(&configuration)
	if err := applyGRPCUpstreamEnvVars(&configuration); err != nil {
		return configuration, err
	}
	if err := applyEnvironmentEnvVars(&configuration); err != nil {
		return configuration, err
	}

	if err := validate(&configuration); err != nil {
		return configuration, err
	}

	return configuration, nil
}

// applyDelayEnvVars reads DELAY_MS, the initial delay in milliseconds.
// Malformed or negative values fall back to the built-in default rather than
// failing startup: the knob exists precisely so a bad initial value can be
// corrected at runtime.
func applyDelayEnvVars(configuration *Config) {
	configuration.Delay.Initial = ParseDelayMillisEnv("DELAY_MS", configuration.Delay.Initial)
}

// ParseDelayMillisEnv reads a non-negative millisecond count from an
// environment variable. Unlike ParsePositiveEnvInt, zero is a valid value
// (no injected delay). Unset, malformed, or negative values return the
// fallback with a log line.
func ParseDelayMillisEnv(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		log.Printf("config: %s empty, using fallback %s", key, fallback)
		return fallback
	}
	parsed, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		log.Printf("config: %s invalid (%q), using fallback %s", key, value, fallback)
		return fallback
	}
	if parsed < 0 {
		log.Printf("config: %s negative (%d), using fallback %s", key, parsed, fallback)
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

// applyMQTTEnvVars reads MQTT environment variables and applies them to the
// provided configuration. MQTT_BROKER_URL picks the broker, MQTT_CLIENT_ID
// overrides the identifier, MQTT_TOPICS controls the subscription filters
// (comma-separated), and MQTT_QOS clamps QoS to 0 or 1.
func applyMQTTEnvVars(configuration *Config) error {
	configuration.MQTT.Enabled = ParseBoolEnv("MQTT_ENABLED", configuration.MQTT.Enabled)

	if v := os.Getenv("MQTT_BROKER_URL"); v != "" {
		configuration.MQTT.BrokerURL = v
	}

	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		configuration.MQTT.ClientID = v
	}

	if v := os.Getenv("MQTT_TOPICS"); v != "" {
		topics := strings.Split(v, ",")
		var cleanTopics []string
		for _, topic := range topics {
			trimmed := strings.TrimSpace(topic)
			if trimmed != "" {
				cleanTopics = append(cleanTopics, trimmed)
			}
		}
		if len(cleanTopics) > 0 {
			configuration.MQTT.Topics = cleanTopics
		}
	}

	if v := os.Getenv("MQTT_QOS"); v != "" {
		cleaned := cleanEnvValue(v)

		qos, err := strconv.Atoi(cleaned)
		if err != nil {
			return errors.New("config: MQTT_QOS must be a number (0 or 1)")
		}
		if qos < 0 {
			qos = 0
		}
		if qos > 1 {
			qos = 1
		}
		configuration.MQTT.QoS = byte(qos)
	}

	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		configuration.MQTT.Username = v
	}

	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		configuration.MQTT.Password = v
	}

	// Read password from file if MQTT_PASSWORD_FILE is set (more secure)
	if passwordFile := os.Getenv("MQTT_PASSWORD_FILE"); passwordFile != "" {
		passwordBytes, err := readSecretFile(passwordFile)
		if err != nil {
			return fmt.Errorf("config: failed to read MQTT_PASSWORD_FILE: %w", err)
		}
		configuration.MQTT.Password = strings.TrimSpace(string(passwordBytes))
	}

	if v := os.Getenv("MQTT_TLS_CA_FILE"); v != "" {
		configuration.MQTT.TLSCAFile = v
	}

	return nil
}

func readSecretFile(path string) ([]byte, error) {
	absPath, err := sanitizeAbsolutePath(path)
	if err != nil {
		return nil, err
	}
	return readFileWithinRoot(absPath)
}

func sanitizeAbsolutePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("config: empty file path")
	}
	clean := filepath.Clean(path)
	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("config: resolve path %q: %w", path, err)
	}
	return abs, nil
}

func readFileWithinRoot(absPath string) ([]byte, error) {
	dir := filepath.Dir(absPath)
	base := filepath.Base(absPath)
	f, err := os.OpenInRoot(dir, base)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("error closing file: %v", err)
		}
	}()
	return io.ReadAll(f)
}

// applyControlEnvVars reads control server environment variables.
func applyControlEnvVars(configuration *Config) {
	configuration.Control.Bind = GetEnvDefault("CONTROL_BIND", configuration.Control.Bind)
	configuration.Control.RetryAfterSec = ParsePositiveEnvInt("CONTROL_RETRY_AFTER_SEC", configuration.Control.RetryAfterSec)
	configuration.Control.AllowPublic = ParseBoolEnv("ALLOW_PUBLIC_CONTROL", configuration.Control.AllowPublic)
	configuration.Control.RateLimitRPS = ParsePositiveEnvInt("CONTROL_RATE_LIMIT_RPS", configuration.Control.RateLimitRPS)
	configuration.Control.RateLimitBurst = ParsePositiveEnvInt("CONTROL_RATE_LIMIT_BURST", configuration.Control.RateLimitBurst)

	configuration.Control.TLSEnabled = ParseBoolEnv("CONTROL_TLS_ENABLED", configuration.Control.TLSEnabled)

	// Use component-specific TLS files if set, otherwise fall back to shared
	// TLS_* variables
	configuration.Control.TLSCertFile = GetEnvDefault("CONTROL_TLS_CERT_FILE", os.Getenv("TLS_CERT_FILE"))
	configuration.Control.TLSKeyFile = GetEnvDefault("CONTROL_TLS_KEY_FILE", os.Getenv("TLS_KEY_FILE"))
	configuration.Control.TLSCAFile = GetEnvDefault("CONTROL_TLS_CA_FILE", os.Getenv("TLS_CA_FILE"))

	if v := os.Getenv("CONTROL_TLS_CLIENT_AUTH"); v != "" {
		configuration.Control.TLSClientAuth = strings.ToLower(strings.TrimSpace(v))
	} else {
		configuration.Control.TLSClientAuth = "none"
	}
}

// applyProxyEnvVars reads reverse proxy environment variables.
func applyProxyEnvVars(configuration *Config) {
	configuration.Proxy.Enabled = ParseBoolEnv("PROXY_ENABLED", configuration.Proxy.Enabled)
	configuration.Proxy.Bind = GetEnvDefault("PROXY_BIND", configuration.Proxy.Bind)
	configuration.Proxy.UpstreamURL = GetEnvDefault("PROXY_UPSTREAM_URL", configuration.Proxy.UpstreamURL)
}

// applyMetricsEnvVars reads Prometheus metrics server environment variables.
func applyMetricsEnvVars(configuration *Config) {
	configuration.Metrics.Bind = GetEnvDefault("METRICS_BIND", configuration.Metrics.Bind)
	configuration.Metrics.Enabled = ParseBoolEnv("METRICS_ENABLED", configuration.Metrics.Enabled)

	configuration.Metrics.TLSEnabled = ParseBoolEnv("METRICS_TLS_ENABLED", configuration.Metrics.TLSEnabled)

	configuration.Metrics.TLSCertFile = GetEnvDefault("METRICS_TLS_CERT_FILE", os.Getenv("TLS_CERT_FILE"))
	configuration.Metrics.TLSKeyFile = GetEnvDefault("METRICS_TLS_KEY_FILE", os.Getenv("TLS_KEY_FILE"))
	configuration.Metrics.TLSCAFile = GetEnvDefault("METRICS_TLS_CA_FILE", os.Getenv("TLS_CA_FILE"))

	if v := os.Getenv("METRICS_TLS_CLIENT_AUTH"); v != "" {
		configuration.Metrics.TLSClientAuth = strings.ToLower(strings.TrimSpace(v))
	} else {
		configuration.Metrics.TLSClientAuth = "none"
	}
}

// applyGRPCUpstreamEnvVars reads gRPC upstream client environment variables.
func applyGRPCUpstreamEnvVars(configuration *Config) error {
	configuration.GRPCUpstream.Enabled = ParseBoolEnv("GRPC_UPSTREAM_ENABLED", configuration.GRPCUpstream.Enabled)
	configuration.GRPCUpstream.ServerAddr = GetEnvDefault("GRPC_UPSTREAM_SERVER_ADDR", configuration.GRPCUpstream.ServerAddr)

	configuration.GRPCUpstream.TLSEnabled = ParseBoolEnv("GRPC_UPSTREAM_TLS_ENABLED", configuration.GRPCUpstream.TLSEnabled)

	configuration.GRPCUpstream.TLSCAFile = GetEnvDefault("GRPC_UPSTREAM_TLS_CA_FILE", os.Getenv("TLS_CA_FILE"))
	configuration.GRPCUpstream.TLSCertFile = GetEnvDefault("GRPC_UPSTREAM_TLS_CERT_FILE", os.Getenv("TLS_CERT_FILE"))
	configuration.GRPCUpstream.TLSKeyFile = GetEnvDefault("GRPC_UPSTREAM_TLS_KEY_FILE", os.Getenv("TLS_KEY_FILE"))

	if v := os.Getenv("GRPC_UPSTREAM_TLS_SERVER_NAME"); v != "" {
		configuration.GRPCUpstream.TLSServerName = v
	}

	configuration.GRPCUpstream.OAuth2Enabled = ParseBoolEnv("GRPC_UPSTREAM_OAUTH2_ENABLED", configuration.GRPCUpstream.OAuth2Enabled)

	if v := os.Getenv("GRPC_UPSTREAM_OAUTH2_TOKEN_URL"); v != "" {
		configuration.GRPCUpstream.OAuth2TokenURL = v
	}

	if v := os.Getenv("GRPC_UPSTREAM_OAUTH2_CLIENT_ID"); v != "" {
		configuration.GRPCUpstream.OAuth2ClientID = v
	}

	if v := os.Getenv("GRPC_UPSTREAM_OAUTH2_CLIENT_SECRET"); v != "" {
		configuration.GRPCUpstream.OAuth2ClientSecret = v
	}

	// Read client secret from file if provided (more secure)
	if secretFile := os.Getenv("GRPC_UPSTREAM_OAUTH2_CLIENT_SECRET_FILE"); secretFile != "" {
		secretBytes, err := readSecretFile(secretFile)
		if err != nil {
			return fmt.Errorf("config: failed to read GRPC_UPSTREAM_OAUTH2_CLIENT_SECRET_FILE: %w", err)
		}
		configuration.GRPCUpstream.OAuth2ClientSecret = strings.TrimSpace(string(secretBytes))
	}

	if v := os.Getenv("GRPC_UPSTREAM_OAUTH2_SCOPES"); v != "" {
		configuration.GRPCUpstream.OAuth2Scopes = v
	}

	return nil
}

// applyEnvironmentEnvVars normalizes ENVIRONMENT into "dev" or "prod".
// Valid inputs are "dev"/"development" and "prod"/"production"; other values
// error out.
func applyEnvironmentEnvVars(configuration *Config) error {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		env := strings.ToLower(strings.TrimSpace(v))

		switch env {
		case "dev", "development":
			configuration.Environment = EnvironmentDevelopment
		case "prod", "production":
			configuration.Environment = EnvironmentProduction
		default:
			return errors.New("config: ENVIRONMENT must be 'dev' or 'prod'")
		}
	}

	return nil
}

// validate checks that required configuration fields are present and valid.
// Returns an error if any validation fails.
func validate(configuration *Config) error {
	if configuration.Environment != EnvironmentDevelopment && configuration.Environment != EnvironmentProduction {
		return errors.New("config: environment must be 'dev' or 'prod'")
	}

	validClientAuthModes := map[string]bool{
		"none":    true,
		"request": true,
		"require": true,
	}

	// MQTT validation
	if configuration.MQTT.Enabled {
		if configuration.MQTT.BrokerURL == "" {
			return errors.New("config: MQTT_BROKER_URL is required when MQTT_ENABLED=true")
		}
		if len(configuration.MQTT.Topics) == 0 {
			return errors.New("config: MQTT_TOPICS is required (at least one topic)")
		}
	}

	// Control TLS validation
	if configuration.Control.TLSEnabled {
		if configuration.Control.TLSCertFile == "" {
			return errors.New("config: CONTROL_TLS_CERT_FILE is required when CONTROL_TLS_ENABLED=true")
		}
		if configuration.Control.TLSKeyFile == "" {
			return errors.New("config: CONTROL_TLS_KEY_FILE is required when CONTROL_TLS_ENABLED=true")
		}

		if !validClientAuthModes[configuration.Control.TLSClientAuth] {
			return fmt.Errorf("config: CONTROL_TLS_CLIENT_AUTH must be 'none', 'request', or 'require', got %q", configuration.Control.TLSClientAuth)
		}

		if configuration.Control.TLSClientAuth == "require" && configuration.Control.TLSCAFile == "" {
			return errors.New("config: CONTROL_TLS_CA_FILE is required when CONTROL_TLS_CLIENT_AUTH=require")
		}
	}

	// SECURITY: a publicly reachable knob without TLS is acceptable only in
	// development.
	if configuration.Control.AllowPublic && !configuration.Control.TLSEnabled {
		if configuration.IsProduction() {
			return errors.New("config: SECURITY: TLS is required when ALLOW_PUBLIC_CONTROL=true in production mode")
		}
		log.Printf("WARNING: Running public control API without TLS in development mode - this is insecure!")
	}

	// Proxy validation
	if configuration.Proxy.Enabled {
		if configuration.Proxy.UpstreamURL == "" {
			return errors.New("config: PROXY_UPSTREAM_URL is required when PROXY_ENABLED=true")
		}
		parsed, err := url.Parse(configuration.Proxy.UpstreamURL)
		if err != nil {
			return fmt.Errorf("config: PROXY_UPSTREAM_URL invalid: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return errors.New("config: PROXY_UPSTREAM_URL must be an http or https URL")
		}
		if parsed.Host == "" {
			return errors.New("config: PROXY_UPSTREAM_URL must include a host")
		}
	}

	// Metrics TLS validation
	if configuration.Metrics.TLSEnabled {
		if configuration.Metrics.TLSCertFile == "" {
			return errors.New("config: METRICS_TLS_CERT_FILE is required when METRICS_TLS_ENABLED=true")
		}
		if configuration.Metrics.TLSKeyFile == "" {
			return errors.New("config: METRICS_TLS_KEY_FILE is required when METRICS_TLS_ENABLED=true")
		}

		if !validClientAuthModes[configuration.Metrics.TLSClientAuth] {
			return fmt.Errorf("config: METRICS_TLS_CLIENT_AUTH must be 'none', 'request', or 'require', got %q", configuration.Metrics.TLSClientAuth)
		}

		if configuration.Metrics.TLSClientAuth == "require" && configuration.Metrics.TLSCAFile == "" {
			return errors.New("config: METRICS_TLS_CA_FILE is required when METRICS_TLS_CLIENT_AUTH=require")
		}
	}

	// gRPC upstream validation
	if configuration.GRPCUpstream.Enabled {
		if configuration.GRPCUpstream.ServerAddr == "" {
			return errors.New("config: GRPC_UPSTREAM_SERVER_ADDR is required when GRPC_UPSTREAM_ENABLED=true")
		}

		if configuration.GRPCUpstream.TLSEnabled {
			if configuration.GRPCUpstream.TLSCAFile == "" {
				return errors.New("config: GRPC_UPSTREAM_TLS_CA_FILE is required when GRPC_UPSTREAM_TLS_ENABLED=true")
			}

			hasCert := configuration.GRPCUpstream.TLSCertFile != ""
			hasKey := configuration.GRPCUpstream.TLSKeyFile != ""
			if hasCert != hasKey {
				return errors.New("config: GRPC_UPSTREAM_TLS_CERT_FILE and GRPC_UPSTREAM_TLS_KEY_FILE must both be set or both be empty")
			}
		}

		if configuration.GRPCUpstream.OAuth2Enabled {
			if configuration.GRPCUpstream.OAuth2TokenURL == "" {
				return errors.New("config: GRPC_UPSTREAM_OAUTH2_TOKEN_URL is required when GRPC_UPSTREAM_OAUTH2_ENABLED=true")
			}
			if configuration.GRPCUpstream.OAuth2ClientID == "" {
				return errors.New("config: GRPC_UPSTREAM_OAUTH2_CLIENT_ID is required when GRPC_UPSTREAM_OAUTH2_ENABLED=true")
			}
			if configuration.GRPCUpstream.OAuth2ClientSecret == "" {
				return errors.New("config: GRPC_UPSTREAM_OAUTH2_CLIENT_SECRET is required when GRPC_UPSTREAM_OAUTH2_ENABLED=true")
			}
		}
	}

	return nil
}

// IsProduction returns true if the application is running in production mode.
func (cfg *Config) IsProduction() bool {
	return cfg.Environment == EnvironmentProduction
}

// IsDevelopment returns true if the application is running in development mode.
func (cfg *Config) IsDevelopment() bool {
	return cfg.Environment == EnvironmentDevelopment
}

// String returns a human-readable representation of the configuration.
func (cfg *Config) String() string {
	return "Config{" +
		"Environment=" + cfg.Environment +
		", Delay.Initial=" + cfg.Delay.Initial.String() +
		", Proxy.UpstreamURL=" + cfg.Proxy.UpstreamURL +
		"}"
}

// cleanEnvValue removes inline comments and trims whitespace from environment
// variable values. This handles systemd EnvironmentFile format where inline
// comments are included in the value.
// Example: "127.0.0.1:8080 # bind address" becomes "127.0.0.1:8080"
func cleanEnvValue(value string) string {
	cleaned := strings.TrimSpace(value)
	if idx := strings.Index(cleaned, "#"); idx >= 0 {
		cleaned = strings.TrimSpace(cleaned[:idx])
	}
	return cleaned
}

// GetEnvDefault retrieves an environment variable or returns a fallback value.
// Empty or whitespace-only values are treated as unset.
// Inline comments (e.g., "value # comment") are stripped.
func GetEnvDefault(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		cleaned := cleanEnvValue(value)
		if cleaned != "" {
			return cleaned
		}
	}
	return fallback
}

// ParsePositiveEnvInt reads an integer environment variable with validation.
// Returns the fallback if the variable is unset, invalid, or non-positive.
// Invalid or non-positive values are logged before falling back.
// Inline comments (e.g., "512 # comment") are stripped.
func ParsePositiveEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(cleaned)
	if err != nil {
		log.Printf("config: %s invalid (%q), using fallback %d", key, value, fallback)
		return fallback
	}
	if parsed <= 0 {
		log.Printf("config: %s non-positive (%d), using fallback %d", key, parsed, fallback)
		return fallback
	}
	return parsed
}

// ParseDurationEnv reads a duration environment variable with validation.
// Values must include a unit suffix (e.g., "500ms", "30s", "5m").
// Returns the fallback if the variable is unset, invalid, or negative.
// Inline comments (e.g., "5s # comment") are stripped.
func ParseDurationEnv(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	hasUnit := false
	for i := 0; i < len(cleaned); i++ {
		ch := cleaned[i]
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') {
			hasUnit = true
			break
		}
	}
	if !hasUnit {
		log.Printf("config: %s missing duration unit (%q), using fallback %s", key, value, fallback)
		return fallback
	}
	parsed, err := time.ParseDuration(cleaned)
	if err != nil {
		log.Printf("config: %s invalid (%q), using fallback %s", key, value, fallback)
		return fallback
	}
	if parsed < 0 {
		log.Printf("config: %s negative (%s), using fallback %s", key, parsed, fallback)
		return fallback
	}
	return parsed
}

// ParseBoolEnv interprets typical boolean environment values (true/false,
// 1/0, yes/no). Inline comments (e.g., "true # enable feature") are stripped.
func ParseBoolEnv(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	cleaned := cleanEnvValue(value)
	if cleaned == "" {
		return fallback
	}
	trimmed := strings.ToLower(cleaned)
	switch trimmed {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		log.Printf("config: %s has unrecognised boolean value %q, using fallback %v", key, value, fallback)
		return fallback
	}
}
