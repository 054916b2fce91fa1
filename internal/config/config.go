// Package config loads the mirror's settings from environment variables,
// applying defaults and validating the result. It covers the inspection API
// server, logging, the gateway and REST clients, credential storage, the
// outbound queue and tracing.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// GatewayConfig controls the realtime gateway connections.
type GatewayConfig struct {
	APIVersion        int           // GATEWAY_API_VERSION, the "v" query parameter
	Encoding          string        // GATEWAY_ENCODING, only "json" is understood
	DialTimeout       time.Duration // GATEWAY_DIAL_TIMEOUT
	WriteTimeout      time.Duration // GATEWAY_WRITE_TIMEOUT
	ReadLimit         int64         // GATEWAY_READ_LIMIT, bytes per inbound frame
	ReconnectMinDelay time.Duration // RECONNECT_MIN_DELAY
	ReconnectMaxDelay time.Duration // RECONNECT_MAX_DELAY
	IdentifyOS        string        // IDENTIFY_OS
	IdentifyBrowser   string        // IDENTIFY_BROWSER
	IdentifyDevice    string        // IDENTIFY_DEVICE
}

// Config holds all configuration values for the application.
type Config struct {
	// Inspection API server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration // 0 disables; event streams stay open
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test
	APIBasePath       string

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool

	// Storage
	DBPath            string // SQLite path for stored credentials
	CredentialsSecret string // passphrase sealing stored tokens

	// Mirror
	Instances        []string // domains created at startup
	Gateway          GatewayConfig
	RESTTimeout      time.Duration
	MaxMessageLength int // runes per outbound message
	SubscriberBuffer int // per-subscriber change notification buffer

	// Rate limiting
	RateRPS   float64
	RateBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 0),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		APIBasePath:       normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		DBPath:            getenv("DB_PATH", "mirror.db"),
		CredentialsSecret: os.Getenv("CREDENTIALS_SECRET"),

		Instances: splitCSV(getenv("INSTANCES", "")),
		Gateway: GatewayConfig{
			APIVersion:        getint("GATEWAY_API_VERSION", 9),
			Encoding:          strings.ToLower(getenv("GATEWAY_ENCODING", "json")),
			DialTimeout:       getdur("GATEWAY_DIAL_TIMEOUT", 15*time.Second),
			WriteTimeout:      getdur("GATEWAY_WRITE_TIMEOUT", 10*time.Second),
			ReadLimit:         int64(getint("GATEWAY_READ_LIMIT", 16<<20)),
			ReconnectMinDelay: getdur("RECONNECT_MIN_DELAY", time.Second),
			ReconnectMaxDelay: getdur("RECONNECT_MAX_DELAY", time.Minute),
			IdentifyOS:        getenv("IDENTIFY_OS", "linux"),
			IdentifyBrowser:   getenv("IDENTIFY_BROWSER", "go-chat-mirror"),
			IdentifyDevice:    getenv("IDENTIFY_DEVICE", "go-chat-mirror"),
		},
		RESTTimeout:      getdur("REST_TIMEOUT", 15*time.Second),
		MaxMessageLength: getint("MAX_MESSAGE_LENGTH", 2000),
		SubscriberBuffer: getint("SUBSCRIBER_BUFFER", 64),

		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-chat-mirror"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	for i, d := range cfg.Instances {
		cfg.Instances[i] = NormalizeDomain(d)
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.WriteTimeout < 0 {
		return cfg, errors.New("WRITE_TIMEOUT must be >= 0")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if len(cfg.CredentialsSecret) < 8 {
		return cfg, errors.New("CREDENTIALS_SECRET must be at least 8 characters")
	}
	if cfg.Gateway.APIVersion <= 0 {
		return cfg, errors.New("GATEWAY_API_VERSION must be > 0")
	}
	if cfg.Gateway.Encoding != "json" {
		return cfg, errors.New("GATEWAY_ENCODING must be json")
	}
	if cfg.Gateway.DialTimeout <= 0 || cfg.Gateway.WriteTimeout <= 0 || cfg.RESTTimeout <= 0 {
		return cfg, errors.New("gateway and REST timeouts must be positive durations")
	}
	if cfg.Gateway.ReadLimit <= 0 {
		return cfg, errors.New("GATEWAY_READ_LIMIT must be > 0")
	}
	if cfg.Gateway.ReconnectMinDelay <= 0 || cfg.Gateway.ReconnectMaxDelay < cfg.Gateway.ReconnectMinDelay {
		return cfg, errors.New("RECONNECT_MIN_DELAY must be > 0 and <= RECONNECT_MAX_DELAY")
	}
	if cfg.MaxMessageLength <= 0 {
		return cfg, errors.New("MAX_MESSAGE_LENGTH must be > 0")
	}
	if cfg.SubscriberBuffer <= 0 {
		return cfg, errors.New("SUBSCRIBER_BUFFER must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return cfg, nil
}

// NormalizeDomain lower-cases an instance domain and strips any scheme,
// path and surrounding whitespace: " https://Chat.Example.org/ " becomes
// "chat.example.org".
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexByte(d, '/'); i >= 0 {
		d = d[:i]
	}
	return d
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures a leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}
