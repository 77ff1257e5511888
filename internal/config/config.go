// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. A postgres:// URL selects the pgx-backed store;
	// anything else is treated as a SQLite path (":memory:" included).
	DatabaseURL string

	// Artifact storage. Local directory artifacts are written under;
	// empty keeps artifacts in memory.
	ArtifactDir string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Admin bootstrap.
	AdminAPIKey string // API key for the initial admin user.

	// Planner provider settings.
	PlannerProvider string // "auto", "anthropic", "openai", or "template"
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string
	PlannerTimeout  time.Duration

	// Tool execution settings.
	ToolTimeout      time.Duration
	ChartInterpreter string // Interpreter used to run chart builder scripts.
	ChartScriptDir   string // Directory holding the build_<kind>.py scripts.
	SearchBaseURL    string // Web search endpoint; empty disables network search.

	// Worker settings.
	WorkerSchedule    string // cron spec for the queued-run sweep; empty disables the worker.
	WorkerConcurrency int

	// Rate limiting. The auth rule covers the token exchange endpoint,
	// which pays for an argon2 verification per request; everything else
	// uses the base rule.
	RateLimitEnabled   bool
	RateLimitRPS       float64
	RateLimitBurst     int
	RateLimitAuthRPS   float64
	RateLimitAuthBurst int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("TSUGI_PORT", 8080),
		ReadTimeout:         envDuration("TSUGI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("TSUGI_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         envStr("DATABASE_URL", "tsugi.db"),
		ArtifactDir:         envStr("TSUGI_ARTIFACT_DIR", "artifacts"),
		JWTPrivateKeyPath:   envStr("TSUGI_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("TSUGI_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       envDuration("TSUGI_JWT_EXPIRATION", 24*time.Hour),
		AdminAPIKey:         envStr("TSUGI_ADMIN_API_KEY", ""),
		PlannerProvider:     envStr("TSUGI_PLANNER_PROVIDER", "auto"),
		AnthropicAPIKey:     envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:      envStr("TSUGI_ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		OpenAIModel:         envStr("TSUGI_OPENAI_MODEL", "gpt-4o"),
		PlannerTimeout:      envDuration("TSUGI_PLANNER_TIMEOUT", 3*time.Minute),
		ToolTimeout:         envDuration("TSUGI_TOOL_TIMEOUT", 2*time.Minute),
		ChartInterpreter:    envStr("TSUGI_CHART_INTERPRETER", "python3"),
		ChartScriptDir:      envStr("TSUGI_CHART_SCRIPT_DIR", "scripts"),
		SearchBaseURL:       envStr("TSUGI_SEARCH_BASE_URL", ""),
		WorkerSchedule:      envStr("TSUGI_WORKER_SCHEDULE", "@every 15s"),
		WorkerConcurrency:   envInt("TSUGI_WORKER_CONCURRENCY", 4),
		RateLimitEnabled:    envBool("TSUGI_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:        envFloat("TSUGI_RATE_LIMIT_RPS", 10),
		RateLimitBurst:      envInt("TSUGI_RATE_LIMIT_BURST", 20),
		RateLimitAuthRPS:    envFloat("TSUGI_RATE_LIMIT_AUTH_RPS", 1),
		RateLimitAuthBurst:  envInt("TSUGI_RATE_LIMIT_AUTH_BURST", 5),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "tsugi"),
		LogLevel:            envStr("TSUGI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("TSUGI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	switch c.PlannerProvider {
	case "auto", "anthropic", "openai", "template":
	default:
		return fmt.Errorf("config: unknown TSUGI_PLANNER_PROVIDER %q", c.PlannerProvider)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("config: TSUGI_WORKER_CONCURRENCY must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: TSUGI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

// UsesPostgres reports whether DatabaseURL points at a Postgres server
// rather than a local SQLite file.
func (c Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
