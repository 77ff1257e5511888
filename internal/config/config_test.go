package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	if v := envInt("TEST_INT_MISSING", 99); v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("expected fallback 7 for non-integer value, got %d", v)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "90s")
	if v := envDuration("TEST_DUR", time.Second); v != 90*time.Second {
		t.Fatalf("expected 90s, got %s", v)
	}
	if v := envDuration("TEST_DUR_MISSING", time.Minute); v != time.Minute {
		t.Fatalf("expected fallback 1m, got %s", v)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "false")
	if envBool("TEST_BOOL", true) {
		t.Fatal("expected false")
	}
	if !envBool("TEST_BOOL_MISSING", true) {
		t.Fatal("expected fallback true")
	}
	t.Setenv("TEST_BOOL_BAD", "maybe")
	if !envBool("TEST_BOOL_BAD", true) {
		t.Fatal("expected fallback true for invalid value")
	}
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "2.5")
	if v := envFloat("TEST_FLOAT", 1); v != 2.5 {
		t.Fatalf("expected 2.5, got %f", v)
	}
	if v := envFloat("TEST_FLOAT_MISSING", 3); v != 3 {
		t.Fatalf("expected fallback 3, got %f", v)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.PlannerProvider != "auto" {
		t.Fatalf("expected default planner provider auto, got %s", cfg.PlannerProvider)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Fatalf("expected default worker concurrency 4, got %d", cfg.WorkerConcurrency)
	}
	if !cfg.RateLimitEnabled {
		t.Fatal("expected rate limiting enabled by default")
	}
	if cfg.RateLimitAuthRPS != 1 || cfg.RateLimitAuthBurst != 5 {
		t.Fatalf("expected auth rule defaults 1 rps / burst 5, got %f / %d", cfg.RateLimitAuthRPS, cfg.RateLimitAuthBurst)
	}
	if cfg.ChartScriptDir != "scripts" {
		t.Fatalf("expected default chart script dir scripts, got %s", cfg.ChartScriptDir)
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	t.Setenv("TSUGI_PLANNER_PROVIDER", "gemini")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown planner provider, got nil")
	}
}

func TestUsesPostgres(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"postgres://u:p@localhost:5432/tsugi", true},
		{"postgresql://u:p@localhost:5432/tsugi", true},
		{"tsugi.db", false},
		{":memory:", false},
	}
	for _, tc := range cases {
		c := Config{DatabaseURL: tc.url}
		if got := c.UsesPostgres(); got != tc.want {
			t.Fatalf("UsesPostgres(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}
