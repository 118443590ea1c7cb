package app

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{
		"HTTP_ADDR", "LOG_LEVEL", "SEARCH_API_BASE", "SEARCH_TIMEOUT_SECONDS",
		"SEARCH_DEFAULT_LIMIT", "SEARCH_MAX_CONCURRENT", "SEARCH_RETRY_ATTEMPTS", "REDIS_URL",
		"SNAPSHOT_DISABLED", "MONGO_URI", "MONGO_DB", "HTTP_RATE_LIMIT_RPS",
	} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()
	if cfg.HTTPAddr != ":8095" {
		t.Fatalf("unexpected addr %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected log level %q", cfg.LogLevel)
	}
	if cfg.SearchAPIBase != "http://localhost:8000" {
		t.Fatalf("unexpected search base %q", cfg.SearchAPIBase)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.RequestTimeout)
	}
	if cfg.DefaultLimit != 10 || cfg.MaxConcurrent != 8 {
		t.Fatalf("unexpected limits %d/%d", cfg.DefaultLimit, cfg.MaxConcurrent)
	}
	if cfg.RetryAttempts != 1 {
		t.Fatalf("expected one search attempt by default, got %d", cfg.RetryAttempts)
	}
	if cfg.SnapshotTTL != 24*time.Hour || cfg.SnapshotDisabled {
		t.Fatalf("unexpected snapshot settings %v/%v", cfg.SnapshotTTL, cfg.SnapshotDisabled)
	}
	if cfg.RedisURL != "" || cfg.MongoURI != "" {
		t.Fatalf("expected stores disabled, got %q %q", cfg.RedisURL, cfg.MongoURI)
	}
	if cfg.MongoDatabase != "searchcoordinator" {
		t.Fatalf("unexpected mongo db %q", cfg.MongoDatabase)
	}
	if cfg.RateLimitRPS != 50 {
		t.Fatalf("unexpected rate limit %v", cfg.RateLimitRPS)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("SEARCH_API_BASE", "http://search:8000/")
	t.Setenv("SEARCH_TIMEOUT_SECONDS", "5")
	t.Setenv("SEARCH_DEFAULT_LIMIT", "25")
	t.Setenv("SEARCH_RETRY_ATTEMPTS", "3")
	t.Setenv("SNAPSHOT_DISABLED", "yes")
	t.Setenv("MONGO_URI", "mongodb://mongo:27017")

	cfg := LoadConfig()
	if cfg.HTTPAddr != ":9000" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected addr/level %q %q", cfg.HTTPAddr, cfg.LogLevel)
	}
	if cfg.SearchAPIBase != "http://search:8000" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.SearchAPIBase)
	}
	if cfg.RequestTimeout != 5*time.Second || cfg.DefaultLimit != 25 || cfg.RetryAttempts != 3 {
		t.Fatalf("unexpected search settings %v %d %d", cfg.RequestTimeout, cfg.DefaultLimit, cfg.RetryAttempts)
	}
	if !cfg.SnapshotDisabled {
		t.Fatal("expected snapshots disabled")
	}
	if cfg.MongoURI != "mongodb://mongo:27017" {
		t.Fatalf("unexpected mongo uri %q", cfg.MongoURI)
	}
}

func TestGetEnvIntRejectsInvalid(t *testing.T) {
	for raw, want := range map[string]int{"abc": 7, "-3": 7, "0": 7, " 12 ": 12} {
		t.Setenv("SCOORD_INT", raw)
		if got := getEnvInt("SCOORD_INT", 7); got != want {
			t.Errorf("%q: got %d, want %d", raw, got, want)
		}
	}
}

func TestGetEnvBool(t *testing.T) {
	cases := map[string]bool{"1": true, "on": true, "TRUE": true, "off": false, "no": false, "0": false}
	for raw, want := range cases {
		t.Setenv("SCOORD_BOOL", raw)
		if got := getEnvBool("SCOORD_BOOL", !want); got != want {
			t.Errorf("%q: got %v, want %v", raw, got, want)
		}
	}
	t.Setenv("SCOORD_BOOL", "maybe")
	if !getEnvBool("SCOORD_BOOL", true) {
		t.Fatal("unknown value should fall back")
	}
}
