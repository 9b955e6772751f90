package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y", 3}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func hasProblem(problems []Problem, field string) bool {
	for _, p := range problems {
		if p.Field == field {
			return true
		}
	}
	return false
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")

	cfg, problems := Load("copiloto-api", 8000)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.HTTPPort != 8000 || cfg.ServiceName != "copiloto-api" {
		t.Fatalf("unexpected identity: %d %s", cfg.HTTPPort, cfg.ServiceName)
	}
	if cfg.APIPrefix != "/api/v1" {
		t.Fatalf("api prefix = %q", cfg.APIPrefix)
	}
	if cfg.AccessTokenTTL != 7*24*time.Hour {
		t.Fatalf("token ttl = %s", cfg.AccessTokenTTL)
	}
	if cfg.SecretKey == "" {
		t.Fatalf("expected dev secret to be filled in")
	}
	if cfg.MetricsWindowDays != 7 {
		t.Fatalf("metrics window = %d", cfg.MetricsWindowDays)
	}
}

func TestLoadMissingEnvIsReported(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("CONFIG_PATH", "")

	cfg, problems := Load("copiloto-api", 8000)
	if !hasProblem(problems, "ENV") {
		t.Fatalf("expected ENV problem, got %#v", problems)
	}
	if cfg.Env != "dev" {
		t.Fatalf("env = %q, want dev", cfg.Env)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("PORT", "9090")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("OUTBOX_ENABLED", "yes")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("API_PREFIX", "api/v2/")

	cfg, problems := Load("copiloto-api", 8000)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.HTTPPort != 9090 {
		t.Fatalf("port = %d", cfg.HTTPPort)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Fatalf("rps = %v", cfg.RateLimitRPS)
	}
	if !cfg.OutboxEnabled {
		t.Fatalf("expected outbox enabled")
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers = %#v", cfg.KafkaBrokers)
	}
	if cfg.APIPrefix != "/api/v2" {
		t.Fatalf("api prefix = %q", cfg.APIPrefix)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("HTTP_PORT", "70000")
	t.Setenv("DB_MAX_CONNS", "abc")
	t.Setenv("METRICS_WINDOW_DAYS", "0")

	cfg, problems := Load("copiloto-api", 8000)
	for _, field := range []string{"HTTP_PORT", "DB_MAX_CONNS", "METRICS_WINDOW_DAYS"} {
		if !hasProblem(problems, field) {
			t.Fatalf("expected problem for %s, got %#v", field, problems)
		}
	}
	if cfg.HTTPPort != 8000 || cfg.MetricsWindowDays != 7 {
		t.Fatalf("expected fallbacks, got port=%d window=%d", cfg.HTTPPort, cfg.MetricsWindowDays)
	}
}

func TestLoadRootAPIPrefixRejected(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("API_PREFIX", " / ")

	cfg, problems := Load("copiloto-api", 8000)
	if !hasProblem(problems, "API_PREFIX") {
		t.Fatalf("expected API_PREFIX problem, got %#v", problems)
	}
	if cfg.APIPrefix != "/api/v1" {
		t.Fatalf("api prefix = %q, want fallback /api/v1", cfg.APIPrefix)
	}
}

func TestLoadProdRequiresSecret(t *testing.T) {
	t.Setenv("ENV", "prod")
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("SECRET_KEY", "")

	_, problems := Load("copiloto-api", 8000)
	if !hasProblem(problems, "SECRET_KEY") {
		t.Fatalf("expected SECRET_KEY problem, got %#v", problems)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "copiloto.yaml")
	body := "ENV: staging\nHTTP_PORT: 8181\nAUDIT_ENABLED: true\nCORS_ALLOWED_ORIGINS:\n  - https://app.kaapeh.mx\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV", "")
	t.Setenv("CONFIG_PATH", path)

	cfg, problems := Load("copiloto-api", 8000)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.Env != "staging" || cfg.HTTPPort != 8181 || !cfg.AuditEnabled {
		t.Fatalf("unexpected cfg: env=%s port=%d audit=%v", cfg.Env, cfg.HTTPPort, cfg.AuditEnabled)
	}
	if len(cfg.CORSAllowedOrigins) != 1 || cfg.CORSAllowedOrigins[0] != "https://app.kaapeh.mx" {
		t.Fatalf("origins = %#v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadJSONFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "copiloto.json")
	if err := os.WriteFile(path, []byte(`{"ENV":"dev","CACHE_TTL_SECONDS":60,"REDIS_ADDR":"file:6379"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENV", "")
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("REDIS_ADDR", "env:6379")

	cfg, problems := Load("copiloto-api", 8000)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.CacheTTL() != time.Minute {
		t.Fatalf("cache ttl = %s", cfg.CacheTTL())
	}
	if cfg.RedisAddr != "env:6379" {
		t.Fatalf("env should win over file, got %q", cfg.RedisAddr)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))

	_, problems := Load("copiloto-api", 8000)
	if !hasProblem(problems, "CONFIG_PATH") {
		t.Fatalf("expected CONFIG_PATH problem, got %#v", problems)
	}
}
