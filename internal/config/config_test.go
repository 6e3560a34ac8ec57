package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "querygate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Redis.URL != "redis://localhost:6379" {
		t.Errorf("expected default redis URL, got %s", cfg.Redis.URL)
	}
	if cfg.Query.Timeout != 30*time.Second {
		t.Errorf("expected 30s query timeout, got %v", cfg.Query.Timeout)
	}
	if cfg.Query.DefaultLimit != 1000 {
		t.Errorf("expected default limit 1000, got %d", cfg.Query.DefaultLimit)
	}
	if cfg.Limits.QueryMax != 100 || cfg.Limits.ConnectionMax != 20 {
		t.Errorf("unexpected rate limits: %d/%d", cfg.Limits.QueryMax, cfg.Limits.ConnectionMax)
	}
	if cfg.Limits.SessionTimeout != 30*time.Minute {
		t.Errorf("expected 30m session timeout, got %v", cfg.Limits.SessionTimeout)
	}
}

func TestLoadMissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("QUERY_DEFAULT_LIMIT", "77")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file failed: %v", err)
	}
	if cfg.Query.DefaultLimit != 77 {
		t.Errorf("expected env value 77, got %d", cfg.Query.DefaultLimit)
	}
}

func TestLoadFile(t *testing.T) {
	yaml := `
listen:
  port: 9090
  bind: 127.0.0.1

query:
  timeout: 10s
  default_limit: 250

limits:
  query_max: 50
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Listen.Port)
	}
	if cfg.Query.Timeout != 10*time.Second {
		t.Errorf("expected 10s timeout, got %v", cfg.Query.Timeout)
	}
	if cfg.Query.DefaultLimit != 250 {
		t.Errorf("expected default limit 250, got %d", cfg.Query.DefaultLimit)
	}
	if cfg.Limits.QueryMax != 50 {
		t.Errorf("expected query max 50, got %d", cfg.Limits.QueryMax)
	}
	// Untouched values still get defaults
	if cfg.Limits.ConnectionMax != 20 {
		t.Errorf("expected connection max 20, got %d", cfg.Limits.ConnectionMax)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	yaml := `
query:
  default_limit: 250
`
	path := writeTemp(t, yaml)

	t.Setenv("QUERY_DEFAULT_LIMIT", "42")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Query.DefaultLimit != 42 {
		t.Errorf("expected env override 42, got %d", cfg.Query.DefaultLimit)
	}
}

func TestEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_REDIS_URL", "redis://example:6380")
	yaml := `
redis:
  url: ${TEST_REDIS_URL}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Redis.URL != "redis://example:6380" {
		t.Errorf("expected substituted URL, got %s", cfg.Redis.URL)
	}
}

func TestDefaultDatabasesFromEnv(t *testing.T) {
	t.Setenv("DB_POSTGRESQL_URL", "postgresql://u:p@localhost:5432/app")
	t.Setenv("DB_POSTGRESQL_NAME", "Main PG")
	t.Setenv("DB_MONGODB_URL", "mongodb://localhost:27017")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Defaults) != 2 {
		t.Fatalf("expected 2 defaults, got %d", len(cfg.Defaults))
	}
	if cfg.Defaults[0].Kind != KindPostgres || cfg.Defaults[0].DisplayName != "Main PG" {
		t.Errorf("unexpected first default: %+v", cfg.Defaults[0])
	}
	if cfg.Defaults[1].Kind != KindMongo || cfg.Defaults[1].DisplayName != "MongoDB" {
		t.Errorf("unexpected second default: %+v", cfg.Defaults[1])
	}

	if _, ok := cfg.FindDefault("postgresql://u:p@localhost:5432/app"); !ok {
		t.Error("FindDefault should match the configured URL")
	}
	if _, ok := cfg.FindDefault("postgresql://other"); ok {
		t.Error("FindDefault should not match an unknown URL")
	}
}

func TestShortSecretsRejected(t *testing.T) {
	t.Setenv("ADMIN_CLEANUP_TOKEN", "short")
	if _, err := Load(""); err == nil {
		t.Error("expected error for short ADMIN_CLEANUP_TOKEN")
	}
}

func TestKindValid(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindPostgres, true},
		{KindMySQL, true},
		{KindMongo, true},
		{Kind("oracle"), false},
		{Kind(""), false},
	}
	for _, tt := range tests {
		if got := tt.kind.Valid(); got != tt.want {
			t.Errorf("Kind(%q).Valid() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
