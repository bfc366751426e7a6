package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load("")
	if err == nil {
		t.Error("expected error when DATABASE_URL is missing")
	}
	if err.Error() != "database_url is required (env: DATABASE_URL)" {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 6161 {
		t.Errorf("expected HTTPPort 6161, got %d", cfg.HTTPPort)
	}
	if cfg.ControllerURL != "http://localhost:6161" {
		t.Errorf("expected ControllerURL http://localhost:6161, got %s", cfg.ControllerURL)
	}
	if cfg.WorkerConcurrency != 1 {
		t.Errorf("expected WorkerConcurrency 1, got %d", cfg.WorkerConcurrency)
	}
	if cfg.WorkerPollInterval != 1*time.Second {
		t.Errorf("expected WorkerPollInterval 1s, got %v", cfg.WorkerPollInterval)
	}
	if cfg.WorkerMaxBackoff != 30*time.Second {
		t.Errorf("expected WorkerMaxBackoff 30s, got %v", cfg.WorkerMaxBackoff)
	}
	if cfg.WorkerHeartbeatInterval != 2*time.Minute {
		t.Errorf("expected WorkerHeartbeatInterval 2m, got %v", cfg.WorkerHeartbeatInterval)
	}
	if cfg.Backend != "kubernetes" {
		t.Errorf("expected Backend kubernetes, got %s", cfg.Backend)
	}
	if cfg.PoolMinWarm != 2 || cfg.PoolMaxWarm != 5 {
		t.Errorf("expected pool bounds 2/5, got %d/%d", cfg.PoolMinWarm, cfg.PoolMaxWarm)
	}
	if cfg.ReclaimInterval != time.Minute {
		t.Errorf("expected ReclaimInterval 1m, got %v", cfg.ReclaimInterval)
	}
	if cfg.JobRetention != 24*time.Hour {
		t.Errorf("expected JobRetention 24h, got %v", cfg.JobRetention)
	}
	if cfg.RecoveryGrace != 2*time.Minute {
		t.Errorf("expected RecoveryGrace 2m, got %v", cfg.RecoveryGrace)
	}
	if cfg.RecoveryLiveness != 10*time.Minute {
		t.Errorf("expected RecoveryLiveness 10m, got %v", cfg.RecoveryLiveness)
	}
	if cfg.OTELEndpoint != "localhost:4317" {
		t.Errorf("expected OTELEndpoint localhost:4317, got %s", cfg.OTELEndpoint)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://custom/db")
	t.Setenv("PORT", "9999")
	t.Setenv("WORKER_CONCURRENCY", "5")
	t.Setenv("WORKER_POLL_INTERVAL", "2s")
	t.Setenv("CONTROLLER_URL", "http://custom:8080")
	t.Setenv("BACKEND", "docker")
	t.Setenv("PUBLIC_DOMAIN", "clones.example.com")
	t.Setenv("POOL_MIN_WARM", "3")
	t.Setenv("POOL_MAX_WARM", "8")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel-collector:4317")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://custom/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 9999 {
		t.Errorf("expected HTTPPort 9999, got %d", cfg.HTTPPort)
	}
	if cfg.WorkerConcurrency != 5 {
		t.Errorf("expected WorkerConcurrency 5, got %d", cfg.WorkerConcurrency)
	}
	if cfg.WorkerPollInterval != 2*time.Second {
		t.Errorf("expected WorkerPollInterval 2s, got %v", cfg.WorkerPollInterval)
	}
	if cfg.Backend != "docker" {
		t.Errorf("expected Backend docker, got %s", cfg.Backend)
	}
	if cfg.PublicDomain != "clones.example.com" {
		t.Errorf("expected PublicDomain clones.example.com, got %s", cfg.PublicDomain)
	}
	if cfg.PoolMinWarm != 3 || cfg.PoolMaxWarm != 8 {
		t.Errorf("expected pool bounds 3/8, got %d/%d", cfg.PoolMinWarm, cfg.PoolMaxWarm)
	}
	if cfg.OTELEndpoint != "otel-collector:4317" {
		t.Errorf("expected OTELEndpoint otel-collector:4317, got %s", cfg.OTELEndpoint)
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("BACKEND", "invalid")

	_, err := Load("")
	if err == nil {
		t.Error("expected error for invalid backend")
	}
}

func TestLoad_InvalidPoolBounds(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("POOL_MIN_WARM", "5")
	t.Setenv("POOL_MAX_WARM", "2")

	_, err := Load("")
	if err == nil {
		t.Error("expected error when max_warm < min_warm")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "stagepool-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	configContent := `
database_url: "postgres://config-file/db"
http_port: 7777
worker_concurrency: 10
backend: docker
`
	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	tmpFile.Close()

	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")
	t.Setenv("WORKER_CONCURRENCY", "")
	t.Setenv("BACKEND", "")

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://config-file/db" {
		t.Errorf("expected DatabaseURL from config file, got %s", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 7777 {
		t.Errorf("expected HTTPPort 7777, got %d", cfg.HTTPPort)
	}
	if cfg.WorkerConcurrency != 10 {
		t.Errorf("expected WorkerConcurrency 10, got %d", cfg.WorkerConcurrency)
	}
	if cfg.Backend != "docker" {
		t.Errorf("expected Backend docker, got %s", cfg.Backend)
	}
}

func TestLoad_EnvOverridesConfigFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "stagepool-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	configContent := `
database_url: "postgres://from-file/db"
http_port: 7777
`
	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	tmpFile.Close()

	t.Setenv("DATABASE_URL", "postgres://from-env/db")
	t.Setenv("PORT", "8888")

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DatabaseURL != "postgres://from-env/db" {
		t.Errorf("expected DatabaseURL from env, got %s", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 8888 {
		t.Errorf("expected HTTPPort 8888 from env, got %d", cfg.HTTPPort)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	_, err := Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent config file")
	}
}
