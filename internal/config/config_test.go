package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "aetherra.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  address: \":9090\"\njobs:\n  timeout: 30s\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	base := filepath.Dir(path)
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %s", cfg.Server.Address)
	}
	if cfg.Jobs.Timeout != 30*time.Second {
		t.Fatalf("duration not decoded: %v", cfg.Jobs.Timeout)
	}
	if cfg.Jobs.Store.Driver != "memory" || cfg.Jobs.Queue.Driver != "memory" || cfg.Jobs.Workers != 4 {
		t.Fatalf("unexpected job defaults %+v", cfg.Jobs)
	}
	if cfg.Versioning.Path != filepath.Join(base, "data/snapshots.db") {
		t.Fatalf("relative path not resolved: %s", cfg.Versioning.Path)
	}
	if cfg.Scripts.Catalog != filepath.Join(base, "scripts/catalog.yaml") {
		t.Fatalf("unexpected catalog path %s", cfg.Scripts.Catalog)
	}
	if cfg.Telemetry.Exporter != "none" {
		t.Fatalf("unexpected telemetry default %s", cfg.Telemetry.Exporter)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvServerAddress, "127.0.0.1:7000")
	t.Setenv(EnvJobsDSN, "user:pass@tcp(db:3306)/aetherra")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load(writeConfig(t, "logging:\n  level: warn\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != "127.0.0.1:7000" || cfg.Logging.Level != "debug" {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Server, cfg.Logging)
	}
	if cfg.Jobs.Store.Driver != "mysql" || !strings.Contains(cfg.Jobs.Store.DSN, "tcp(db:3306)") {
		t.Fatalf("dsn override should select mysql: %+v", cfg.Jobs.Store)
	}
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	_, err := Load(writeConfig(t, "jobs:\n  queue:\n    driver: kafka\nversioning:\n  driver: git\n"))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"jobs.queue.driver kafka", "versioning.driver git"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidateRequiresConnectionSettings(t *testing.T) {
	_, err := Load(writeConfig(t, "jobs:\n  store:\n    driver: mysql\n  queue:\n    driver: redis\n"))
	if err == nil || !strings.Contains(err.Error(), "dsn is required") || !strings.Contains(err.Error(), "redis.address") {
		t.Fatalf("expected missing settings error, got %v", err)
	}
}

func TestFromEnvFallsBackToDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvConfigPath, "")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected default address %s", cfg.Server.Address)
	}
}
