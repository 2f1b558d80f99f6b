package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ARTIFACTMIRROR_CONFIG", "STORE_ROOT", "UPSTREAMS", "FAILED_PATH_CACHE_MINUTES",
		"LISTEN_ADDR", "METRICS_ADDR", "COALESCE_MISSES", "STORAGE_BACKEND", "S3_BUCKET",
		"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_BUCKET", "LOG_LEVEL",
	} {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadFailsWithoutUpstreams(t *testing.T) {
	clearEnv(t)
	os.Setenv("ARTIFACTMIRROR_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected an error when no upstreams are configured")
	}
}

func TestLoadAppliesDefaultsWithEnvUpstreams(t *testing.T) {
	clearEnv(t)
	os.Setenv("ARTIFACTMIRROR_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	os.Setenv("UPSTREAMS", "http://a,http://b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Upstreams) != 2 || cfg.Upstreams[0] != "http://a" || cfg.Upstreams[1] != "http://b" {
		t.Fatalf("unexpected upstreams: %v", cfg.Upstreams)
	}
	if cfg.StorageBackend != "fs" {
		t.Fatalf("expected default backend fs, got %q", cfg.StorageBackend)
	}
	if cfg.FailedPathCacheMinutes != 5 {
		t.Fatalf("expected default 5 minutes, got %d", cfg.FailedPathCacheMinutes)
	}
}

func TestEnvOverridesYAMLFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	yamlBody := "upstreams:\n  - http://from-yaml\nlisten_addr: \":1111\"\n"
	if err := os.WriteFile(configPath, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("writing config.yaml: %v", err)
	}
	os.Setenv("ARTIFACTMIRROR_CONFIG", configPath)
	os.Setenv("LISTEN_ADDR", ":2222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstreams[0] != "http://from-yaml" {
		t.Fatalf("expected yaml upstream to survive, got %v", cfg.Upstreams)
	}
	if cfg.ListenAddr != ":2222" {
		t.Fatalf("expected env to override listen_addr, got %q", cfg.ListenAddr)
	}
}

func TestMinioBackendRequiresCredentials(t *testing.T) {
	clearEnv(t)
	os.Setenv("ARTIFACTMIRROR_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	os.Setenv("UPSTREAMS", "http://a")
	os.Setenv("STORAGE_BACKEND", "minio")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for incomplete minio credentials")
	}
}
