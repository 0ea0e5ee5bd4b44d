package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearConfigEnv unsets every env var Load consults, restoring them when the
// test finishes.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"ENV_NAME", "CACHE_BACKEND", "MEMCACHED_ADDRS", "JQUE_WRITE_KEY"} {
		if saved, ok := os.LookupEnv(key); ok {
			os.Unsetenv(key)
			t.Cleanup(func() { os.Setenv(key, saved) })
		}
	}
}

// chdirTemp creates a temp dir with a config/dev.yaml and chdirs into it.
func chdirTemp(t *testing.T, envYAML string) string {
	t.Helper()
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	dir := t.TempDir()
	writeEnvFile(t, dir, envYAML)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	chdirTemp(t, minimalEnvYAML)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want 8080", cfg.ServerPort)
	}
	if cfg.CacheBackend != "in_memory" {
		t.Errorf("CacheBackend = %q, want in_memory (default)", cfg.CacheBackend)
	}
	if !cfg.CircuitBreakerEnabled {
		t.Error("CircuitBreakerEnabled = false, want true (default)")
	}
	if !cfg.CoalesceEnabled {
		t.Error("CoalesceEnabled = false, want true (default)")
	}
	if cfg.QueryWorkers != 4 {
		t.Errorf("QueryWorkers = %d, want 4 (default)", cfg.QueryWorkers)
	}
	if cfg.QueryMaxFilterDepth != 4 {
		t.Errorf("QueryMaxFilterDepth = %d, want 4 (default)", cfg.QueryMaxFilterDepth)
	}
	if cfg.CollectionNameMaxLength != 64 {
		t.Errorf("CollectionNameMaxLength = %d, want 64 (default)", cfg.CollectionNameMaxLength)
	}
	if cfg.WriteKey != "" {
		t.Errorf("WriteKey = %q, want empty (no secrets, no env)", cfg.WriteKey)
	}
	if cfg.WarmingEnabled {
		t.Error("WarmingEnabled = true, want false (default)")
	}
}

func TestLoad_WriteKeyFromSecretsFile(t *testing.T) {
	clearConfigEnv(t)
	dir := chdirTemp(t, minimalEnvYAML)
	writeSecretsFile(t, dir, "write_key: key-from-secrets-file\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WriteKey != "key-from-secrets-file" {
		t.Errorf("WriteKey = %q, want key from secrets file", cfg.WriteKey)
	}
}

func TestLoad_WriteKeyEnvOverridesSecrets(t *testing.T) {
	clearConfigEnv(t)
	dir := chdirTemp(t, minimalEnvYAML)
	writeSecretsFile(t, dir, "write_key: key-from-secrets-file\n")
	os.Setenv("JQUE_WRITE_KEY", "key-from-env")
	defer os.Unsetenv("JQUE_WRITE_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WriteKey != "key-from-env" {
		t.Errorf("WriteKey = %q, want key-from-env", cfg.WriteKey)
	}
}

func TestLoad_EnvFileNotFound(t *testing.T) {
	clearConfigEnv(t)
	os.Setenv("ENV_NAME", "nonexistent")
	defer os.Unsetenv("ENV_NAME")

	origWd, _ := os.Getwd()
	os.Chdir(t.TempDir())
	defer os.Chdir(origWd)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for missing env file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "not found") && !strings.Contains(err.Error(), "config file") {
		t.Errorf("Load() error = %v, want message about config file not found", err)
	}
}

func TestLoad_InvalidDurationFallsBackToDefault(t *testing.T) {
	clearConfigEnv(t)
	invalidDurationYAML := strings.Replace(minimalEnvYAML, `ttl: "5m"`, `ttl: "invalid"`, 1)
	chdirTemp(t, invalidDurationYAML)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheTTL <= 0 {
		t.Error("Load() with invalid duration should fall back to default CacheTTL")
	}
}

func TestLoad_InvalidBackendFails(t *testing.T) {
	clearConfigEnv(t)
	badBackendYAML := strings.Replace(minimalEnvYAML, `backend: "in_memory"`, `backend: "redis"`, 1)
	chdirTemp(t, badBackendYAML)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for unknown cache backend, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "cache.backend") {
		t.Errorf("Load() error = %v, want message about cache.backend", err)
	}
}

func TestLoad_CacheBackendEnvOverride(t *testing.T) {
	clearConfigEnv(t)
	chdirTemp(t, minimalEnvYAML)
	os.Setenv("CACHE_BACKEND", "memcached")
	defer os.Unsetenv("CACHE_BACKEND")
	os.Setenv("MEMCACHED_ADDRS", "cache1:11211,cache2:11211")
	defer os.Unsetenv("MEMCACHED_ADDRS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheBackend != "memcached" {
		t.Errorf("CacheBackend = %q, want memcached (env override)", cfg.CacheBackend)
	}
	if cfg.MemcachedAddrs != "cache1:11211,cache2:11211" {
		t.Errorf("MemcachedAddrs = %q, want env value", cfg.MemcachedAddrs)
	}
}

func TestLoad_LifecycleConfig(t *testing.T) {
	clearConfigEnv(t)
	lifecycleYAML := minimalEnvYAML + `
lifecycle:
  overload_window: "30s"
  overload_threshold_pct: 90
  idle_threshold_req_per_min: 3
  idle_window: "2m"
  minimum_lifespan: "1m"
  degraded_window: "60s"
  degraded_error_pct: 10
  degraded_retry_initial: "2m"
  degraded_retry_max: "15m"
`
	chdirTemp(t, lifecycleYAML)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OverloadWindow != 30*time.Second {
		t.Errorf("OverloadWindow = %v, want 30s", cfg.OverloadWindow)
	}
	if cfg.OverloadThresholdPct != 90 {
		t.Errorf("OverloadThresholdPct = %d, want 90", cfg.OverloadThresholdPct)
	}
	if cfg.IdleThresholdReqPerMin != 3 {
		t.Errorf("IdleThresholdReqPerMin = %d, want 3", cfg.IdleThresholdReqPerMin)
	}
	if cfg.MinimumLifespan != 1*time.Minute {
		t.Errorf("MinimumLifespan = %v, want 1m", cfg.MinimumLifespan)
	}
	if cfg.DegradedErrorPct != 10 {
		t.Errorf("DegradedErrorPct = %d, want 10", cfg.DegradedErrorPct)
	}
	if cfg.DegradedRetryInitial != 2*time.Minute {
		t.Errorf("DegradedRetryInitial = %v, want 2m", cfg.DegradedRetryInitial)
	}
	if cfg.DegradedRetryMax != 15*time.Minute {
		t.Errorf("DegradedRetryMax = %v, want 15m", cfg.DegradedRetryMax)
	}
}

func TestLoad_DatasetsAndWarming(t *testing.T) {
	clearConfigEnv(t)
	dataYAML := minimalEnvYAML + `
datasets:
  - collection: "crew"
    path: "data/crew.json"
warming:
  enabled: true
  interval: "10m"
  queries:
    - collection: "crew"
      filter:
        current_planet: "earth"
`
	chdirTemp(t, dataYAML)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Datasets) != 1 || cfg.Datasets[0].Collection != "crew" || cfg.Datasets[0].Path != "data/crew.json" {
		t.Fatalf("Datasets = %+v, want single crew dataset", cfg.Datasets)
	}
	if !cfg.WarmingEnabled {
		t.Error("WarmingEnabled = false, want true")
	}
	if cfg.WarmInterval != 10*time.Minute {
		t.Errorf("WarmInterval = %v, want 10m", cfg.WarmInterval)
	}
	if len(cfg.WarmQueries) != 1 || cfg.WarmQueries[0].Collection != "crew" {
		t.Fatalf("WarmQueries = %+v, want single crew query", cfg.WarmQueries)
	}
	if cfg.WarmQueries[0].Filter["current_planet"] != "earth" {
		t.Errorf("WarmQueries filter = %+v, want current_planet earth", cfg.WarmQueries[0].Filter)
	}
}

func TestLoad_DatasetMissingPathFails(t *testing.T) {
	clearConfigEnv(t)
	badYAML := minimalEnvYAML + `
datasets:
  - collection: "crew"
`
	chdirTemp(t, badYAML)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for dataset without path, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "datasets") {
		t.Errorf("Load() error = %v, want message about datasets", err)
	}
}

func TestLoad_InvalidConfigYAML(t *testing.T) {
	clearConfigEnv(t)
	chdirTemp(t, "not: valid: yaml: [[[")

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for invalid config YAML, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "parse") && !strings.Contains(err.Error(), "config") {
		t.Errorf("Load() error = %v, want message about parse or config", err)
	}
}

func TestLoad_InvalidSecretsYAML(t *testing.T) {
	clearConfigEnv(t)
	dir := chdirTemp(t, minimalEnvYAML)
	writeSecretsFile(t, dir, "not valid: yaml: [[[")

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for invalid secrets YAML, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "parse") && !strings.Contains(err.Error(), "secrets") {
		t.Errorf("Load() error = %v, want message about parse or secrets", err)
	}
}

func TestLoad_TestingModeDefaultsFalse(t *testing.T) {
	clearConfigEnv(t)
	chdirTemp(t, minimalEnvYAML)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TestingMode {
		t.Error("TestingMode = true, want false when omitted (default)")
	}
}

func TestLoad_TestingModeTrue(t *testing.T) {
	clearConfigEnv(t)
	chdirTemp(t, minimalEnvYAML+"\ntesting_mode: true\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.TestingMode {
		t.Error("TestingMode = false, want true")
	}
}

const minimalEnvYAML = `
server:
  port: "8080"
request:
  timeout: "5s"
cache:
  backend: "in_memory"
  ttl: "5m"
query:
  parallel_workers: 4
reliability:
  rate_limit_rps: 100
  rate_limit_burst: 250
shutdown:
  timeout: "10s"
`

func writeEnvFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "dev.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func writeSecretsFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "secrets.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
}
