//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/j6k4m8/jque/internal/cache"
	"github.com/j6k4m8/jque/internal/models"
	"github.com/j6k4m8/jque/internal/observability"
	"github.com/j6k4m8/jque/internal/service"
	"github.com/j6k4m8/jque/internal/store"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	cacheBackend := os.Getenv("INTEGRATION_CACHE_BACKEND")
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		CacheBackend:  cacheBackend,
		MemcachedAddr: memcachedAddr,
	}
}

// SeedDocuments is the fixture loaded into the "crew" collection by
// SetupIntegrationService.
func SeedDocuments() []models.Document {
	return []models.Document{
		{"_id": "ABC", "name": "Arthur Dent", "age": float64(42), "current_planet": "earth"},
		{"_id": "DE2", "name": "Penny Lane", "age": float64(19), "current_planet": "earth"},
		{"_id": "123", "name": "Ford Prefect", "age": float64(240), "current_planet": "Brontitall"},
	}
}

// SetupIntegrationService creates a fully configured query service over a
// seeded store. Returns the service, its cache (for pre-population and
// inspection), and a cleanup function.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.QueryService, cache.Cache, func()) {
	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	_ = logger // May be used later

	st := store.New()
	st.GetOrCreate("crew").Insert(SeedDocuments()...)

	var cacheSvc cache.Cache
	var cleanup func()

	if cfg.CacheBackend == "memcached" {
		memcachedCache, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil && memcachedCache.Ping() == nil {
			cacheSvc = memcachedCache
			cleanup = func() { memcachedCache.Close() }
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available, using in-memory cache")
			cacheSvc = cache.NewInMemoryCache()
			cleanup = func() {}
		}
	} else {
		cacheSvc = cache.NewInMemoryCache()
		cleanup = func() {}
	}

	querySvc := service.NewQueryService(st, cacheSvc, 5*time.Minute, 4, 0, true, 3*time.Second)

	return querySvc, cacheSvc, cleanup
}
