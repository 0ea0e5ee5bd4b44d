//go:build integration
// +build integration

package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/j6k4m8/jque/internal/models"
	"github.com/j6k4m8/jque/internal/observability"
	"github.com/j6k4m8/jque/internal/testhelpers"
	"github.com/j6k4m8/jque/internal/traffic"
)

var testLogger *zap.Logger

func init() {
	var err error
	testLogger, err = observability.NewLogger()
	if err != nil {
		panic(err)
	}
}

// setupIntegrationRouter builds the full middleware chain over a seeded
// service, optionally rate limited.
func setupIntegrationRouter(t *testing.T, limiter *rate.Limiter) (*mux.Router, func()) {
	traffic.Reset()
	cfg := testhelpers.GetIntegrationConfig(t)
	querySvc, _, cleanup := testhelpers.SetupIntegrationService(t, cfg)

	limits := Limits{CollectionNameMaxLength: 64, FilterMaxDepth: 4, FilterMaxOperands: 64}
	handler := NewHandler(querySvc, &HealthConfig{
		OverloadWindow:       time.Minute,
		OverloadThresholdPct: 80,
		RateLimitRPS:         100,
		DegradedWindow:       time.Minute,
		DegradedErrorPct:     5,
		StartTime:            time.Now(),
	}, testLogger, limiter, limits, "")

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(testLogger))
	router.Use(MetricsMiddleware)

	collRouter := router.PathPrefix("/collections").Subrouter()
	collRouter.Use(RateLimitMiddleware(limiter))
	collRouter.Use(TimeoutMiddleware(5 * time.Second))
	collRouter.HandleFunc("/{collection}/query", handler.QueryCollection).Methods("POST")
	collRouter.HandleFunc("/{collection}/documents", handler.InsertDocuments).Methods("POST")

	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler()).Methods("GET")

	return router, cleanup
}

// TestIntegration_QueryThenCachedQuery verifies that an identical second
// query is served from the cache.
func TestIntegration_QueryThenCachedQuery(t *testing.T) {
	router, cleanup := setupIntegrationRouter(t, nil)
	defer cleanup()

	body := `{"filter": {"current_planet": "earth", "age": {"$gte": 21}}}`

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest("POST", "/collections/crew/query", strings.NewReader(body)))
	if first.Code != http.StatusOK {
		t.Fatalf("first query status = %d, want 200; body = %s", first.Code, first.Body.String())
	}
	var r1 models.QueryResult
	if err := json.Unmarshal(first.Body.Bytes(), &r1); err != nil {
		t.Fatalf("decode first result: %v", err)
	}
	if r1.Cached {
		t.Error("first query should not be served from cache")
	}
	if r1.Count != 1 {
		t.Fatalf("count = %d, want 1", r1.Count)
	}

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest("POST", "/collections/crew/query", strings.NewReader(body)))
	if second.Code != http.StatusOK {
		t.Fatalf("second query status = %d, want 200", second.Code)
	}
	var r2 models.QueryResult
	if err := json.Unmarshal(second.Body.Bytes(), &r2); err != nil {
		t.Fatalf("decode second result: %v", err)
	}
	if !r2.Cached {
		t.Error("second identical query should be served from cache")
	}
	if r2.Count != r1.Count {
		t.Errorf("cached count = %d, want %d", r2.Count, r1.Count)
	}
}

// TestIntegration_InsertInvalidatesCachedQuery verifies that a write makes
// the next identical query re-execute instead of returning stale cache.
func TestIntegration_InsertInvalidatesCachedQuery(t *testing.T) {
	router, cleanup := setupIntegrationRouter(t, nil)
	defer cleanup()

	body := `{"filter": {"current_planet": "earth"}}`

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest("POST", "/collections/crew/query", strings.NewReader(body)))
	var r1 models.QueryResult
	_ = json.Unmarshal(first.Body.Bytes(), &r1)

	ins := httptest.NewRecorder()
	router.ServeHTTP(ins, httptest.NewRequest("POST", "/collections/crew/documents",
		strings.NewReader(`{"_id": "T77", "current_planet": "earth"}`)))
	if ins.Code != http.StatusCreated {
		t.Fatalf("insert status = %d, want 201", ins.Code)
	}

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest("POST", "/collections/crew/query", strings.NewReader(body)))
	var r2 models.QueryResult
	_ = json.Unmarshal(second.Body.Bytes(), &r2)

	if r2.Cached {
		t.Error("query after insert should not be served from the pre-insert cache entry")
	}
	if r2.Count != r1.Count+1 {
		t.Errorf("count after insert = %d, want %d", r2.Count, r1.Count+1)
	}
}

// TestIntegration_RateLimitThroughChain verifies 429 responses once the
// burst is exhausted.
func TestIntegration_RateLimitThroughChain(t *testing.T) {
	router, cleanup := setupIntegrationRouter(t, rate.NewLimiter(1, 2))
	defer cleanup()

	var denied int
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("POST", "/collections/crew/query",
			strings.NewReader(`{"filter": {}}`)))
		if rec.Code == http.StatusTooManyRequests {
			denied++
		}
	}
	if denied == 0 {
		t.Error("expected at least one 429 after burst exhausted")
	}
}
