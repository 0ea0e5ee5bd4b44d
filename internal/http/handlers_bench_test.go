package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/j6k4m8/jque/internal/cache"
	"github.com/j6k4m8/jque/internal/models"
	"github.com/j6k4m8/jque/internal/service"
	"github.com/j6k4m8/jque/internal/store"
)

// setupBenchmarkRouter builds a router over a store with n documents.
func setupBenchmarkRouter(n int) *mux.Router {
	st := store.New()
	coll := st.GetOrCreate("crew")
	for i := 0; i < n; i++ {
		planet := "earth"
		if i%3 == 0 {
			planet = "Brontitall"
		}
		coll.Insert(models.Document{"_id": i, "age": float64(i % 100), "current_planet": planet})
	}
	svc := service.NewQueryService(st, cache.NewInMemoryCache(), time.Minute, 4, 0, false, 0)
	limits := Limits{CollectionNameMaxLength: 64, FilterMaxDepth: 4, FilterMaxOperands: 64}
	h := NewHandler(svc, nil, zap.NewNop(), nil, limits, "")

	router := mux.NewRouter()
	router.HandleFunc("/collections/{collection}/query", h.QueryCollection).Methods("POST")
	return router
}

// BenchmarkHandler_Query_CacheMiss benchmarks the full handler path with
// distinct filters so every request executes a scan.
func BenchmarkHandler_Query_CacheMiss(b *testing.B) {
	router := setupBenchmarkRouter(1000)

	bodies := make([]string, 100)
	for i := range bodies {
		bodies[i] = `{"filter": {"age": {"$gte": ` + strings.Repeat("1", 1+i%2) + `}, "current_planet": "earth"}, "limit": ` + strings.Repeat("9", 1+i%3) + `}`
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("POST", "/collections/crew/query", strings.NewReader(bodies[i%len(bodies)]))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			b.Fatalf("status = %d", w.Code)
		}
	}
}

// BenchmarkHandler_Query_CacheHit benchmarks the handler path when the same
// filter repeats and the result cache answers.
func BenchmarkHandler_Query_CacheHit(b *testing.B) {
	router := setupBenchmarkRouter(1000)
	body := `{"filter": {"current_planet": "earth"}, "limit": 10}`

	// Prime the cache.
	req := httptest.NewRequest("POST", "/collections/crew/query", strings.NewReader(body))
	router.ServeHTTP(httptest.NewRecorder(), req)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("POST", "/collections/crew/query", strings.NewReader(body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			b.Fatalf("status = %d", w.Code)
		}
	}
}
