package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/j6k4m8/jque/internal/observability"
)

func TestMiddleware_ThroughHandler(t *testing.T) {
	h, _ := newTestHandler(t, "")

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/collections/{collection}/query", h.QueryCollection).Methods("POST")

	rec := doRequest(router, "POST", "/collections/crew/query", `{"filter": {}}`, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

func TestMiddleware_CorrelationIDPropagated(t *testing.T) {
	h, _ := newTestHandler(t, "")

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/collections/{collection}/query", h.QueryCollection).Methods("POST")

	rec := doRequest(router, "POST", "/collections/crew/query", `{"filter": {}}`,
		map[string]string{"X-Correlation-ID": "client-provided-id"})

	if got := rec.Header().Get("X-Correlation-ID"); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
}

func TestMiddleware_ErrorResponsesCarryRequestID(t *testing.T) {
	h, _ := newTestHandler(t, "")

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/collections/{collection}/query", h.QueryCollection).Methods("POST")

	rec := doRequest(router, "POST", "/collections/nowhere/query", `{"filter": {}}`,
		map[string]string{"X-Correlation-ID": "abc-123"})

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var errResp struct {
		Error struct {
			Code      string `json:"code"`
			RequestID string `json:"requestId"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Error.RequestID != "abc-123" {
		t.Errorf("requestId = %q, want abc-123", errResp.Error.RequestID)
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	h, _ := newTestHandler(t, "")

	limiter := rate.NewLimiter(1, 2)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.Use(RateLimitMiddleware(limiter))
	router.HandleFunc("/collections/{collection}/query", h.QueryCollection).Methods("POST")

	for i := 0; i < 3; i++ {
		rec := doRequest(router, "POST", "/collections/crew/query", `{"filter": {}}`, nil)

		if i < 2 {
			if rec.Code != http.StatusOK {
				t.Errorf("request %d: status = %d, want 200", i, rec.Code)
			}
		} else {
			if rec.Code != http.StatusTooManyRequests {
				t.Errorf("request %d: status = %d, want 429", i, rec.Code)
			}
			var errResp struct {
				Error struct {
					Code      string `json:"code"`
					Message   string `json:"message"`
					RequestID string `json:"requestId"`
				} `json:"error"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
				t.Fatalf("decode 429 response: %v", err)
			}
			if errResp.Error.Code != "RATE_LIMITED" {
				t.Errorf("error.code = %q, want RATE_LIMITED", errResp.Error.Code)
			}
		}
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	h, _ := newTestHandler(t, "")

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.Use(RateLimitMiddleware(nil))
	router.HandleFunc("/collections/{collection}/query", h.QueryCollection).Methods("POST")

	rec := doRequest(router, "POST", "/collections/crew/query", `{"filter": {}}`, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (nil limiter should allow)", rec.Code)
	}
}

func TestMiddleware_MetricsRoute(t *testing.T) {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)
	router.Handle("/metrics", observability.MetricsHandler())

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestGetRoute_Templates(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/collections", "/collections"},
		{"/collections/crew", "/collections/{collection}"},
		{"/collections/crew/query", "/collections/{collection}/query"},
		{"/collections/crew/documents", "/collections/{collection}/documents"},
		{"/foo", "/foo"},
	}
	for _, tc := range tests {
		req := httptest.NewRequest("GET", tc.path, nil)
		if got := getRoute(req); got != tc.want {
			t.Errorf("getRoute(%s) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestSubrouter_QueryRouteWithTimeoutAndRateLimit(t *testing.T) {
	h, _ := newTestHandler(t, "")

	limiter := rate.NewLimiter(10, 10)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	router.Use(MetricsMiddleware)

	collRouter := router.PathPrefix("/collections").Subrouter()
	collRouter.Use(RateLimitMiddleware(limiter))
	collRouter.Use(TimeoutMiddleware(5 * time.Second))
	collRouter.HandleFunc("/{collection}/query", h.QueryCollection).Methods("POST")

	router.HandleFunc("/health", h.GetHealth).Methods("GET")

	rec := doRequest(router, "POST", "/collections/crew/query", `{"filter": {}}`, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (subrouter should route the query path)", rec.Code)
	}
	rec = doRequest(router, "GET", "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}
