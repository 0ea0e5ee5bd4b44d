package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/j6k4m8/jque/internal/degraded"
	"github.com/j6k4m8/jque/internal/idle"
	"github.com/j6k4m8/jque/internal/lifecycle"
	"github.com/j6k4m8/jque/internal/observability"
	"github.com/j6k4m8/jque/internal/overload"
	"github.com/j6k4m8/jque/internal/query"
	"github.com/j6k4m8/jque/internal/service"
	"github.com/j6k4m8/jque/internal/store"
	"github.com/j6k4m8/jque/internal/traffic"
	"github.com/j6k4m8/jque/internal/validation"
)

// maxBodyBytes bounds request bodies for query and insert endpoints.
const maxBodyBytes = 8 << 20 // 8 MiB

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int
	RateLimitBurst         int // 0 when rate limiter disabled
	DegradedWindow         time.Duration
	DegradedErrorPct       int
	DegradedRetryInitial   time.Duration
	DegradedRetryMax       time.Duration
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	StartTime              time.Time
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
}

// Limits bounds what a single request may ask of the engine.
type Limits struct {
	CollectionNameMaxLength int
	FilterMaxDepth          int
	FilterMaxOperands       int
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	querySvc         *service.QueryService
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	limits           Limits
	writeKey         string
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. writeKey, when non-empty, is required in
// X-API-Key on mutating endpoints.
func NewHandler(
	querySvc *service.QueryService,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	rateLimiter *rate.Limiter,
	limits Limits,
	writeKey string,
) *Handler {
	return &Handler{
		querySvc:     querySvc,
		healthConfig: healthConfig,
		logger:       logger,
		rateLimiter:  rateLimiter,
		limits:       limits,
		writeKey:     writeKey,
	}
}

// queryRequest is the body of POST /collections/{collection}/query.
type queryRequest struct {
	Filter   map[string]any `json:"filter"`
	Limit    int            `json:"limit"`
	Parallel bool           `json:"parallel"`
}

// QueryCollection handles POST /collections/{collection}/query.
func (h *Handler) QueryCollection(w http.ResponseWriter, r *http.Request) {
	name, err := validation.ValidateCollectionName(mux.Vars(r)["collection"], h.limits.CollectionNameMaxLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COLLECTION", err.Error())
		return
	}

	var req queryRequest
	body := io.LimitReader(r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON with a filter object")
		return
	}
	if req.Filter == nil {
		req.Filter = map[string]any{}
	}
	if req.Limit < 0 {
		writeError(w, r, http.StatusBadRequest, "INVALID_LIMIT", "limit must not be negative")
		return
	}
	if err := validation.ValidateFilter(req.Filter, h.limits.FilterMaxDepth, h.limits.FilterMaxOperands); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_FILTER", err.Error())
		return
	}

	idle.RecordRequest()
	result, err := h.querySvc.Query(r.Context(), name, query.Filter(req.Filter), req.Limit, req.Parallel)
	if err != nil {
		h.writeQueryError(w, r, err)
		return
	}
	degraded.RecordSuccess()
	writeJSON(w, http.StatusOK, result)
}

// writeQueryError maps service errors to responses. Client mistakes (bad
// filter, missing collection) do not count toward the degraded error rate.
func (h *Handler) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "COLLECTION_NOT_FOUND", "collection does not exist")
	case errors.Is(err, query.ErrUnknownOperator), errors.Is(err, query.ErrBadOperand):
		writeError(w, r, http.StatusBadRequest, "INVALID_FILTER", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		degraded.RecordError()
		writeError(w, r, http.StatusServiceUnavailable, "QUERY_TIMEOUT", "query did not complete in time")
	default:
		degraded.RecordError()
		degraded.NotifyDegraded()
		writeError(w, r, http.StatusInternalServerError, "QUERY_FAILED", "unable to execute query")
		if logger := loggerFrom(r); logger != nil {
			logger.Error("query failed", zap.Error(err))
		}
	}
}

// InsertDocuments handles POST /collections/{collection}/documents. Accepts a
// JSON array of objects or a single object; creates the collection on first
// insert.
func (h *Handler) InsertDocuments(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeWrite(w, r) {
		return
	}
	name, err := validation.ValidateCollectionName(mux.Vars(r)["collection"], h.limits.CollectionNameMaxLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COLLECTION", err.Error())
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "unable to read request body")
		return
	}
	docs, err := store.DecodeDocuments(data)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "body must be a JSON object or array of objects")
		return
	}
	if len(docs) == 0 {
		writeError(w, r, http.StatusBadRequest, "EMPTY_BODY", "no documents to insert")
		return
	}

	info, err := h.querySvc.Insert(r.Context(), name, docs)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INSERT_FAILED", "unable to insert documents")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"collection": info.Name,
		"inserted":   len(docs),
		"total":      info.Documents,
		"revision":   info.Revision,
	})
}

// ListCollections handles GET /collections.
func (h *Handler) ListCollections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"collections": h.querySvc.Store().List(),
	})
}

// GetCollection handles GET /collections/{collection}.
func (h *Handler) GetCollection(w http.ResponseWriter, r *http.Request) {
	name, err := validation.ValidateCollectionName(mux.Vars(r)["collection"], h.limits.CollectionNameMaxLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COLLECTION", err.Error())
		return
	}
	coll, err := h.querySvc.Store().Get(name)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "COLLECTION_NOT_FOUND", "collection does not exist")
		return
	}
	writeJSON(w, http.StatusOK, coll.Info())
}

// DeleteCollection handles DELETE /collections/{collection}.
func (h *Handler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeWrite(w, r) {
		return
	}
	name, err := validation.ValidateCollectionName(mux.Vars(r)["collection"], h.limits.CollectionNameMaxLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_COLLECTION", err.Error())
		return
	}
	if err := h.querySvc.Store().Delete(name); err != nil {
		writeError(w, r, http.StatusNotFound, "COLLECTION_NOT_FOUND", "collection does not exist")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorizeWrite enforces the write key on mutating endpoints. Returns true
// when the request may proceed.
func (h *Handler) authorizeWrite(w http.ResponseWriter, r *http.Request) bool {
	if h.writeKey == "" {
		return true
	}
	if r.Header.Get("X-API-Key") != h.writeKey {
		writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "valid X-API-Key required for writes")
		return false
	}
	return true
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	if result.status == "degraded" {
		degraded.NotifyDegraded()
	}

	checks := make(map[string]string)
	checks["store"] = "healthy"
	if result.status == "degraded" {
		checks["store"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}
	resp := map[string]interface{}{
		"status":    result.status,
		"service":   "jque",
		"version":   "dev",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(result.statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

// computeHealthStatus determines the current health status by evaluating
// conditions in priority order: shutting-down > overloaded > idle > degraded
// > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
	if float64(overload.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	}
	if h.healthConfig.IdleWindow > 0 && h.healthConfig.MinimumLifespan > 0 && time.Since(h.healthConfig.StartTime) >= h.healthConfig.MinimumLifespan {
		if idle.RequestCount(h.healthConfig.IdleWindow) < h.healthConfig.IdleThresholdReqPerMin {
			return healthResult{"idle", http.StatusOK, "low_traffic"}
		}
	}
	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errors, total := degraded.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errors) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code,
// message, and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	corrID := ""
	if v := r.Context().Value("correlation_id"); v != nil {
		corrID = v.(string)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": corrID,
		},
	})
}

// loggerFrom extracts the request-scoped logger injected by the correlation
// middleware.
func loggerFrom(r *http.Request) *zap.Logger {
	if logger, ok := r.Context().Value("logger").(*zap.Logger); ok {
		return logger
	}
	return nil
}

// GetTestStatus handles GET /test. Returns current simulated state.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := 60 * time.Second
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		window = h.healthConfig.DegradedWindow
	}
	errors, _ := degraded.ErrorRate(window)

	cfg := make(map[string]interface{})
	if h.healthConfig != nil {
		overloadThreshold := 0
		if h.healthConfig.RateLimitRPS > 0 {
			overloadThreshold = int(float64(h.healthConfig.RateLimitRPS) *
				h.healthConfig.OverloadWindow.Seconds() *
				float64(h.healthConfig.OverloadThresholdPct) / 100)
		}
		cfg["rate_limit_rps"] = h.healthConfig.RateLimitRPS
		cfg["rate_limit_burst"] = h.healthConfig.RateLimitBurst
		cfg["overload_threshold"] = overloadThreshold
		cfg["overload_window_seconds"] = h.healthConfig.OverloadWindow.Seconds()
		cfg["degraded_error_pct"] = h.healthConfig.DegradedErrorPct
	}

	resp := map[string]interface{}{
		"total_requests_in_window":  overload.RequestCount(window),
		"denied_requests_in_window": overload.DenialCount(window),
		"errors_in_window":          errors,
		"window_length":             window.String(),
		"auto_clear":                !degraded.IsRecoveryDisabled(),
		"config":                    cfg,
	}
	writeJSON(w, http.StatusOK, resp)
}

// PostTestAction handles POST /test/{action} for load, error, reset,
// shutdown, prevent_clear, clear.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "load":
		h.postTestLoad(w, r)
	case "error":
		h.postTestError(w, r)
	case "reset":
		h.postTestReset(w, r)
	case "shutdown":
		h.postTestShutdown(w, r)
	case "prevent_clear":
		h.postTestPreventClear(w, r)
	case "clear":
		h.postTestClear(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}

// postTestLoad simulates load by recording the specified number of requests,
// respecting rate limits if configured.
func (h *Handler) postTestLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		body.Count = 10
	}
	var accepted, denied int
	if h.rateLimiter != nil {
		for i := 0; i < body.Count; i++ {
			if h.rateLimiter.Allow() {
				traffic.RecordSuccess()
				idle.RecordRequest()
				accepted++
			} else {
				overload.RecordDenial()
				observability.RateLimitDeniedTotal.Inc()
				denied++
			}
		}
	} else {
		traffic.RecordSuccessN(body.Count)
		for i := 0; i < body.Count; i++ {
			idle.RecordRequest()
		}
		accepted = body.Count
	}
	result := h.computeHealthStatus(r.Context())
	msg := "Recorded " + strconv.Itoa(accepted) + " accepted"
	if denied > 0 {
		msg += ", " + strconv.Itoa(denied) + " denied"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"action":   "load",
		"message":  msg,
		"state":    result.status,
		"accepted": accepted,
		"denied":   denied,
	})
}

// postTestError simulates errors by recording the specified number of error
// events.
func (h *Handler) postTestError(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Count <= 0 {
		body.Count = 10
	}
	traffic.RecordErrorN(body.Count)
	result := h.computeHealthStatus(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "error",
		"message": "Recorded " + strconv.Itoa(body.Count) + " errors",
		"state":   result.status,
	})
}

// postTestReset clears all simulated state.
func (h *Handler) postTestReset(w http.ResponseWriter, r *http.Request) {
	traffic.Reset()
	idle.Reset()
	degraded.ClearRecoveryOverrides()
	result := h.computeHealthStatus(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "reset",
		"message": "Trackers and overrides cleared",
		"state":   result.status,
	})
}

// postTestShutdown flips the shutting-down flag without killing the process.
func (h *Handler) postTestShutdown(w http.ResponseWriter, r *http.Request) {
	lifecycle.SetShuttingDown(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "shutdown",
		"message": "Shutdown flag set; health reports shutting-down",
		"state":   "shutting-down",
	})
}

// postTestPreventClear disables degraded auto-recovery so the state can be
// inspected.
func (h *Handler) postTestPreventClear(w http.ResponseWriter, r *http.Request) {
	degraded.SetRecoveryDisabled(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "prevent_clear",
		"message": "Auto-recovery disabled",
	})
}

// postTestClear forces the next recovery attempt to succeed, clearing the
// degraded state.
func (h *Handler) postTestClear(w http.ResponseWriter, r *http.Request) {
	degraded.SetRecoveryDisabled(false)
	degraded.SetForceSucceedNextAttempt(true)
	degraded.NotifyDegraded()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "clear",
		"message": "Next recovery attempt will succeed",
	})
}
