package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/j6k4m8/jque/internal/cache"
	"github.com/j6k4m8/jque/internal/circuitbreaker"
	"github.com/j6k4m8/jque/internal/config"
	"github.com/j6k4m8/jque/internal/degraded"
	httphandler "github.com/j6k4m8/jque/internal/http"
	"github.com/j6k4m8/jque/internal/lifecycle"
	"github.com/j6k4m8/jque/internal/observability"
	"github.com/j6k4m8/jque/internal/query"
	"github.com/j6k4m8/jque/internal/service"
	"github.com/j6k4m8/jque/internal/store"
)

// newRouter wires the HTTP surface: health and metrics at the root, the
// collection API behind rate limiting and per-request timeouts, and the
// /test endpoints only when testing mode is on.
func newRouter(handler *httphandler.Handler, logger *zap.Logger, limiter *rate.Limiter, requestTimeout time.Duration, testingMode bool) *mux.Router {
	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	collectionsRouter := router.PathPrefix("/collections").Subrouter()
	collectionsRouter.Use(httphandler.RateLimitMiddleware(limiter))
	collectionsRouter.Use(httphandler.TimeoutMiddleware(requestTimeout))
	collectionsRouter.HandleFunc("", handler.ListCollections).Methods("GET")
	collectionsRouter.HandleFunc("/{collection}", handler.GetCollection).Methods("GET")
	collectionsRouter.HandleFunc("/{collection}", handler.DeleteCollection).Methods("DELETE")
	collectionsRouter.HandleFunc("/{collection}/documents", handler.InsertDocuments).Methods("POST")
	collectionsRouter.HandleFunc("/{collection}/query", handler.QueryCollection).Methods("POST")

	if testingMode {
		router.HandleFunc("/test", handler.GetTestStatus).Methods("GET")
		router.HandleFunc("/test/{action}", handler.PostTestAction).Methods("POST")
	}
	return router
}

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	documentStore := store.New()
	for _, ds := range cfg.Datasets {
		n, err := documentStore.LoadFile(ds.Collection, ds.Path)
		if err != nil {
			logger.Fatal("seed dataset", zap.String("collection", ds.Collection), zap.Error(err))
		}
		logger.Info("dataset loaded", zap.String("collection", ds.Collection), zap.Int("documents", n))
	}

	var cacheSvc cache.Cache
	var memcacheCloser *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcacheCloser = mc
		cacheSvc = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}

	querySvc := service.NewQueryService(documentStore, cacheSvc, cfg.CacheTTL, cfg.QueryWorkers, cfg.QueryMaxLimit, cfg.CoalesceEnabled, cfg.CoalesceTimeout)

	if cfg.CircuitBreakerEnabled && memcacheCloser != nil {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "query_cache",
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("query_cache", from.String(), to.String())
				observability.SetCircuitBreakerStateGauge("query_cache", float64(int(to)))
			},
		})
		querySvc.SetCircuitBreaker(cb)
		observability.SetCircuitBreakerStateGauge("query_cache", 0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		RateLimitBurst:         cfg.RateLimitBurst,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		DegradedRetryInitial:   cfg.DegradedRetryInitial,
		DegradedRetryMax:       cfg.DegradedRetryMax,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		StartTime:              time.Now(),
	}
	if memcacheCloser != nil {
		healthConfig.CachePing = memcacheCloser.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	limits := httphandler.Limits{
		CollectionNameMaxLength: cfg.CollectionNameMaxLength,
		FilterMaxDepth:          cfg.QueryMaxFilterDepth,
		FilterMaxOperands:       cfg.QueryMaxFilterOperands,
	}
	handler := httphandler.NewHandler(querySvc, healthConfig, logger, limiter, limits, cfg.WriteKey)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)
	if len(cfg.TrackedCollections) > 0 {
		observability.SetTrackedCollections(cfg.TrackedCollections)
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	validate := func(ctx context.Context) error {
		if memcacheCloser != nil {
			if err := memcacheCloser.Ping(); err != nil {
				return err
			}
		}
		return querySvc.SelfCheck(ctx)
	}
	degraded.StartRecoveryListener(appCtx, validate, cfg.DegradedRetryInitial, cfg.DegradedRetryMax, func() {
		logger.Error("degraded recovery exhausted; manual intervention required")
	})

	if cfg.WarmingEnabled && len(cfg.WarmQueries) > 0 {
		warmQueries := make([]cache.WarmQuery, 0, len(cfg.WarmQueries))
		for _, wq := range cfg.WarmQueries {
			warmQueries = append(warmQueries, cache.WarmQuery{
				Collection: wq.Collection,
				Filter:     query.Filter(wq.Filter),
			})
		}
		warmer := cache.NewQueryWarmer(querySvc, logger)
		warmCtx, warmCancel := context.WithTimeout(appCtx, 30*time.Second)
		if err := warmer.Warm(warmCtx, warmQueries); err != nil {
			logger.Warn("query cache warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(appCtx, warmQueries, cfg.WarmInterval); err != nil && err != context.Canceled {
					logger.Error("periodic query cache warming stopped", zap.Error(err))
				}
			}()
		}
	}

	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoint exposed")
	}
	router := newRouter(handler, logger, limiter, cfg.RequestTimeout, cfg.TestingMode)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	appCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}

	if memcacheCloser != nil {
		if err := memcacheCloser.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
}
