package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/j6k4m8/jque/internal/cache"
	"github.com/j6k4m8/jque/internal/circuitbreaker"
	"github.com/j6k4m8/jque/internal/models"
	"github.com/j6k4m8/jque/internal/observability"
	"github.com/j6k4m8/jque/internal/query"
	"github.com/j6k4m8/jque/internal/store"
)

// QueryService orchestrates query execution using a cache-aside pattern over
// the in-memory store. Cache keys embed the collection revision, so mutations
// invalidate cached results without explicit eviction.
type QueryService struct {
	store           *store.Store
	cache           cache.Cache
	ttl             time.Duration
	workers         int // parallel matching pool size
	maxLimit        int // 0 = unlimited
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer                // Optional request coalescing (nil if disabled)
	breaker         *circuitbreaker.CircuitBreaker   // Optional, guards the cache backend
}

// NewQueryService creates a QueryService. ttl is the cache expiration for
// query results. workers sizes the parallel matching pool. maxLimit caps the
// limit a single query may request (0 = uncapped). coalesceEnabled and
// coalesceTimeout configure request coalescing (disabled if timeout 0).
func NewQueryService(st *store.Store, c cache.Cache, ttl time.Duration, workers, maxLimit int, coalesceEnabled bool, coalesceTimeout time.Duration) *QueryService {
	var coalescer *requestCoalescer
	if coalesceEnabled && coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	if workers <= 0 {
		workers = 4
	}
	return &QueryService{
		store:           st,
		cache:           c,
		ttl:             ttl,
		workers:         workers,
		maxLimit:        maxLimit,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// SetCircuitBreaker installs a breaker around cache operations. While open,
// queries bypass the cache and hit the store directly.
func (s *QueryService) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	s.breaker = cb
}

// Store exposes the underlying store for handlers that list or delete
// collections.
func (s *QueryService) Store() *store.Store {
	return s.store
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns nil if logger is not found or context is invalid.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// Query compiles and runs a filter against the named collection using the
// cache-aside pattern: check cache, execute on miss, populate cache. Limit 0
// means unlimited (subject to the service cap); parallel selects pooled
// matching.
func (s *QueryService) Query(ctx context.Context, collection string, filter query.Filter, limit int, parallel bool) (models.QueryResult, error) {
	start := time.Now()
	logger := loggerFromContext(ctx)
	observability.RecordQuery(collection)

	if s.maxLimit > 0 && (limit <= 0 || limit > s.maxLimit) {
		limit = s.maxLimit
	}

	matcher, err := query.Compile(filter)
	if err != nil {
		observability.QueryExecutionsTotal.WithLabelValues("invalid").Inc()
		return models.QueryResult{}, fmt.Errorf("compile filter: %w", err)
	}

	coll, err := s.store.Get(collection)
	if err != nil {
		return models.QueryResult{}, err
	}

	// One snapshot serves both the cache key and the scan, so a concurrent
	// write cannot cache a newer result under an older revision's key.
	docs, rev := coll.Snapshot()
	key, cacheable := queryKey(collection, rev, filter, limit)
	if cacheable {
		getStart := time.Now()
		cached, ok, err := s.cacheGet(ctx, key)
		getDuration := time.Since(getStart).Seconds()
		if err != nil {
			observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
			observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		} else if ok {
			observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
			observability.CacheHitsTotal.WithLabelValues("query").Inc()
			cached.Cached = true
			if logger != nil {
				logger.Debug("query cache hit", zap.String("collection", collection))
				logger.Debug("query served", zap.String("collection", collection), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
			}
			return cached, nil
		}
	}

	collLabel := observability.MetricCollectionLabel(collection)
	if cacheable {
		concurrentMisses := s.stampedeTracker.RecordMiss(key)
		defer s.stampedeTracker.RecordDone(key)
		if concurrentMisses > 1 {
			observability.CacheStampedeDetectedTotal.WithLabelValues(collLabel).Inc()
			observability.CacheStampedeConcurrency.WithLabelValues(collLabel).Observe(float64(concurrentMisses))
		}
	}

	if logger != nil {
		logger.Debug("query cache miss, executing", zap.String("collection", collection))
	}

	execute := func() (models.QueryResult, error) {
		return s.execute(ctx, collection, docs, rev, matcher, limit, parallel)
	}

	var result models.QueryResult
	var execErr error
	if s.coalescer != nil && cacheable {
		coalesceStart := time.Now()
		result, execErr = s.coalescer.GetOrDo(ctx, key, execute)
		coalesceWait := time.Since(coalesceStart)
		if execErr == nil {
			// Check if we waited (coalesced) vs initiated the execution.
			// If wait time > 0, we likely coalesced (approximate).
			if coalesceWait > 10*time.Millisecond {
				observability.RequestCoalescingHitsTotal.WithLabelValues(collLabel).Inc()
			}
			observability.RequestCoalescingWaitSeconds.Observe(coalesceWait.Seconds())
		}
	} else {
		result, execErr = execute()
	}
	if execErr != nil {
		return models.QueryResult{}, fmt.Errorf("query %s: %w", collection, execErr)
	}

	if cacheable {
		setStart := time.Now()
		if setErr := s.cacheSet(ctx, key, result); setErr != nil {
			observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
			observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
			if logger != nil {
				logger.Warn("query cache set failed", zap.String("collection", collection), zap.Error(setErr))
			}
		} else {
			observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
		}
	}
	if logger != nil {
		logger.Debug("query served", zap.String("collection", collection), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	}
	return result, nil
}

// execute runs the matcher against an already-taken snapshot and records
// execution metrics. A cancelled or expired context aborts the scan.
func (s *QueryService) execute(ctx context.Context, collection string, snapshot []models.Document, rev uint64, matcher *query.Matcher, limit int, parallel bool) (models.QueryResult, error) {
	execStart := time.Now()
	docs, stats, err := query.Run(ctx, snapshot, matcher, query.Options{
		Limit:    limit,
		Parallel: parallel,
		Workers:  s.workers,
	})
	if err != nil {
		observability.QueryExecutionsTotal.WithLabelValues("error").Inc()
		observability.QueryDurationSeconds.WithLabelValues("error").Observe(time.Since(execStart).Seconds())
		return models.QueryResult{}, err
	}
	observability.QueryExecutionsTotal.WithLabelValues("success").Inc()
	observability.QueryDurationSeconds.WithLabelValues("success").Observe(time.Since(execStart).Seconds())
	observability.DocumentsScannedTotal.Add(float64(stats.Scanned))
	observability.DocumentsMatchedTotal.Add(float64(stats.Matched))
	return models.QueryResult{
		Collection: collection,
		Revision:   rev,
		Count:      len(docs),
		Documents:  docs,
		Scanned:    stats.Scanned,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// Insert appends documents to the named collection, creating it when absent.
func (s *QueryService) Insert(ctx context.Context, collection string, docs []models.Document) (models.CollectionInfo, error) {
	coll := s.store.GetOrCreate(collection)
	coll.Insert(docs...)
	observability.DocumentsInsertedTotal.Add(float64(len(docs)))
	if logger := loggerFromContext(ctx); logger != nil {
		logger.Debug("documents inserted", zap.String("collection", collection), zap.Int("count", len(docs)))
	}
	return coll.Info(), nil
}

// SelfCheck runs a trivial query against an internal collection. Used during
// degraded-state recovery together with a cache ping.
func (s *QueryService) SelfCheck(ctx context.Context) error {
	const selfCheckCollection = "__selfcheck"
	coll := s.store.GetOrCreate(selfCheckCollection)
	if coll.Len() == 0 {
		coll.Insert(models.Document{"ok": true})
	}
	matcher, err := query.Compile(query.Filter{"ok": true})
	if err != nil {
		return err
	}
	docs, _, _, err := coll.Query(ctx, matcher, query.Options{Limit: 1})
	if err != nil {
		return err
	}
	if len(docs) != 1 {
		return errors.New("self-check query returned no documents")
	}
	return nil
}

// cacheGet reads through the breaker when one is installed. An open breaker
// reads as a miss so queries fall through to the store.
func (s *QueryService) cacheGet(ctx context.Context, key string) (models.QueryResult, bool, error) {
	if s.breaker == nil {
		return s.cache.Get(ctx, key)
	}
	var result models.QueryResult
	var ok bool
	err := s.breaker.Call(ctx, func() error {
		var err error
		result, ok, err = s.cache.Get(ctx, key)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return models.QueryResult{}, false, nil
	}
	return result, ok, err
}

// cacheSet writes through the breaker when one is installed. An open breaker
// drops the write silently.
func (s *QueryService) cacheSet(ctx context.Context, key string, value models.QueryResult) error {
	if s.breaker == nil {
		return s.cache.Set(ctx, key, value, s.ttl)
	}
	err := s.breaker.Call(ctx, func() error {
		return s.cache.Set(ctx, key, value, s.ttl)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil
	}
	return err
}

// queryKey builds the cache key for a query. json.Marshal sorts map keys
// recursively, giving a canonical encoding for JSON-shaped filters. Filters
// holding predicates cannot be marshalled and are reported uncacheable.
func queryKey(collection string, rev uint64, filter query.Filter, limit int) (string, bool) {
	raw, err := json.Marshal(map[string]any(filter))
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%s@%d|%d|%s", collection, rev, limit, raw), true
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
