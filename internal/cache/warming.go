package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/j6k4m8/jque/internal/models"
	"github.com/j6k4m8/jque/internal/observability"
	"github.com/j6k4m8/jque/internal/query"
)

// QueryRunner is implemented by the service layer to execute a query with
// caching. Declared here so the warmer avoids a circular dependency on the
// service package.
type QueryRunner interface {
	Query(ctx context.Context, collection string, filter query.Filter, limit int, parallel bool) (models.QueryResult, error)
}

// WarmQuery names a filter to pre-execute against a collection so its result
// is cached before traffic arrives.
type WarmQuery struct {
	Collection string
	Filter     query.Filter
}

// QueryWarmer populates the query cache by running a configured set of
// filters through the service layer.
type QueryWarmer struct {
	runner QueryRunner
	logger *zap.Logger
}

// NewQueryWarmer creates a QueryWarmer that uses the given runner and logger.
func NewQueryWarmer(runner QueryRunner, logger *zap.Logger) *QueryWarmer {
	return &QueryWarmer{runner: runner, logger: logger}
}

// Warm executes each warm query concurrently. Returns an aggregated error if
// any query failed.
func (w *QueryWarmer) Warm(ctx context.Context, queries []WarmQuery) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming query cache", zap.Int("queries", len(queries)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(queries))
	for _, wq := range queries {
		wq := wq
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.runner.Query(ctx, wq.Collection, wq.Filter, 0, false)
			if err != nil {
				errCh <- fmt.Errorf("warm %s: %w", wq.Collection, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("query cache warming complete", zap.Int("queries", len(queries)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("query cache warming: %v", errs)
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval
// until ctx is done. Periodic refresh matters because cache keys include the
// collection revision; after writes the warm entries are for stale keys.
func (w *QueryWarmer) WarmPeriodic(ctx context.Context, queries []WarmQuery, interval time.Duration) error {
	if err := w.Warm(ctx, queries); err != nil && w.logger != nil {
		w.logger.Warn("initial query cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, queries); err != nil && w.logger != nil {
				w.logger.Warn("periodic query cache warm failed", zap.Error(err))
			}
		}
	}
}
