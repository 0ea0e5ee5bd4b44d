package service

import (
	"context"
	"sync"
	"time"

	"github.com/j6k4m8/jque/internal/models"
)

// inFlightQuery tracks a single query execution that multiple callers may wait for.
type inFlightQuery struct {
	mu      sync.Mutex
	result  models.QueryResult
	err     error
	done    bool
	waiters []chan struct{} // Channels to notify waiters when result is ready
}

// requestCoalescer prevents duplicate work by coalescing concurrent queries
// for the same cache key into one execution.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightQuery
	timeout  time.Duration
}

// newRequestCoalescer creates a new requestCoalescer with the specified timeout.
func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightQuery),
		timeout:  timeout,
	}
}

// GetOrDo checks if a query for key is already in-flight. If yes, waits for
// its result. If no, executes fn and registers the query. Returns the result
// or error. Respects context cancellation and timeout.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func() (models.QueryResult, error)) (models.QueryResult, error) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if exists {
		rc.mu.Unlock()
		return rc.wait(ctx, req)
	}

	req = &inFlightQuery{}
	rc.inFlight[key] = req
	rc.mu.Unlock()

	go func() {
		result, err := fn()

		req.mu.Lock()
		req.result = result
		req.err = err
		req.done = true
		waiters := req.waiters
		req.waiters = nil
		req.mu.Unlock()

		for _, notify := range waiters {
			close(notify)
		}

		rc.cleanup(key)
	}()

	return rc.wait(ctx, req)
}

// wait blocks until req completes, the coalescer timeout elapses, or ctx is
// cancelled.
func (rc *requestCoalescer) wait(ctx context.Context, req *inFlightQuery) (models.QueryResult, error) {
	req.mu.Lock()
	if req.done {
		result := req.result
		err := req.err
		req.mu.Unlock()
		if err != nil {
			return models.QueryResult{}, err
		}
		return result, nil
	}
	notify := make(chan struct{})
	req.waiters = append(req.waiters, notify)
	req.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-notify:
		req.mu.Lock()
		result := req.result
		err := req.err
		req.mu.Unlock()
		if err != nil {
			return models.QueryResult{}, err
		}
		return result, nil
	case <-waitCtx.Done():
		return models.QueryResult{}, waitCtx.Err()
	}
}

// cleanup removes the in-flight query for key. Must be called after the
// execution completes.
func (rc *requestCoalescer) cleanup(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}
