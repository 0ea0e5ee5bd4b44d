package query

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/j6k4m8/jque/internal/models"
)

// runParallel matches docs across a bounded pool of workers. Each worker
// owns a contiguous shard of indices and writes into a shared bool slice, so
// no synchronization is needed beyond the WaitGroup. Result order is the
// input order; Limit is applied after the full scan. Workers stop at the
// next stride boundary when ctx is cancelled.
func runParallel(ctx context.Context, docs []models.Document, m *Matcher, opts Options) ([]models.Document, Stats, error) {
	n := len(docs)
	if n == 0 {
		return []models.Document{}, Stats{}, nil
	}
	workers := opts.Workers
	if workers > n {
		workers = n
	}

	matched := make([]bool, n)
	shard := (n + workers - 1) / workers
	var cancelled atomic.Bool
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * shard
		hi := lo + shard
		if hi > n {
			hi = n
		}
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				if (i-lo)%cancelCheckStride == 0 && ctx.Err() != nil {
					cancelled.Store(true)
					return
				}
				matched[i] = m.Matches(docs[i])
			}
		}(lo, hi)
	}
	wg.Wait()
	if cancelled.Load() {
		return nil, Stats{}, ctx.Err()
	}

	out := make([]models.Document, 0)
	stats := Stats{Scanned: n}
	for i, ok := range matched {
		if !ok {
			continue
		}
		out = append(out, docs[i])
		stats.Matched++
		if opts.Limit > 0 && stats.Matched >= opts.Limit {
			break
		}
	}
	return out, stats, nil
}
