package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/j6k4m8/jque/internal/models"
)

// BenchmarkInMemoryCache_Get measures read throughput on a warm cache.
func BenchmarkInMemoryCache_Get(b *testing.B) {
	ctx := context.Background()
	c := NewInMemoryCache()
	val := models.QueryResult{Collection: "crew", Count: 100}
	for i := 0; i < 1000; i++ {
		_ = c.Set(ctx, "k"+strconv.Itoa(i), val, time.Hour)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = c.Get(ctx, "k"+strconv.Itoa(i%1000))
	}
}

// BenchmarkInMemoryCache_Set measures write throughput.
func BenchmarkInMemoryCache_Set(b *testing.B) {
	ctx := context.Background()
	c := NewInMemoryCache()
	val := models.QueryResult{Collection: "crew", Count: 100}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Set(ctx, "k"+strconv.Itoa(i%1000), val, time.Hour)
	}
}
