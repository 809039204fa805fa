package storage

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/vjranagit/luxlogger/pkg/types"
)

// approxReadingCost is the admission cost charged per cached reading.
const approxReadingCost = 4 << 10

// QueryCache caches range query results until the next flush persists data.
//
// Entries are keyed by range and generation. Invalidate bumps the generation,
// so a scan that started before a flush can never be served after it.
type QueryCache struct {
	cache      *ristretto.Cache
	ttl        time.Duration
	generation atomic.Uint64
}

// NewQueryCache creates a query cache bounded by maxCost bytes (approximate).
func NewQueryCache(maxCost int64, ttl time.Duration) (*QueryCache, error) {
	if maxCost <= 0 {
		maxCost = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &QueryCache{cache: c, ttl: ttl}, nil
}

// Key returns the cache key for a range at the current generation.
func (qc *QueryCache) Key(start, end time.Time) string {
	return fmt.Sprintf("%d/%d/%d", qc.generation.Load(), start.UnixNano(), end.UnixNano())
}

// Get retrieves a cached query result
func (qc *QueryCache) Get(key string) ([]types.Reading, bool) {
	v, ok := qc.cache.Get(key)
	if !ok {
		return nil, false
	}
	rs, ok := v.([]types.Reading)
	return rs, ok
}

// Set stores a query result. Admission is asynchronous and may be refused.
func (qc *QueryCache) Set(key string, rs []types.Reading) {
	cost := int64(len(rs)+1) * approxReadingCost
	if qc.ttl > 0 {
		qc.cache.SetWithTTL(key, rs, cost, qc.ttl)
		return
	}
	qc.cache.Set(key, rs, cost)
}

// Invalidate drops every cached result.
func (qc *QueryCache) Invalidate() {
	qc.generation.Add(1)
	qc.cache.Clear()
}

// Wait blocks until pending Sets are applied.
func (qc *QueryCache) Wait() {
	qc.cache.Wait()
}

// Close stops the cache goroutines.
func (qc *QueryCache) Close() {
	qc.cache.Close()
}
