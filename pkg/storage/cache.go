package storage

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vjranagit/loopstore/pkg/types"
)

// QueryCache keeps recent range query results in LRU order. Entries expire
// after ttl. Invalidate drops every entry and starts a new generation, so a
// result computed before the invalidation can no longer be stored.
type QueryCache struct {
	capacity   int
	ttl        time.Duration
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front is most recently used
	generation uint64
	now        func() time.Time
}

type cacheEntry struct {
	key     string
	result  *types.QueryResult
	expires time.Time
}

// CacheStats contains cache statistics
type CacheStats struct {
	Size     int
	Capacity int
	Expired  int
}

// NewQueryCache creates a new query cache
func NewQueryCache(capacity int, ttl time.Duration) *QueryCache {
	return &QueryCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Get returns the live result cached for req
func (qc *QueryCache) Get(req *types.QueryRequest) (*types.QueryResult, bool) {
	key := qc.generateKey(req)

	qc.mu.Lock()
	defer qc.mu.Unlock()

	elem, ok := qc.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if !qc.now().Before(entry.expires) {
		qc.order.Remove(elem)
		delete(qc.entries, key)
		return nil, false
	}

	qc.order.MoveToFront(elem)
	return entry.result, true
}

// Generation identifies the current contents; pass it to PutIfCurrent
func (qc *QueryCache) Generation() uint64 {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.generation
}

// Put caches result for req in the current generation
func (qc *QueryCache) Put(req *types.QueryRequest, result *types.QueryResult) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.putLocked(qc.generateKey(req), result)
}

// PutIfCurrent caches result only if no invalidation happened since
// generation was read, and reports whether it did
func (qc *QueryCache) PutIfCurrent(generation uint64, req *types.QueryRequest, result *types.QueryResult) bool {
	key := qc.generateKey(req)

	qc.mu.Lock()
	defer qc.mu.Unlock()
	if generation != qc.generation {
		return false
	}
	qc.putLocked(key, result)
	return true
}

func (qc *QueryCache) putLocked(key string, result *types.QueryResult) {
	if qc.capacity <= 0 {
		return
	}
	expires := qc.now().Add(qc.ttl)

	if elem, ok := qc.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.result, entry.expires = result, expires
		qc.order.MoveToFront(elem)
		return
	}

	qc.entries[key] = qc.order.PushFront(&cacheEntry{key: key, result: result, expires: expires})
	for qc.order.Len() > qc.capacity {
		oldest := qc.order.Back()
		qc.order.Remove(oldest)
		delete(qc.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Invalidate drops every entry and bumps the generation
func (qc *QueryCache) Invalidate() {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.generation++
	clear(qc.entries)
	qc.order.Init()
}

// Stats returns cache statistics
func (qc *QueryCache) Stats() CacheStats {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	now := qc.now()
	expired := 0
	for elem := qc.order.Front(); elem != nil; elem = elem.Next() {
		if !now.Before(elem.Value.(*cacheEntry).expires) {
			expired++
		}
	}

	return CacheStats{
		Size:     len(qc.entries),
		Capacity: qc.capacity,
		Expired:  expired,
	}
}

// generateKey generates a cache key from a query request
func (qc *QueryCache) generateKey(req *types.QueryRequest) string {
	// Create deterministic key from request parameters
	keys := make([]string, 0, len(req.Selector))
	for k := range req.Selector {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	selector := make([][2]string, len(keys))
	for i, k := range keys {
		selector[i] = [2]string{k, req.Selector[k]}
	}

	data, _ := json.Marshal(map[string]interface{}{
		"patient":  req.PatientID,
		"kind":     req.Kind,
		"selector": selector,
		"start":    boundKey(req.Start),
		"end":      boundKey(req.End),
	})

	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

// boundKey distinguishes an open bound from any instant
func boundKey(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// CachedStorage wraps a storage with query caching
type CachedStorage struct {
	storage Storage
	cache   *QueryCache
	hits    atomic.Uint64
	misses  atomic.Uint64
}

var _ Storage = (*CachedStorage)(nil)

// NewCachedStorage creates a cached storage wrapper
func NewCachedStorage(storage Storage, cacheCapacity int, cacheTTL time.Duration) *CachedStorage {
	return &CachedStorage{
		storage: storage,
		cache:   NewQueryCache(cacheCapacity, cacheTTL),
	}
}

// Write passes through to underlying storage and drops every cached result
func (cs *CachedStorage) Write(ctx context.Context, req *types.WriteRequest) error {
	err := cs.storage.Write(ctx, req)
	cs.cache.Invalidate()
	return err
}

// Query checks cache before querying storage. A result read while a write
// was landing is returned but not cached.
func (cs *CachedStorage) Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error) {
	if result, ok := cs.cache.Get(req); ok {
		cs.hits.Add(1)
		return result, nil
	}
	cs.misses.Add(1)

	generation := cs.cache.Generation()
	result, err := cs.storage.Query(ctx, req)
	if err != nil {
		return nil, err
	}

	cs.cache.PutIfCurrent(generation, req, result)
	return result, nil
}

// ClosestPrior is not cached: "at" defaults to now and rarely repeats
func (cs *CachedStorage) ClosestPrior(ctx context.Context, req *types.ClosestRequest) (*types.ClosestResult, error) {
	return cs.storage.ClosestPrior(ctx, req)
}

// Close closes the underlying storage
func (cs *CachedStorage) Close() error {
	return cs.storage.Close()
}

// CacheStats returns cache statistics with the hit and miss counts
func (cs *CachedStorage) CacheStats() (CacheStats, uint64, uint64) {
	return cs.cache.Stats(), cs.hits.Load(), cs.misses.Load()
}

// CacheHitRate returns the cache hit rate as a percentage
func (cs *CachedStorage) CacheHitRate() float64 {
	hits, misses := cs.hits.Load(), cs.misses.Load()
	if hits+misses == 0 {
		return 0.0
	}
	return float64(hits) / float64(hits+misses) * 100.0
}
