// Package cache orchestrates the timeline cache tiers: the in-process LRU,
// the networked store, and (for callers that need history) the snapshot
// fallback expressed at the API layer. Reads waterfall down the tiers with
// promotion on miss; writes go through both synchronous tiers, except for the
// live-update fast path which never blocks on the network.
package cache

import (
	"context"
	"sync"
	"time"

	"crep/timeline/internal/logging"
	"crep/timeline/internal/memcache"
	"crep/timeline/internal/rediscache"
	"crep/timeline/internal/timeline"
)

// Tier labels reported in query results.
const (
	TierMemory   = "memory"
	TierRedis    = "redis"
	TierDatabase = "database"
)

// Manager presents one surface across the cache tiers.
type Manager struct {
	memory *memcache.Cache
	redis  *rediscache.Cache
	log    *logging.Logger
	now    func() time.Time

	metrics *Metrics

	mu           sync.Mutex
	memoryHits   int64
	redisHits    int64
	dbHits       int64
	totalQueries int64

	background sync.WaitGroup
}

// Option customises manager construction.
type Option func(*Manager)

// WithClock overrides the manager time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager constructs a manager over the provided tiers.
func NewManager(memory *memcache.Cache, redis *rediscache.Cache, logger *logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.L()
	}
	manager := &Manager{
		memory: memory,
		redis:  redis,
		log:    logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	return manager
}

// Get answers the query from the fastest tier that has results. A networked
// hit is promoted into the memory tier before returning. An all-tier miss
// returns an empty result tagged for the database fallback, which the API
// layer resolves against the snapshot store for historical ranges.
func (m *Manager) Get(ctx context.Context, query timeline.Query) timeline.QueryResult {
	if m == nil {
		return timeline.QueryResult{Tier: TierDatabase}
	}
	started := m.now()

	if results := m.memory.Query(query); len(results) > 0 {
		return m.finishQuery(TierMemory, results, started)
	}

	if results := m.redis.Query(ctx, query); len(results) > 0 {
		//1.- Promote the warm entries so the next identical query stays local.
		m.writeMemory(results)
		return m.finishQuery(TierRedis, results, started)
	}

	return m.finishQuery(TierDatabase, nil, started)
}

func (m *Manager) finishQuery(tier string, results []timeline.Entry, started time.Time) timeline.QueryResult {
	latency := float64(m.now().Sub(started).Microseconds()) / 1000.0

	m.mu.Lock()
	m.totalQueries++
	switch tier {
	case TierMemory:
		m.memoryHits++
	case TierRedis:
		m.redisHits++
	default:
		m.dbHits++
	}
	m.mu.Unlock()
	m.metrics.observeQuery(tier, latency)

	return timeline.QueryResult{
		Entries:   results,
		Tier:      tier,
		Hit:       len(results) > 0,
		LatencyMs: latency,
	}
}

// writeMemory inserts entries into the memory tier, refusing to overwrite a
// ground-truth entry with a forecast for the same key.
func (m *Manager) writeMemory(entries []timeline.Entry) {
	guarded := entries[:0:0]
	for _, entry := range entries {
		if entry.Source.Forecast() {
			if existing, ok := m.memory.Get(entry.CacheKey()); ok && existing.Source.GroundTruth() {
				//1.- Ground truth always wins the tie; skip the forecast copy.
				continue
			}
		}
		guarded = append(guarded, entry)
	}
	m.memory.PutBatch(guarded)
}

// Put writes one entry through both synchronous tiers. Networked failures
// are tolerated; the memory tier remains authoritative for recency.
func (m *Manager) Put(ctx context.Context, entry timeline.Entry) {
	if m == nil {
		return
	}
	m.PutBatch(ctx, []timeline.Entry{entry})
}

// PutBatch writes entries through both synchronous tiers.
func (m *Manager) PutBatch(ctx context.Context, entries []timeline.Entry) {
	if m == nil || len(entries) == 0 {
		return
	}
	m.writeMemory(entries)
	m.redis.PutBatch(ctx, entries)
	m.metrics.observeWrite("put", len(entries))
}

// StoreLiveUpdate is the live ingest fast path: the memory write is
// synchronous, the networked write is dispatched in the background so feed
// latency never gates on the network.
func (m *Manager) StoreLiveUpdate(ctx context.Context, entries []timeline.Entry) {
	if m == nil || len(entries) == 0 {
		return
	}
	m.writeMemory(entries)
	m.metrics.observeWrite("live_update", len(entries))

	cloned := append([]timeline.Entry(nil), entries...)
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		m.redis.PutBatch(context.WithoutCancel(ctx), cloned)
	}()
}

// Flush blocks until every background networked write has completed.
// Primarily used by tests and shutdown.
func (m *Manager) Flush() {
	if m == nil {
		return
	}
	m.background.Wait()
}

// Invalidate removes matching entries from the memory and networked tiers in
// order and returns the summed count. Snapshots are never invalidated here;
// historical archival stays authoritative.
func (m *Manager) Invalidate(ctx context.Context, entityType timeline.EntityType, entityID string) int {
	if m == nil {
		return 0
	}
	removed := m.memory.Invalidate(entityType, entityID)
	removed += m.redis.Invalidate(ctx, entityType, entityID)
	m.log.Info("cache invalidated",
		logging.String("entity_type", string(entityType)),
		logging.String("entity_id", entityID),
		logging.Int("removed", removed))
	return removed
}

// InvalidateMemory clears only the in-process tier; used when a process wants
// to force re-promotion from the networked store.
func (m *Manager) InvalidateMemory(entityType timeline.EntityType, entityID string) int {
	if m == nil {
		return 0
	}
	return m.memory.Invalidate(entityType, entityID)
}

// Stats is the composite view across tiers.
type Stats struct {
	MemoryHits   int64            `json:"memory_hits"`
	RedisHits    int64            `json:"redis_hits"`
	DBHits       int64            `json:"db_hits"`
	TotalQueries int64            `json:"total_queries"`
	HitRate      float64          `json:"hit_rate"`
	MemorySize   int              `json:"memory_size"`
	Redis        rediscache.Stats `json:"redis"`
}

// GetStats reports per-tier metrics plus the overall cache hit rate.
func (m *Manager) GetStats(ctx context.Context) Stats {
	if m == nil {
		return Stats{}
	}
	m.mu.Lock()
	stats := Stats{
		MemoryHits:   m.memoryHits,
		RedisHits:    m.redisHits,
		DBHits:       m.dbHits,
		TotalQueries: m.totalQueries,
	}
	m.mu.Unlock()
	if stats.TotalQueries > 0 {
		stats.HitRate = float64(stats.MemoryHits+stats.RedisHits) / float64(stats.TotalQueries)
	}
	stats.MemorySize = m.memory.Size()
	stats.Redis = m.redis.GetStats(ctx)
	return stats
}
