// Package rediscache implements the networked tier of the timeline cache. It
// shares warm entries across processes through a key/value store with TTLs,
// pipelined batch writes, and per-entity sorted-set time indexes. When the
// backing store is unreachable the cache silently degrades to no-op behaviour
// so the manager can fall through to other tiers.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/redis/go-redis/v9"

	"crep/timeline/internal/logging"
	"crep/timeline/internal/timeline"
)

const (
	// DefaultTTL bounds entry and index freshness in the networked tier.
	DefaultTTL = 24 * time.Hour
	// compressThreshold is the payload size above which values are
	// snappy-compressed before storage.
	compressThreshold = 512
	// scanPageSize bounds each SCAN iteration during pattern queries.
	scanPageSize = 256
	// scanMaxKeys caps how many index keys a pattern query may visit.
	scanMaxKeys = 4096

	rawMarker        = 0x00
	compressedMarker = 0x01
)

// Cache is the networked cache tier.
type Cache struct {
	client    redis.UniversalClient
	ttl       time.Duration
	log       *logging.Logger
	connected atomic.Bool
}

// New constructs a cache from a redis URL. The connection is not probed until
// Connect is called.
func New(redisURL string, ttl time.Duration, logger *logging.Logger) (*Cache, error) {
	if logger == nil {
		logger = logging.L()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Cache{
		client: redis.NewClient(opts),
		ttl:    ttl,
		log:    logger,
	}, nil
}

// NewWithClient wraps an existing client; used by tests against miniredis.
func NewWithClient(client redis.UniversalClient, ttl time.Duration, logger *logging.Logger) *Cache {
	if logger == nil {
		logger = logging.L()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl, log: logger}
}

// Connect probes the backing store. It is idempotent and best-effort: on
// failure the cache stays disconnected and every operation degrades to a
// no-op.
func (c *Cache) Connect(ctx context.Context) {
	if c == nil || c.client == nil {
		return
	}
	probe, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.client.Ping(probe).Err(); err != nil {
		c.connected.Store(false)
		c.log.Warn("networked cache unreachable", logging.Error(err))
		return
	}
	c.connected.Store(true)
}

// Connected reports whether the last probe succeeded.
func (c *Cache) Connected() bool {
	return c != nil && c.connected.Load()
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func encodePayload(entry timeline.Entry) ([]byte, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	//1.- Large payloads are snappy-compressed; a marker byte records the codec.
	if len(raw) > compressThreshold {
		return append([]byte{compressedMarker}, snappy.Encode(nil, raw)...), nil
	}
	return append([]byte{rawMarker}, raw...), nil
}

func decodePayload(data []byte) (timeline.Entry, error) {
	var entry timeline.Entry
	if len(data) < 2 {
		return entry, fmt.Errorf("payload too short")
	}
	body := data[1:]
	if data[0] == compressedMarker {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return entry, fmt.Errorf("snappy decode: %w", err)
		}
		body = decoded
	}
	if err := json.Unmarshal(body, &entry); err != nil {
		return entry, fmt.Errorf("decode entry: %w", err)
	}
	return entry, nil
}

// Put stores a single entry. Failures are logged, never surfaced; other tiers
// remain authoritative.
func (c *Cache) Put(ctx context.Context, entry timeline.Entry) {
	c.PutBatch(ctx, []timeline.Entry{entry})
}

// PutBatch stores entries through one pipeline: each entry key is set with
// the tier TTL, added to its entity time index, and the index TTL extended.
// Forecast entries never replace a stored ground-truth entry at the same key.
func (c *Cache) PutBatch(ctx context.Context, entries []timeline.Entry) {
	if !c.Connected() || len(entries) == 0 {
		return
	}
	blocked := c.groundTruthKeys(ctx, entries)
	pipe := c.client.Pipeline()
	for _, entry := range entries {
		key := entry.CacheKey()
		if entry.Source.Forecast() {
			if _, ok := blocked[key]; ok {
				//1.- Ground truth always wins the tie; skip the forecast copy.
				continue
			}
		}
		payload, err := encodePayload(entry)
		if err != nil {
			c.log.Warn("networked cache encode failed", logging.Error(err), logging.String("key", key))
			continue
		}
		index := timeline.IndexKey(entry.EntityType, entry.EntityID)
		pipe.Set(ctx, key, payload, c.ttl)
		pipe.ZAdd(ctx, index, redis.Z{Score: float64(entry.TimestampMs), Member: key})
		pipe.Expire(ctx, index, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		//2.- Partial failures leave best-effort state; log and move on.
		c.log.Warn("networked cache write failed", logging.Error(err), logging.Int("entries", len(entries)))
	}
}

// groundTruthKeys reads back the stored copies of the batch's forecast entries
// and reports the keys currently held by a live or historical entry.
func (c *Cache) groundTruthKeys(ctx context.Context, entries []timeline.Entry) map[string]struct{} {
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Source.Forecast() {
			keys = append(keys, entry.CacheKey())
		}
	}
	if len(keys) == 0 {
		return nil
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.Warn("networked cache guard read failed", logging.Error(err))
		return nil
	}
	blocked := make(map[string]struct{})
	for i, value := range values {
		text, ok := value.(string)
		if !ok {
			continue
		}
		existing, err := decodePayload([]byte(text))
		if err != nil {
			continue
		}
		if existing.Source.GroundTruth() {
			blocked[keys[i]] = struct{}{}
		}
	}
	return blocked
}

// Query selects entries by score range over the relevant time indexes. The
// index set is exact when the entity id is known; otherwise a bounded pattern
// scan widens the search.
func (c *Cache) Query(ctx context.Context, query timeline.Query) []timeline.Entry {
	if !c.Connected() {
		return nil
	}
	indexKeys := c.resolveIndexKeys(ctx, query)
	if len(indexKeys) == 0 {
		return nil
	}

	//1.- Collect entry keys per index via score-range lookups on the ZSET.
	min, max := "-inf", "+inf"
	if query.StartMs != 0 {
		min = strconv.FormatInt(query.StartMs, 10)
	}
	if query.EndMs != 0 {
		max = strconv.FormatInt(query.EndMs, 10)
	}
	entryKeys := make([]string, 0)
	for _, index := range indexKeys {
		keys, err := c.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{Min: min, Max: max}).Result()
		if err != nil {
			c.log.Warn("networked cache index read failed", logging.Error(err), logging.String("index", index))
			continue
		}
		entryKeys = append(entryKeys, keys...)
	}
	if len(entryKeys) == 0 {
		return nil
	}

	//2.- Batch-fetch payloads, then post-filter by source and cap at the limit.
	values, err := c.client.MGet(ctx, entryKeys...).Result()
	if err != nil {
		c.log.Warn("networked cache batch fetch failed", logging.Error(err))
		return nil
	}
	limit := query.EffectiveLimit()
	now := time.Now()
	results := make([]timeline.Entry, 0, len(values))
	for _, value := range values {
		text, ok := value.(string)
		if !ok {
			continue
		}
		entry, err := decodePayload([]byte(text))
		if err != nil {
			c.log.Warn("networked cache payload corrupt", logging.Error(err))
			continue
		}
		if entry.Expired(now) {
			continue
		}
		if query.Source != "" && entry.Source != query.Source {
			continue
		}
		results = append(results, entry)
		if len(results) >= limit {
			break
		}
	}
	return results
}

func (c *Cache) resolveIndexKeys(ctx context.Context, query timeline.Query) []string {
	//1.- Exact index when both dimensions are known; no scan required.
	if query.EntityType != "" && query.EntityID != "" {
		return []string{timeline.IndexKey(query.EntityType, query.EntityID)}
	}
	pattern := "timeline:idx:*"
	if query.EntityType != "" {
		pattern = fmt.Sprintf("timeline:idx:%s:*", query.EntityType)
	}
	return c.scanKeys(ctx, pattern)
}

// scanKeys performs a cursor-bounded SCAN. O(total keys) at large scale; a
// secondary recently-seen index would be the next step if this becomes hot.
func (c *Cache) scanKeys(ctx context.Context, pattern string) []string {
	keys := make([]string, 0)
	var cursor uint64
	for {
		page, next, err := c.client.Scan(ctx, cursor, pattern, scanPageSize).Result()
		if err != nil {
			c.log.Warn("networked cache scan failed", logging.Error(err), logging.String("pattern", pattern))
			return keys
		}
		keys = append(keys, page...)
		cursor = next
		if cursor == 0 || len(keys) >= scanMaxKeys {
			return keys
		}
	}
}

// Invalidate removes entries for the optional entity type and id and returns
// the number of entry keys deleted.
func (c *Cache) Invalidate(ctx context.Context, entityType timeline.EntityType, entityID string) int {
	if !c.Connected() {
		return 0
	}
	var indexKeys []string
	switch {
	case entityType != "" && entityID != "":
		indexKeys = []string{timeline.IndexKey(entityType, entityID)}
	case entityType != "":
		indexKeys = c.scanKeys(ctx, fmt.Sprintf("timeline:idx:%s:*", entityType))
	case entityID != "":
		//1.- Match only the requested entity; the wildcard spans the type segment.
		indexKeys = c.scanKeys(ctx, fmt.Sprintf("timeline:idx:*:%s", entityID))
	default:
		indexKeys = c.scanKeys(ctx, "timeline:idx:*")
	}

	removed := 0
	for _, index := range indexKeys {
		//1.- Fetch the index members so the entry keys can be deleted with it.
		members, err := c.client.ZRange(ctx, index, 0, -1).Result()
		if err != nil {
			c.log.Warn("networked cache invalidate read failed", logging.Error(err), logging.String("index", index))
			continue
		}
		pipe := c.client.Pipeline()
		if len(members) > 0 {
			pipe.Del(ctx, members...)
		}
		pipe.Del(ctx, index)
		if _, err := pipe.Exec(ctx); err != nil {
			c.log.Warn("networked cache invalidate failed", logging.Error(err), logging.String("index", index))
			continue
		}
		removed += len(members)
	}
	return removed
}

// Stats summarises the networked tier for monitoring endpoints.
type Stats struct {
	Connected bool  `json:"connected"`
	TotalKeys int64 `json:"total_keys"`
}

// GetStats reports connection state and key count.
func (c *Cache) GetStats(ctx context.Context) Stats {
	stats := Stats{Connected: c.Connected()}
	if !stats.Connected {
		return stats
	}
	if size, err := c.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = size
	}
	return stats
}
