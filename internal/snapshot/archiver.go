package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crep/timeline/internal/logging"
	"crep/timeline/internal/timeline"
)

// Archiver buffers ingested entries and periodically folds them into their
// hourly snapshot buckets so history survives cache TTL expiry.
type Archiver struct {
	mu      sync.Mutex
	store   *Store
	log     *logging.Logger
	now     func() time.Time
	pending map[string][]timeline.Entry
	flushes int64
	lastErr error
}

// ArchiverStats summarises archiver health for monitoring endpoints.
type ArchiverStats struct {
	PendingBuckets int   `json:"pending_buckets"`
	PendingEntries int   `json:"pending_entries"`
	Flushes        int64 `json:"flushes"`
}

// NewArchiver constructs an archiver over the provided store.
func NewArchiver(store *Store, logger *logging.Logger, clock func() time.Time) *Archiver {
	if logger == nil {
		logger = logging.L()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Archiver{
		store:   store,
		log:     logger,
		now:     clock,
		pending: make(map[string][]timeline.Entry),
	}
}

// Record stages entries for the next flush, grouped by bucket.
func (a *Archiver) Record(entries []timeline.Entry) {
	if a == nil || len(entries) == 0 {
		return
	}
	a.mu.Lock()
	for _, entry := range entries {
		key := timeline.BucketKey(entry.EntityType, entry.TimestampMs)
		a.pending[key] = append(a.pending[key], entry)
	}
	a.mu.Unlock()
}

// Flush merges every staged bucket with its on-disk contents and rewrites it.
// The newest write wins when an (entity, timestamp) pair collides.
func (a *Archiver) Flush() error {
	if a == nil || a.store == nil {
		return fmt.Errorf("archiver not configured")
	}
	a.mu.Lock()
	staged := a.pending
	a.pending = make(map[string][]timeline.Entry)
	a.mu.Unlock()

	var firstErr error
	for key, entries := range staged {
		if len(entries) == 0 {
			continue
		}
		//1.- Merge with whatever the bucket already holds; staged entries win.
		merged := make(map[string]timeline.Entry)
		for _, existing := range a.store.Read(key) {
			merged[existing.CacheKey()] = existing
		}
		for _, entry := range entries {
			merged[entry.CacheKey()] = entry
		}
		flattened := make([]timeline.Entry, 0, len(merged))
		for _, entry := range merged {
			flattened = append(flattened, entry)
		}
		//2.- Rewrite the bucket; Create sorts and replaces atomically.
		if _, err := a.store.Create(entries[0].EntityType, flattened, entries[0].TimestampMs); err != nil {
			a.log.Error("snapshot archive flush failed", logging.Error(err), logging.String("bucket", key))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	a.mu.Lock()
	a.flushes++
	a.lastErr = firstErr
	a.mu.Unlock()
	return firstErr
}

// Run flushes staged entries on the provided cadence until the context is
// cancelled, with a final flush on shutdown.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) {
	if a == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			//1.- Drain the buffer so shutdown does not lose staged history.
			_ = a.Flush()
			return
		case <-ticker.C:
			_ = a.Flush()
		}
	}
}

// Stats reports the archiver buffer state.
func (a *Archiver) Stats() ArchiverStats {
	if a == nil {
		return ArchiverStats{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := ArchiverStats{PendingBuckets: len(a.pending), Flushes: a.flushes}
	for _, entries := range a.pending {
		stats.PendingEntries += len(entries)
	}
	return stats
}
