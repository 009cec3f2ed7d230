// Package snapshot persists timeline entries as gzip-compressed hourly bucket
// files on disk and serves range queries from them. The on-disk layout is
// <root>/<entity_type>/<YYYY-MM-DD>/<HH>.bin with a JSON index document at the
// store root.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"crep/timeline/internal/logging"
	"crep/timeline/internal/timeline"
)

const indexFileName = "index"

// Metadata describes one persisted bucket, as recorded in the index.
type Metadata struct {
	BucketKey     string    `json:"bucket_key"`
	BucketStartMs int64     `json:"bucket_start_ms"`
	BucketEndMs   int64     `json:"bucket_end_ms"`
	EntryCount    int       `json:"entry_count"`
	FileSize      int64     `json:"file_size"`
	CreatedAt     time.Time `json:"created_at"`
	FilePath      string    `json:"file_path"`
}

// Store owns the snapshot directory and the in-memory bucket index. Writers
// serialize through the store mutex; readers snapshot the index under a read
// lock and then hit disk without holding it.
type Store struct {
	mu    sync.RWMutex
	root  string
	index map[string]Metadata
	log   *logging.Logger
	now   func() time.Time
}

// Option customises store construction.
type Option func(*Store)

// WithClock overrides the store time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New opens (or initialises) a snapshot store rooted at dir and loads the
// bucket index from disk.
func New(dir string, logger *logging.Logger, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot directory must be provided")
	}
	if logger == nil {
		logger = logging.L()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}
	store := &Store{
		root:  dir,
		index: make(map[string]Metadata),
		log:   logger,
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if err := store.loadIndex(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.root, indexFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read snapshot index: %w", err)
	}
	index := make(map[string]Metadata)
	if err := json.Unmarshal(data, &index); err != nil {
		return fmt.Errorf("decode snapshot index: %w", err)
	}
	s.mu.Lock()
	s.index = index
	s.mu.Unlock()
	return nil
}

// persistIndexLocked writes the index document atomically; callers must hold
// the write lock.
func (s *Store) persistIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.root, indexFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Create serializes the entries into the bucket containing bucketStartMs and
// writes it atomically, replacing any existing bucket. Success is not
// reported until both the file and the index are durable.
func (s *Store) Create(entityType timeline.EntityType, entries []timeline.Entry, bucketStartMs int64) (Metadata, error) {
	if s == nil {
		return Metadata{}, fmt.Errorf("snapshot store not configured")
	}
	start := timeline.BucketStartMs(bucketStartMs)
	end := start + timeline.BucketDuration.Milliseconds() - 1
	key := timeline.BucketKey(entityType, start)

	//1.- Keep bucket contents ordered by timestamp so range reads stream in order.
	ordered := append([]timeline.Entry(nil), entries...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].TimestampMs < ordered[j].TimestampMs })

	path := filepath.Join(s.root, filepath.FromSlash(key)+".bin")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Metadata{}, fmt.Errorf("create bucket directory: %w", err)
	}

	//2.- Write to a temp file and rename so readers never observe partial buckets.
	tmp := path + ".tmp"
	if err := writeCompressed(tmp, ordered); err != nil {
		_ = os.Remove(tmp)
		return Metadata{}, fmt.Errorf("write bucket %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Metadata{}, fmt.Errorf("commit bucket %s: %w", key, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("stat bucket %s: %w", key, err)
	}

	meta := Metadata{
		BucketKey:     key,
		BucketStartMs: start,
		BucketEndMs:   end,
		EntryCount:    len(ordered),
		FileSize:      info.Size(),
		CreatedAt:     s.now().UTC(),
		FilePath:      path,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[key] = meta
	if err := s.persistIndexLocked(); err != nil {
		//3.- Roll the index entry back so it never references an uncommitted state.
		delete(s.index, key)
		return Metadata{}, fmt.Errorf("persist snapshot index: %w", err)
	}
	return meta, nil
}

func writeCompressed(path string, entries []timeline.Entry) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	writer := gzip.NewWriter(file)
	encoder := json.NewEncoder(writer)
	if err := encoder.Encode(entries); err != nil {
		writer.Close()
		file.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Read returns the entries of a bucket in storage order. A missing or
// unreadable bucket degrades to an empty list so a partial disk failure never
// breaks a query.
func (s *Store) Read(bucketKey string) []timeline.Entry {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	meta, ok := s.index[bucketKey]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	file, err := os.Open(meta.FilePath)
	if err != nil {
		s.log.Warn("snapshot bucket unreadable", logging.Error(err), logging.String("bucket", bucketKey))
		return nil
	}
	defer file.Close()

	reader, err := gzip.NewReader(file)
	if err != nil {
		s.log.Warn("snapshot bucket corrupt", logging.Error(err), logging.String("bucket", bucketKey))
		return nil
	}
	defer reader.Close()

	var entries []timeline.Entry
	if err := json.NewDecoder(reader).Decode(&entries); err != nil && err != io.EOF {
		s.log.Warn("snapshot bucket decode failed", logging.Error(err), logging.String("bucket", bucketKey))
		return nil
	}
	return entries
}

// Query iterates every bucket overlapping [startMs, endMs] at the fixed
// bucket stride and returns the entries whose timestamps fall in the exact
// range, concatenated in bucket order.
func (s *Store) Query(entityType timeline.EntityType, startMs, endMs int64) []timeline.Entry {
	if s == nil || endMs < startMs {
		return nil
	}
	stride := timeline.BucketDuration.Milliseconds()
	results := make([]timeline.Entry, 0)
	for bucket := timeline.BucketStartMs(startMs); bucket <= endMs; bucket += stride {
		key := timeline.BucketKey(entityType, bucket)
		for _, entry := range s.Read(key) {
			if entry.TimestampMs >= startMs && entry.TimestampMs <= endMs {
				results = append(results, entry)
			}
		}
	}
	return results
}

// Cleanup removes buckets whose coverage ended more than maxAge ago and
// returns the number removed.
func (s *Store) Cleanup(maxAge time.Duration) int {
	if s == nil || maxAge <= 0 {
		return 0
	}
	cutoff := s.now().UnixMilli() - maxAge.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, meta := range s.index {
		if meta.BucketEndMs >= cutoff {
			continue
		}
		if err := os.Remove(meta.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("snapshot cleanup removal failed", logging.Error(err), logging.String("bucket", key))
			continue
		}
		delete(s.index, key)
		removed++
	}
	if removed > 0 {
		if err := s.persistIndexLocked(); err != nil {
			s.log.Warn("snapshot index persist failed after cleanup", logging.Error(err))
		}
	}
	return removed
}

// Index returns a copy of the bucket index for stats and tooling.
func (s *Store) Index() map[string]Metadata {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Metadata, len(s.index))
	for key, meta := range s.index {
		out[key] = meta
	}
	return out
}

// Stats summarises the store footprint for monitoring endpoints.
type Stats struct {
	Buckets    int   `json:"buckets"`
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
}

// GetStats reports the aggregate bucket, entry, and byte counts.
func (s *Store) GetStats() Stats {
	if s == nil {
		return Stats{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{Buckets: len(s.index)}
	for _, meta := range s.index {
		stats.Entries += meta.EntryCount
		stats.TotalBytes += meta.FileSize
	}
	return stats
}
