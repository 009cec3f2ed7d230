package snapshot

import (
	"context"
	"time"

	"crep/timeline/internal/logging"
)

// Sweeper periodically applies the retention policy to a snapshot store.
type Sweeper struct {
	store  *Store
	maxAge time.Duration
	log    *logging.Logger
}

// NewSweeper constructs a sweeper that removes buckets older than maxAge.
func NewSweeper(store *Store, maxAge time.Duration, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.L()
	}
	return &Sweeper{store: store, maxAge: maxAge, log: logger}
}

// Run executes retention sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if s == nil || s.store == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	//1.- Perform an eager sweep so retention applies immediately on startup.
	s.RunOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//2.- Trigger periodic sweeps while the context remains active.
			s.RunOnce()
		}
	}
}

// RunOnce performs a single retention sweep.
func (s *Sweeper) RunOnce() {
	if s == nil || s.store == nil {
		return
	}
	if removed := s.store.Cleanup(s.maxAge); removed > 0 {
		s.log.Info("snapshot retention removed buckets", logging.Int("removed", removed))
	}
}
