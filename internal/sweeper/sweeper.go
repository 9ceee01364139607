// Package sweeper runs the periodic expiry pass (C9): it prunes expired
// ephemeral sessions from both the State Store and the Persisted Store,
// drops their event caches, evicts expired attachments, and
// occasionally reconciles stale Redis index entries.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/pizzapi/relay/internal/store/redisstore"
	"github.com/pizzapi/relay/internal/store/sqlstore"
)

// indexCleanEvery bounds how often the (more expensive) stale runner
// index reconciliation runs, relative to the main sweep interval.
const indexCleanEvery = 10

// Sweeper owns the background ticker loop.
type Sweeper struct {
	store *redisstore.Store
	cache *redisstore.EventCache
	sql   *sqlstore.Store

	interval time.Duration
	stopCh   chan struct{}
	tick     int
}

// New builds a Sweeper. sql may be nil when the deployment runs without
// a persisted store, in which case pruning is scoped to Redis alone.
func New(store *redisstore.Store, cache *redisstore.EventCache, sql *sqlstore.Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Sweeper{store: store, cache: cache, sql: sql, interval: interval, stopCh: make(chan struct{})}
}

// Run blocks, sweeping on every tick, until ctx is cancelled or Stop is called.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepOnce(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends a running sweep loop.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

// sweepOnce runs one full pass. A failing step is logged; it never
// aborts the remaining steps, and the next tick retries independently.
func (s *Sweeper) sweepOnce(ctx context.Context) {
	now := time.Now()

	expired := s.expiredSessionIDs(ctx, now)
	if len(expired) > 0 {
		if err := s.cache.DeleteBatch(ctx, expired); err != nil {
			log.Printf("sweeper: delete event caches: %v", err)
		}
		log.Printf("sweeper: pruned %d expired session(s)", len(expired))
	}

	s.sweepExpiredAttachments(ctx, now)

	s.tick++
	if s.tick%indexCleanEvery == 0 {
		if n, err := s.store.CleanStaleRunnerIndexEntries(ctx); err != nil {
			log.Printf("sweeper: clean stale runner index entries: %v", err)
		} else if n > 0 {
			log.Printf("sweeper: removed %d stale runner index entr(y/ies)", n)
		}
	}
}

// expiredSessionIDs is the union of C1's and C3's independent expiry
// views: a session can fall out of either store first depending on
// which backend is under more write pressure.
func (s *Sweeper) expiredSessionIDs(ctx context.Context, now time.Time) []string {
	seen := make(map[string]struct{})
	var ids []string

	redisExpired, err := s.store.ScanExpiredSessions(ctx, now)
	if err != nil {
		log.Printf("sweeper: scan expired sessions: %v", err)
	}
	for _, id := range redisExpired {
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	if s.sql != nil {
		sqlExpired, err := s.sql.PruneExpired(ctx)
		if err != nil {
			log.Printf("sweeper: prune expired (sql): %v", err)
		}
		for _, id := range sqlExpired {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	for _, id := range redisExpired {
		if err := s.store.DeleteSession(ctx, id); err != nil {
			log.Printf("sweeper: delete session %s: %v", id, err)
		}
	}

	return ids
}

func (s *Sweeper) sweepExpiredAttachments(ctx context.Context, now time.Time) {
	if s.sql == nil {
		return
	}
	attachments, err := s.sql.ListExpiredAttachments(ctx, now)
	if err != nil {
		log.Printf("sweeper: list expired attachments: %v", err)
		return
	}
	if len(attachments) == 0 {
		return
	}

	ids := make([]string, len(attachments))
	for i, a := range attachments {
		ids[i] = a.AttachmentID
	}
	if err := s.sql.DeleteAttachments(ctx, ids); err != nil {
		log.Printf("sweeper: delete attachments: %v", err)
		return
	}
	log.Printf("sweeper: evicted %d expired attachment(s)", len(ids))
}
