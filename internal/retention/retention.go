// Package retention purges old messages on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/adhocore/gronx"

	"parley/internal/store"
)

// Sweeper deletes messages older than MaxAge whenever the cron expression
// fires. Scheduling sleeps until the next cron tick rather than polling.
type Sweeper struct {
	store  store.Store
	cron   string
	maxAge time.Duration
}

// New validates the cron expression and returns a sweeper.
func New(st store.Store, cron string, maxAge time.Duration) (*Sweeper, error) {
	if cron == "" {
		cron = "0 2 * * *"
	}
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cron)
	}
	return &Sweeper{store: st, cron: cron, maxAge: maxAge}, nil
}

// Start runs the sweeper until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	log.Printf("[retention] Sweeper started: cron=%q maxAge=%s", s.cron, s.maxAge)
	for {
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(s.cron, now, false)
		if err != nil {
			log.Printf("[retention] ❌ Failed to compute next tick for %q: %v", s.cron, err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(time.Until(next)):
			s.RunOnce(ctx)
		case <-ctx.Done():
			log.Println("[retention] Sweeper stopped")
			return
		}
	}
}

// RunOnce performs a single purge pass.
func (s *Sweeper) RunOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	purged, err := s.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		log.Printf("[retention] ❌ Purge failed: %v", err)
		return
	}
	if purged > 0 {
		log.Printf("[retention] ✅ Purged %d messages older than %s", purged, cutoff.Format(time.RFC3339))
	}
}
