// Package sweep runs the retention schedule: resolved-and-stale conflicts and
// expired presence/lock records are bulk-deleted on a coarse interval, while
// read paths apply their own cheap freshness filters.
package sweep

import (
	"context"
	"log"
	"time"
)

type cleaner interface {
	CleanupOldConflicts(context.Context) (int64, error)
	CleanupOldPresence(context.Context) (int, error)
}

type Sweeper struct {
	service cleaner
}

func New(service cleaner) *Sweeper {
	return &Sweeper{service: service}
}

// Run sweeps on the given interval until the context is cancelled. One pass
// runs immediately on start so a restart does not defer overdue cleanup by a
// full interval.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	s.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	conflicts, err := s.service.CleanupOldConflicts(ctx)
	if err != nil {
		log.Printf("sweep: cleanup old conflicts: %v", err)
	}
	presence, err := s.service.CleanupOldPresence(ctx)
	if err != nil {
		log.Printf("sweep: cleanup old presence: %v", err)
	}
	if conflicts > 0 || presence > 0 {
		log.Printf(`{"sweep":"done","conflicts_deleted":%d,"presence_deleted":%d}`, conflicts, presence)
	}
}
