// Package sweeper reclaims tasks abandoned by crashed or hung workers.
// It is the system's sole defense against lost leases; recovery is not
// punitive and bumps no attempt counters.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/hochfrequenz/braid/internal/taskstore"
	"github.com/robfig/cron/v3"
)

// Sweeper periodically scans the store for expired leases
type Sweeper struct {
	store    *taskstore.Store
	schedule cron.Schedule
	maxStale time.Duration
}

// New creates a Sweeper from a cron expression (e.g. "*/5 * * * *")
func New(store *taskstore.Store, cronExpr string, maxStale time.Duration) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	return &Sweeper{store: store, schedule: schedule, maxStale: maxStale}, nil
}

// Run sweeps on the configured schedule until the context is cancelled
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := s.SweepOnce(); err != nil {
			// Storage trouble during one sweep is retried on the next
			// tick; storage gone entirely surfaces through the callers.
			log.Printf("sweep failed: %v", err)
		}
	}
}

// SweepOnce runs a single reclaim pass and logs each recovery for audit
func (s *Sweeper) SweepOnce() (int, error) {
	reclaimed, err := s.store.SweepStaleLeases(s.maxStale)
	if err != nil {
		return 0, err
	}
	for _, id := range reclaimed {
		log.Printf("reclaimed stale lease on task %d, returned to pending", id)
	}
	return len(reclaimed), nil
}
