// Package scheduler runs daily housekeeping for the relay: purging audit
// records older than the configured retention.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/blockbridge/internal/config"
	"github.com/energizer-project/blockbridge/internal/store"
)

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg    config.StoreConfig
	pruner store.Pruner
	now    func() time.Time
}

// NewScheduler creates a scheduler for rec. Recorders that do not
// implement store.Pruner are left alone.
func NewScheduler(cfg config.StoreConfig, rec store.Recorder) *Scheduler {
	s := &Scheduler{cfg: cfg, now: time.Now}
	if p, ok := rec.(store.Pruner); ok {
		s.pruner = p
	}
	return s
}

// Enabled reports whether there is anything to schedule.
func (s *Scheduler) Enabled() bool {
	return s.pruner != nil && s.cfg.RetentionDays > 0
}

// Start runs the retention task until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.Enabled() {
		log.Debug().Msg("store retention disabled")
		<-ctx.Done()
		return
	}

	log.Info().Int("retention_days", s.cfg.RetentionDays).Str("at", s.cfg.CleanupTime).Msg("scheduler started")
	s.runRetentionLoop(ctx)
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runRetentionLoop(ctx context.Context) {
	for {
		nextRun := s.nextCleanupTime()
		sleepDuration := nextRun.Sub(s.now())
		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		log.Debug().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("store retention scheduled")

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunRetention(ctx)
		}
	}
}

// RunRetention deletes records older than the retention window and returns
// how many were removed.
func (s *Scheduler) RunRetention(ctx context.Context) int64 {
	if !s.Enabled() {
		return 0
	}
	cutoff := s.now().AddDate(0, 0, -s.cfg.RetentionDays)

	removed, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("store retention failed")
		return 0
	}
	log.Info().
		Int64("removed", removed).
		Time("cutoff", cutoff).
		Msg("store retention completed")
	return removed
}

// nextCleanupTime returns the next occurrence of the configured time of
// day, 04:00 when it does not parse.
func (s *Scheduler) nextCleanupTime() time.Time {
	hour, minute, err := config.ParseClock(s.cfg.CleanupTime)
	if err != nil {
		hour, minute = 4, 0
	}

	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
