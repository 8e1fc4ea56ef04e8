package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler refreshes the homepage periodically.
// The first refresh runs as soon as the scheduler starts.
type Scheduler struct {
	refresher *Refresher
	interval  time.Duration
	log       zerolog.Logger
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewScheduler(refresher *Refresher, interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		refresher: refresher,
		interval:  interval,
		log:       log.With().Str("component", "catalog-scheduler").Logger(),
		done:      make(chan struct{}),
	}
}

// Start begins the refresh loop in background.
// Safe to call multiple times - only the first call starts the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.run(ctx)
		s.log.Info().Dur("interval", s.interval).Msg("catalog scheduler started")
	})
}

// Stop waits for the running refresh to finish.
// Safe to call multiple times - only the first call stops the scheduler.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.log.Info().Msg("catalog scheduler stopped")
	})
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.refresher.Refresh(ctx, false); err != nil {
		s.log.Error().Err(err).Msg("homepage refresh failed")
	}
}
