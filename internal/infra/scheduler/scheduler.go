package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper releases resources that have been idle for longer than idleFor.
type Sweeper interface {
	Sweep(ctx context.Context, idleFor time.Duration) (int, error)
}

// Scheduler periodically runs a Sweeper.
type Scheduler struct {
	interval time.Duration
	idleFor  time.Duration
	sweeper  Sweeper
	logger   *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler runs sweeper every interval. Non-positive durations fall back
// to one minute and thirty minutes.
func NewScheduler(interval, idleFor time.Duration, sweeper Sweeper, logger *zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if idleFor <= 0 {
		idleFor = 30 * time.Minute
	}
	return &Scheduler{
		interval: interval,
		idleFor:  idleFor,
		sweeper:  sweeper,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins the loop in a background goroutine. Calling it twice has no effect.
func (s *Scheduler) Start(parentCtx context.Context) {
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(parentCtx)
	go s.loop()
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.done)
	}()

	s.logger.Info().Dur("interval", s.interval).Dur("idle_for", s.idleFor).Msg("sweeper started")
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
	defer cancel()
	n, err := s.sweeper.Sweep(ctx, s.idleFor)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep failed")
		return
	}
	if n > 0 {
		s.logger.Debug().Int("released", n).Msg("sweep done")
	}
}

// Stop cancels the loop and waits for it to finish. It is idempotent.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.ctx = nil
	s.cancel = nil
	s.done = make(chan struct{})
	s.logger.Info().Msg("sweeper stopped")
}
