package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const defaultInterval = 15 * time.Minute

// Sweeper frees license seats whose release date has passed. Run ahead of
// the pull so freed seats land in the same cycle.
type Sweeper interface {
	ProcessExpiredUnlinks(ctx context.Context) (int, error)
}

// Scheduler drives periodic sync cycles and accepts out-of-band kicks from
// the realtime listener.
type Scheduler struct {
	engine   *Engine
	sweeper  Sweeper // nil skips the sweep
	interval time.Duration
	logger   *slog.Logger

	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(engine *Engine, sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		engine:   engine,
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
	}
}

// Start launches the sync loop. An immediate first cycle runs before the
// ticker takes over.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.logger.Info("sync scheduler started", "interval", s.interval)
		s.cycle(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cycle(ctx)
			case <-s.kick:
				s.cycle(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the in-flight cycle to return.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("sync scheduler stopped")
}

// Kick requests a cycle outside the regular interval. Coalesces: kicking
// while a kick is already pending is a no-op.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	if s.sweeper != nil {
		if _, err := s.sweeper.ProcessExpiredUnlinks(ctx); err != nil {
			s.logger.Warn("seat release sweep failed", "error", err)
		}
	}
	if _, err := s.engine.RunOnce(ctx); err != nil {
		if errors.Is(err, ErrSyncRunning) || ctx.Err() != nil {
			return
		}
		s.logger.Warn("sync cycle failed", "error", err)
	}
}
