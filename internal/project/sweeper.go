package project

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically fails projects that have stayed in processing longer
// than staleAge.
type Sweeper struct {
	service   *Service
	logger    *slog.Logger
	interval  time.Duration
	staleAge  time.Duration
	running   atomic.Bool
	paused    atomic.Bool
	lastSwept atomic.Int64
}

func NewSweeper(service *Service, interval, staleAge time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		logger:   logger,
		interval: interval,
		staleAge: staleAge,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}

	s.logger.Info("stale project sweeper started", "interval", s.interval.String(), "stale_after", s.staleAge.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stale project sweeper stopping")
			s.running.Store(false)
			return
		case <-ticker.C:
			if !s.paused.Load() {
				s.SweepOnce(ctx)
			}
		}
	}
}

// SweepOnce runs a single pass and returns the number of failed projects.
func (s *Sweeper) SweepOnce(ctx context.Context) int64 {
	n, err := s.service.FailStaleProcessing(ctx, s.staleAge)
	if err != nil {
		s.logger.Error("failed to sweep stale projects", "error", err)
		return 0
	}
	s.lastSwept.Store(time.Now().Unix())
	if n > 0 {
		s.logger.Warn("failed stale processing projects", "count", n)
	}
	return n
}

func (s *Sweeper) Pause() {
	s.paused.Store(true)
	s.logger.Info("stale project sweeper paused")
}

func (s *Sweeper) Resume() {
	s.paused.Store(false)
	s.logger.Info("stale project sweeper resumed")
}

func (s *Sweeper) IsPaused() bool {
	return s.paused.Load()
}

func (s *Sweeper) IsRunning() bool {
	return s.running.Load()
}

// LastSweep returns when the last successful pass finished, or the zero time.
func (s *Sweeper) LastSweep() time.Time {
	unix := s.lastSwept.Load()
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}
