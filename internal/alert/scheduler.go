package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const sweepTimeout = 2 * time.Minute

// Scheduler runs Engine.Sweep on a cron schedule. Overlapping sweeps are
// collapsed: if one is still running when the next tick fires, the tick
// is skipped.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	mu     sync.Mutex
}

func NewScheduler(engine *Engine, schedule string) (*Scheduler, error) {
	s := &Scheduler{
		engine: engine,
		cron:   cron.New(),
	}

	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid alert sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("alert scheduler started")
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.mu.Lock()
	s.mu.Unlock()
	slog.Info("alert scheduler stopped")
}

func (s *Scheduler) run() {
	if !s.mu.TryLock() {
		slog.Warn("alert sweep still running, skipping tick")
		return
	}
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	started := time.Now()
	if err := s.engine.Sweep(ctx); err != nil {
		slog.Error("alert sweep failed", "error", err)
		return
	}
	slog.Debug("alert sweep completed", "duration", time.Since(started))
}
