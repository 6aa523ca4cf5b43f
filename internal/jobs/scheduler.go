// Package jobs runs the engine's scheduled background work (cron).
package jobs

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/emx/market-engine/internal/engine"
)

// Scheduler drives the periodic operations. Currently a single entry:
// the daily role cost debit.
type Scheduler struct {
	cron   *cron.Cron
	engine *engine.Service
}

// NewScheduler creates a scheduler on UTC.
func NewScheduler(svc *engine.Service) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		engine: svc,
	}
}

// Start registers the cron entries and starts the scheduler.
// spec is a standard 5-field cron expression.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		debited, err := s.engine.TriggerDailyCost(ctx)
		if err != nil {
			slog.Error("daily cost run failed", "err", err)
			return
		}
		slog.Info("daily cost run complete", "debited", debited)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	slog.Info("scheduler started", "daily_cost_cron", spec)
	return nil
}

// Stop halts the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("scheduler stopped")
}
