package consensus

import (
	"context"
	"log/slog"
	"time"
)

// Runner is one evaluation pass.
type Runner interface {
	EvaluateDueProposals(ctx context.Context) (*RunReport, error)
}

// Task is periodic maintenance run alongside evaluation, such as archival.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs evaluation immediately and then once per interval, plus any
// maintenance tasks on their own intervals, until its context ends.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	tasks    []Task
	logger   *slog.Logger
}

// NewScheduler returns a scheduler. A nil logger uses slog.Default().
func NewScheduler(runner Runner, interval time.Duration, logger *slog.Logger, tasks ...Task) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		tasks:    tasks,
		logger:   logger.With("component", "consensus_scheduler"),
	}
}

// Run blocks until ctx is done. Run errors are logged and the loop goes on.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "consensus scheduler started", "interval", s.interval, "tasks", len(s.tasks))
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for _, t := range s.tasks {
		go s.loop(ctx, t)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "consensus scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.runner.EvaluateDueProposals(ctx); err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "evaluation run failed", "error", err)
	}
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "maintenance task failed", "task", t.Name, "error", err)
			}
		}
	}
}
