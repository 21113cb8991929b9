package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type SchedulerOptions struct {
	PayoutSchedule   string
	DispatchSchedule string
	UsageSchedule    string
	JobTimeout       time.Duration
}

// Scheduler runs the periodic pipeline jobs. Jobs of the same kind never overlap.
type Scheduler struct {
	cron    *cron.Cron
	payouts *PayoutAggregator
	links   *LinkService
	opts    SchedulerOptions
	logger  *slog.Logger
}

func NewScheduler(payouts *PayoutAggregator, links *LinkService, opts SchedulerOptions, logger *slog.Logger) *Scheduler {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
		payouts: payouts,
		links:   links,
		opts:    opts,
		logger:  logger,
	}
}

// Register adds every configured job. An empty schedule disables that job.
func (s *Scheduler) Register() error {
	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) error
	}{
		{"payout_cycle", s.opts.PayoutSchedule, s.runPayoutCycle},
		{"payout_dispatch", s.opts.DispatchSchedule, s.runDispatch},
		{"usage_sync", s.opts.UsageSchedule, s.runUsageSync},
	}
	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, s.wrap(job.name, job.run)); err != nil {
			return fmt.Errorf("schedule %s %q: %w", job.name, job.schedule, err)
		}
		s.logger.Info("Scheduled job", "job", job.name, "schedule", job.schedule)
	}
	return nil
}

func (s *Scheduler) wrap(name string, run func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
		defer cancel()
		start := time.Now()
		if err := run(ctx); err != nil {
			s.logger.Error("Scheduled job failed", "job", name, "duration", time.Since(start), "error", err)
			return
		}
		s.logger.Debug("Scheduled job finished", "job", name, "duration", time.Since(start))
	}
}

func (s *Scheduler) runPayoutCycle(ctx context.Context) error {
	if s.payouts == nil {
		return nil
	}
	_, err := s.payouts.RunCycle(ctx)
	return err
}

func (s *Scheduler) runDispatch(ctx context.Context) error {
	if s.payouts == nil {
		return nil
	}
	if _, err := s.payouts.DispatchDue(ctx); err != nil {
		return err
	}
	if n, err := s.payouts.SweepStale(ctx); err != nil {
		return err
	} else if n > 0 {
		s.logger.Warn("Escalated stale payouts", "count", n)
	}
	return nil
}

func (s *Scheduler) runUsageSync(ctx context.Context) error {
	if s.links == nil {
		return nil
	}
	_, err := s.links.SyncUsage(ctx)
	return err
}

// Run blocks until ctx is canceled, then waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("Scheduler stopping")
	<-s.cron.Stop().Done()
}

func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
