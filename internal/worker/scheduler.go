package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"docqueue/internal/models"
	"docqueue/internal/telemetry"
)

// Queue is the claim surface the scheduler polls.
type Queue interface {
	ClaimNext(ctx context.Context, workerID string) (models.Job, bool, error)
	ReclaimStale(ctx context.Context, threshold time.Duration) ([]models.Job, error)
	QueueStats(ctx context.Context) (models.QueueStats, error)
}

// Runner executes one claimed job.
type Runner interface {
	Execute(ctx context.Context, job models.Job) (Outcome, error)
}

// SchedulerConfig holds the loop timings.
type SchedulerConfig struct {
	WorkerID        string
	Concurrency     int
	PollInterval    time.Duration
	ReclaimInterval time.Duration
	StaleAfter      time.Duration
	// ErrorBackoffInitial and ErrorBackoffMax bound the wait after infrastructure errors.
	ErrorBackoffInitial time.Duration
	ErrorBackoffMax     time.Duration
	Logger              *slog.Logger
}

// Scheduler drives claims and periodic reclamation until its context ends.
type Scheduler struct {
	queue  Queue
	runner Runner
	cfg    SchedulerConfig
	logger *slog.Logger
}

func NewScheduler(q Queue, runner Runner, cfg SchedulerConfig) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 5 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.ErrorBackoffInitial <= 0 {
		cfg.ErrorBackoffInitial = time.Second
	}
	if cfg.ErrorBackoffMax < cfg.ErrorBackoffInitial {
		cfg.ErrorBackoffMax = 30 * cfg.ErrorBackoffInitial
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		queue:  q,
		runner: runner,
		cfg:    cfg,
		logger: cfg.Logger.With("worker_id", cfg.WorkerID),
	}
}

// Run starts Concurrency claim loops and one maintenance loop. It returns nil
// once ctx is cancelled and every loop has finished its current job.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error { return s.claimLoop(gctx, slot) })
	}
	g.Go(func() error { return s.maintenanceLoop(gctx) })

	s.logger.Info("scheduler started",
		"concurrency", s.cfg.Concurrency,
		"poll_interval", s.cfg.PollInterval,
		"reclaim_interval", s.cfg.ReclaimInterval,
		"stale_after", s.cfg.StaleAfter)
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

// RunOnce claims at most one job and executes it. It reports whether a job
// was claimed. Execution is detached from ctx cancellation so a shutdown does
// not abandon a job between extraction and its resolution.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	job, ok, err := s.queue.ClaimNext(ctx, s.cfg.WorkerID)
	if err != nil {
		return false, fmt.Errorf("claim next: %w", err)
	}
	if !ok {
		return false, nil
	}
	telemetry.JobsClaimed.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	s.logger.Debug("job claimed", "job_id", job.ID, "document_id", job.DocumentID, "attempt", job.Attempts)
	if _, err := s.runner.Execute(context.WithoutCancel(ctx), job); err != nil {
		return true, fmt.Errorf("resolve job %s: %w", job.ID, err)
	}
	return true, nil
}

func (s *Scheduler) claimLoop(ctx context.Context, slot int) error {
	log := s.logger.With("slot", slot)
	failures := 0
	for ctx.Err() == nil {
		claimed, err := s.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			wait := backoffWithJitter(s.cfg.ErrorBackoffInitial, s.cfg.ErrorBackoffMax, failures)
			telemetry.SchedulerErrors.Inc()
			log.Error("poll failed", "err", err, "consecutive_failures", failures, "retry_in", wait)
			if !sleepCtx(ctx, wait) {
				return nil
			}
			continue
		}
		failures = 0
		if claimed {
			continue
		}
		if !sleepCtx(ctx, s.cfg.PollInterval) {
			return nil
		}
	}
	return nil
}

func (s *Scheduler) maintenanceLoop(ctx context.Context) error {
	reclaim := time.NewTicker(s.cfg.ReclaimInterval)
	defer reclaim.Stop()
	stats := time.NewTicker(s.cfg.PollInterval)
	defer stats.Stop()

	s.reclaim(ctx)
	s.refreshDepth(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reclaim.C:
			s.reclaim(ctx)
		case <-stats.C:
			s.refreshDepth(ctx)
		}
	}
}

// ReclaimStale returns stale claims to pending once.
func (s *Scheduler) ReclaimStale(ctx context.Context) ([]models.Job, error) {
	jobs, err := s.queue.ReclaimStale(ctx, s.cfg.StaleAfter)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale: %w", err)
	}
	for _, job := range jobs {
		s.logger.Warn("stale job reclaimed", "job_id", job.ID, "document_id", job.DocumentID, "attempt", job.Attempts)
	}
	telemetry.JobsReclaimed.Add(float64(len(jobs)))
	return jobs, nil
}

func (s *Scheduler) reclaim(ctx context.Context) {
	if _, err := s.ReclaimStale(ctx); err != nil && ctx.Err() == nil {
		telemetry.SchedulerErrors.Inc()
		s.logger.Error("reclaim failed", "err", err)
	}
}

func (s *Scheduler) refreshDepth(ctx context.Context) {
	stats, err := s.queue.QueueStats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("queue stats unavailable", "err", err)
		}
		return
	}
	telemetry.SetQueueDepth(stats)
}
