package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/curalog/vocalis/internal/store"
)

// Sweeper recovers orphaned jobs on a fixed cadence, independently of
// worker load:
//
//   - expired queue claims are reaped; ids past their delivery budget are
//     failed as INTERNAL
//   - PENDING jobs older than pendingAge with no queue entry are
//     re-enqueued (their queue entry was lost)
//   - PROCESSING jobs older than stuckAge are failed as STUCK
type Sweeper struct {
	jobs  JobStore
	queue JobQueue

	interval   time.Duration
	pendingAge time.Duration
	stuckAge   time.Duration
	logger     *slog.Logger
}

// NewSweeper creates a Sweeper. A nil logger falls back to slog.Default.
func NewSweeper(jobs JobStore, q JobQueue, interval, pendingAge, stuckAge time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		jobs:       jobs,
		queue:      q,
		interval:   interval,
		pendingAge: pendingAge,
		stuckAge:   stuckAge,
		logger:     logger,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass. Exported so tests and operators can trigger it
// directly.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.reapQueue(ctx)
	s.requeueStalePending(ctx)
	s.failStuckProcessing(ctx)
}

func (s *Sweeper) reapQueue(ctx context.Context) {
	requeued, dropped, err := s.queue.Reap(ctx)
	if err != nil {
		s.logger.Error("queue reap failed", "error", err)
		return
	}
	if len(requeued) > 0 {
		s.logger.Info("redelivered expired claims", "jobs", requeued)
	}
	for _, jobID := range dropped {
		failed, err := s.jobs.Fail(ctx, jobID, store.FailInternal)
		if err != nil {
			s.logger.Error("fail dropped job failed", "job_id", jobID, "error", err)
			continue
		}
		s.logger.Warn("job dropped after exhausting deliveries",
			"job_id", jobID, "terminalized", failed)
	}
}

func (s *Sweeper) requeueStalePending(ctx context.Context) {
	stale, err := s.jobs.StalePending(ctx, s.pendingAge)
	if err != nil {
		s.logger.Error("stale pending scan failed", "error", err)
		return
	}
	for _, jobID := range stale {
		queued, err := s.queue.Contains(ctx, jobID)
		if err != nil {
			s.logger.Error("queue lookup failed", "job_id", jobID, "error", err)
			continue
		}
		if queued {
			continue
		}
		if err := s.queue.Enqueue(ctx, jobID); err != nil {
			s.logger.Error("re-enqueue failed", "job_id", jobID, "error", err)
			continue
		}
		s.logger.Info("re-enqueued orphaned pending job", "job_id", jobID)
	}
}

func (s *Sweeper) failStuckProcessing(ctx context.Context) {
	stuck, err := s.jobs.StuckProcessing(ctx, s.stuckAge)
	if err != nil {
		s.logger.Error("stuck processing scan failed", "error", err)
		return
	}
	for _, jobID := range stuck {
		failed, err := s.jobs.Fail(ctx, jobID, store.FailStuck)
		if err != nil {
			s.logger.Error("fail stuck job failed", "job_id", jobID, "error", err)
			continue
		}
		if failed {
			s.logger.Warn("failed stuck job", "job_id", jobID)
		}
		if err := s.queue.Ack(ctx, jobID); err != nil {
			s.logger.Warn("ack of stuck job failed", "job_id", jobID, "error", err)
		}
	}
}
