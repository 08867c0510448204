package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/food-recognition/internal/repository"
	"github.com/example/food-recognition/internal/staging"
	"github.com/example/food-recognition/internal/usecase"
)

const sweepBatch = 100

// StaleJobs is the persistence the sweeper needs.
type StaleJobs interface {
	FailStale(ctx context.Context, cutoff time.Time, code, message string, limit int) ([]repository.Job, error)
	DeleteStaleDrafts(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper fails jobs that outlived their retry envelope, e.g. because their
// queue message was lost, and removes draft meals left behind by crashed workers.
type Sweeper struct {
	jobs     StaleJobs
	staging  staging.Store
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewSweeper creates a sweeper that fails in-flight jobs older than maxAge.
func NewSweeper(jobs StaleJobs, store staging.Store, interval, maxAge time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		jobs:     jobs,
		staging:  store,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger.Named("sweeper"),
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass and returns the number of jobs it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.maxAge).UTC()

	failed := 0
	for {
		jobs, err := s.jobs.FailStale(ctx, cutoff, usecase.CodeTimeout, "no result within the retry window", sweepBatch)
		if err != nil {
			return failed, err
		}
		for _, job := range jobs {
			s.logger.Warn("failed stale job",
				zap.String("job_id", job.ID),
				zap.Int("attempts", job.Attempts),
				zap.Time("created_at", job.CreatedAt),
			)
			if err := staging.Purge(ctx, s.staging, job.ID); err != nil {
				s.logger.Warn("failed to purge staged images", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
		failed += len(jobs)
		if len(jobs) < sweepBatch {
			break
		}
	}

	drafts, err := s.jobs.DeleteStaleDrafts(ctx, cutoff)
	if err != nil {
		return failed, err
	}
	if failed > 0 || drafts > 0 {
		s.logger.Info("sweep complete", zap.Int("failed_jobs", failed), zap.Int64("deleted_drafts", drafts))
	}
	return failed, nil
}
