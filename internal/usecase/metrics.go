package usecase

import (
	"context"

	"github.com/example/food-recognition/internal/repository"
)

// MetricsSummary represents aggregated recognition insights for one owner.
type MetricsSummary struct {
	TotalJobs      int64   `json:"total_jobs"`
	PendingJobs    int64   `json:"pending_jobs"`
	ProcessingJobs int64   `json:"processing_jobs"`
	SuccessfulJobs int64   `json:"successful_jobs"`
	FailedJobs     int64   `json:"failed_jobs"`
	CancelledJobs  int64   `json:"cancelled_jobs"`
	SuccessRate    float64 `json:"success_rate"`
}

// GetMetricsSummary aggregates the owner's jobs by status. The success rate is
// taken over finished jobs only.
func (uc *Intake) GetMetricsSummary(ctx context.Context, ownerID string) (*MetricsSummary, error) {
	counts, err := uc.jobs.CountByStatus(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{}
	for _, c := range counts {
		summary.TotalJobs += c.Count
		switch c.Status {
		case repository.StatusPending:
			summary.PendingJobs = c.Count
		case repository.StatusProcessing:
			summary.ProcessingJobs = c.Count
		case repository.StatusSuccess:
			summary.SuccessfulJobs = c.Count
		case repository.StatusFailed:
			summary.FailedJobs = c.Count
		case repository.StatusCancelled:
			summary.CancelledJobs = c.Count
		}
	}

	if finished := summary.SuccessfulJobs + summary.FailedJobs + summary.CancelledJobs; finished > 0 {
		summary.SuccessRate = float64(summary.SuccessfulJobs) / float64(finished)
	}

	return summary, nil
}
