package usecase

import (
	"context"

	"gorm.io/datatypes"

	"github.com/example/food-recognition/internal/imageprocessor"
	"github.com/example/food-recognition/internal/recognition"
	"github.com/example/food-recognition/internal/repository"
)

// JobStore defines the persistence operations the intake and pipeline need.
type JobStore interface {
	CreateJob(ctx context.Context, job *repository.Job, photo *repository.Photo) error
	GetJob(ctx context.Context, jobID string) (*repository.Job, error)
	MarkProcessing(ctx context.Context, jobID string) (*repository.Job, error)
	RecordAttempt(ctx context.Context, jobID string, normalized bool) error
	CreateDraftMeal(ctx context.Context, job *repository.Job, mealID string) (*repository.Meal, error)
	DeleteDraftMeal(ctx context.Context, mealID string) error
	CommitSuccess(ctx context.Context, jobID string, in repository.SuccessCommit) error
	Finalize(ctx context.Context, jobID string, status repository.Status, code, message string, meta datatypes.JSON) error
	IncrementUsage(ctx context.Context, ownerID string) error
	CountByStatus(ctx context.Context, ownerID string) ([]repository.StatusCount, error)
}

// CancelStore records cancel events and applies their status changes.
type CancelStore interface {
	FindEvent(ctx context.Context, clientCancelID string) (*repository.CancelEvent, error)
	OwnedActiveJobIDs(ctx context.Context, ownerID string, ids []string) ([]string, error)
	ApplyCancel(ctx context.Context, req repository.CancelRequest) (*repository.CancelResult, error)
}

// CancellationRegistry is the shared job-id to cancelling-owner lookup.
type CancellationRegistry interface {
	MarkCancelled(ctx context.Context, jobID, ownerID string) error
	IsCancelled(ctx context.Context, jobID, ownerID string) (bool, error)
}

// Normalizer brings an upload into the recognition SLA.
type Normalizer interface {
	Normalize(ctx context.Context, data []byte, declaredContentType string) (imageprocessor.NormalizedImage, imageprocessor.Action, imageprocessor.Reason)
}

// Recognizer performs the remote recognition call.
type Recognizer interface {
	Recognize(ctx context.Context, req recognition.Request) (*recognition.Outcome, error)
}

// TaskHandle is the capability to abort one in-flight task.
type TaskHandle interface {
	ID() string
	Cancel(ctx context.Context) error
}
