package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/example/food-recognition/internal/imageprocessor"
	"github.com/example/food-recognition/internal/logging"
	"github.com/example/food-recognition/internal/queue"
	"github.com/example/food-recognition/internal/recognition"
	"github.com/example/food-recognition/internal/repository"
	"github.com/example/food-recognition/internal/staging"
)

// Pipeline runs one delivery of a recognition job: normalize, call the
// recognition service, adapt, re-check cancellation, persist.
type Pipeline struct {
	jobs       JobStore
	staging    staging.Store
	queue      queue.Queue
	registry   CancellationRegistry
	normalizer Normalizer
	recognizer Recognizer
	policy     RetryPolicy
	rnd        func() float64
	logger     *zap.Logger
}

// NewPipeline wires the job pipeline.
func NewPipeline(jobs JobStore, store staging.Store, q queue.Queue, reg CancellationRegistry, normalizer Normalizer, recognizer Recognizer, policy RetryPolicy, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		jobs:       jobs,
		staging:    store,
		queue:      q,
		registry:   reg,
		normalizer: normalizer,
		recognizer: recognizer,
		policy:     policy,
		logger:     logger.Named("pipeline"),
	}
}

// failure is a terminal outcome decided by a pipeline step.
type failure struct {
	status  repository.Status
	code    string
	message string
	meta    map[string]any
}

// Process handles one delivery. A nil error means the delivery is done with,
// whatever the job's outcome; an error means it should be redelivered.
func (p *Pipeline) Process(ctx context.Context, msg queue.Message) error {
	opLogger := logging.WithJob(p.logger, "pipeline.process", msg.JobID).With(zap.Int("attempt", msg.Attempt))

	job, err := p.jobs.MarkProcessing(ctx, msg.JobID)
	switch {
	case errors.Is(err, repository.ErrTerminal):
		if job != nil {
			opLogger = opLogger.With(zap.String("status", string(job.Status)))
		}
		opLogger.Info("job already finalized, skipping delivery")
		p.purge(ctx, msg.JobID)
		return nil
	case errors.Is(err, repository.ErrNotFound):
		opLogger.Warn("job no longer exists, dropping delivery")
		return nil
	case err != nil:
		return err
	}

	image, fail, err := p.normalized(ctx, job, opLogger)
	if err != nil {
		if ctx.Err() != nil {
			return p.interrupted(ctx, job, msg, opLogger)
		}
		return err
	}
	if fail != nil {
		return p.finalize(ctx, job, *fail, opLogger)
	}
	if err := p.jobs.RecordAttempt(ctx, job.ID, true); err != nil {
		return err
	}

	mealID := uuid.NewString()
	if _, err := p.jobs.CreateDraftMeal(ctx, job, mealID); err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			p.discardDraft(ctx, job.ID, mealID)
		}
	}()

	outcome, err := p.recognizer.Recognize(ctx, recognition.Request{
		Image:       image.Bytes,
		ContentType: image.MimeType,
		Comment:     job.Comment,
		Locale:      job.Locale,
		TraceID:     job.TraceID,
	})
	if err != nil {
		if ctx.Err() != nil {
			return p.interrupted(ctx, job, msg, opLogger)
		}
		return p.remoteFailure(ctx, job, msg, err, opLogger)
	}

	if !outcome.OK {
		code, message, _ := recognition.ErrorCode(outcome.Payload)
		if code == "" {
			code = CodeRemoteUnspecified
		}
		return p.finalize(ctx, job, failure{
			status:  repository.StatusFailed,
			code:    code,
			message: message,
			meta:    map[string]any{"status_code": outcome.StatusCode},
		}, opLogger)
	}

	result := recognition.Adapt(outcome.Payload)
	if len(result.Items) == 0 {
		return p.finalize(ctx, job, failure{
			status:  repository.StatusFailed,
			code:    CodeEmptyResult,
			message: "recognition returned no items",
		}, opLogger)
	}

	cancelled, err := p.registry.IsCancelled(ctx, job.ID, job.OwnerID)
	if err != nil {
		// The row lock in CommitSuccess still orders us against a cancel.
		opLogger.Warn("failed to read cancellation registry", zap.Error(err))
	}
	if cancelled {
		opLogger.Info("job cancelled before commit, discarding result")
		return p.finalize(ctx, job, cancelledFailure(), opLogger)
	}

	commit, err := successCommit(mealID, result)
	if err != nil {
		return p.finalize(ctx, job, failure{status: repository.StatusFailed, code: CodeInternal, message: err.Error()}, opLogger)
	}
	err = p.jobs.CommitSuccess(ctx, job.ID, commit)
	if errors.Is(err, repository.ErrTerminal) {
		opLogger.Info("job finalized concurrently, discarding result")
		p.purge(ctx, job.ID)
		return nil
	}
	if err != nil {
		return err
	}
	committed = true

	if err := p.jobs.IncrementUsage(ctx, job.OwnerID); err != nil {
		opLogger.Error("failed to increment usage", zap.String("owner_id", job.OwnerID), zap.Error(err))
	}
	p.purge(ctx, job.ID)
	opLogger.Info("job succeeded", zap.String("meal_id", mealID), zap.Int("items", len(result.Items)))
	return nil
}

// normalized returns the job's SLA-compliant bytes. The first attempt
// normalizes the staged upload and stages the output; later attempts reuse it.
func (p *Pipeline) normalized(ctx context.Context, job *repository.Job, logger *zap.Logger) (imageprocessor.NormalizedImage, *failure, error) {
	if job.Normalized {
		data, err := p.staging.Get(ctx, staging.NormalizedKey(job.ID))
		if errors.Is(err, staging.ErrNotFound) {
			return imageprocessor.NormalizedImage{}, &failure{
				status:  repository.StatusFailed,
				code:    CodeInternal,
				message: "normalized image expired before retry",
			}, nil
		}
		if err != nil {
			return imageprocessor.NormalizedImage{}, nil, err
		}
		return imageprocessor.NormalizedImage{Bytes: data, MimeType: imageprocessor.CanonicalMimeType}, nil, nil
	}

	raw, err := p.staging.Get(ctx, staging.RawKey(job.ID))
	if errors.Is(err, staging.ErrNotFound) {
		return imageprocessor.NormalizedImage{}, &failure{
			status:  repository.StatusFailed,
			code:    CodeInternal,
			message: "staged upload expired before processing",
		}, nil
	}
	if err != nil {
		return imageprocessor.NormalizedImage{}, nil, err
	}

	image, action, reason := p.normalizer.Normalize(ctx, raw, job.ContentType)
	if action == imageprocessor.ActionReject {
		// A budget cut short by the job context says nothing about the image.
		if ctx.Err() != nil {
			return imageprocessor.NormalizedImage{}, nil, fmt.Errorf("normalization interrupted: %w", context.Cause(ctx))
		}
		logger.Warn("normalization rejected image", zap.String("reason", string(reason)))
		return imageprocessor.NormalizedImage{}, &failure{
			status:  repository.StatusFailed,
			code:    CodeNormalizationFailed,
			message: string(reason),
			meta:    map[string]any{"normalization_reason": string(reason)},
		}, nil
	}
	logger.Debug("image normalized",
		zap.String("reason", string(reason)),
		zap.Int("width", image.Width),
		zap.Int("height", image.Height),
		zap.Int("bytes", len(image.Bytes)),
	)

	if err := p.staging.Put(ctx, staging.NormalizedKey(job.ID), image.Bytes, image.MimeType); err != nil {
		return imageprocessor.NormalizedImage{}, nil, err
	}
	return image, nil, nil
}

func (p *Pipeline) remoteFailure(ctx context.Context, job *repository.Job, msg queue.Message, err error, logger *zap.Logger) error {
	kind, ok := recognition.KindOf(err)
	if !ok {
		kind = recognition.KindServer
	}
	if recognition.Retryable(kind) {
		return p.retry(ctx, job, msg, kind, err, logger)
	}

	code := CodeValidationError
	if kind == recognition.KindAuthentication {
		code = CodeAuthError
		logger.Error("recognition service rejected credentials", zap.Error(err))
	}
	return p.finalize(ctx, job, failure{
		status:  repository.StatusFailed,
		code:    code,
		message: err.Error(),
		meta:    map[string]any{"kind": kind.String()},
	}, logger)
}

// retry re-enqueues the job with backoff, or fails it once the budget is spent.
func (p *Pipeline) retry(ctx context.Context, job *repository.Job, msg queue.Message, kind recognition.Kind, cause error, logger *zap.Logger) error {
	next := msg.Attempt + 1
	if !p.policy.ShouldRetry(kind, next) {
		code := CodeUpstreamUnavailable
		if kind == recognition.KindTimeout {
			code = CodeTimeout
		}
		logger.Warn("retry budget exhausted", zap.Error(cause))
		return p.finalize(ctx, job, failure{
			status:  repository.StatusFailed,
			code:    code,
			message: cause.Error(),
			meta:    map[string]any{"kind": kind.String(), "attempts": next},
		}, logger)
	}

	delay := p.policy.Backoff(next, p.rnd)
	enqueueCtx, cancel := detached(ctx)
	defer cancel()
	err := p.queue.Enqueue(enqueueCtx, queue.Message{JobID: job.ID, Attempt: next, TraceID: job.TraceID}, delay)
	if err != nil {
		logger.Error("failed to schedule retry", zap.Error(err))
		return p.finalize(ctx, job, failure{status: repository.StatusFailed, code: CodeEnqueueFailed, message: err.Error()}, logger)
	}
	logger.Warn("retryable recognition failure, rescheduled",
		zap.Error(cause),
		zap.String("kind", kind.String()),
		zap.Duration("delay", delay),
	)
	return nil
}

// interrupted handles a step aborted by the job context. A revoked task ends
// CANCELLED when the registry confirms it. A job timeout is retried like any
// other timeout; anything else (shutdown) is redelivered as is.
func (p *Pipeline) interrupted(ctx context.Context, job *repository.Job, msg queue.Message, logger *zap.Logger) error {
	cause := context.Cause(ctx)
	checkCtx, cancel := detached(ctx)
	defer cancel()

	cancelled, err := p.registry.IsCancelled(checkCtx, job.ID, job.OwnerID)
	if err != nil {
		logger.Warn("failed to read cancellation registry", zap.Error(err))
	}
	switch {
	case cancelled:
		logger.Info("job aborted by cancellation")
		return p.finalize(ctx, job, cancelledFailure(), logger)
	case errors.Is(cause, context.DeadlineExceeded):
		return p.retry(ctx, job, msg, recognition.KindTimeout, cause, logger)
	default:
		logger.Info("job interrupted, redelivering", zap.Error(cause))
		if err := p.queue.Enqueue(checkCtx, msg, 0); err != nil {
			return fmt.Errorf("redeliver interrupted job: %w", err)
		}
		return nil
	}
}

// finalize writes a FAILED or CANCELLED outcome. Losing to another terminal
// write is not an error.
func (p *Pipeline) finalize(ctx context.Context, job *repository.Job, f failure, logger *zap.Logger) error {
	writeCtx, cancel := detached(ctx)
	defer cancel()

	var meta datatypes.JSON
	if len(f.meta) > 0 {
		if raw, err := json.Marshal(f.meta); err == nil {
			meta = raw
		}
	}
	err := p.jobs.Finalize(writeCtx, job.ID, f.status, f.code, f.message, meta)
	if errors.Is(err, repository.ErrTerminal) {
		logger.Info("job finalized concurrently", zap.String("wanted", string(f.status)))
		err = nil
	}
	if err != nil {
		return err
	}
	logger.Info("job finalized", zap.String("status", string(f.status)), zap.String("error_code", f.code))
	p.purge(writeCtx, job.ID)
	return nil
}

func (p *Pipeline) discardDraft(ctx context.Context, jobID, mealID string) {
	cleanupCtx, cancel := detached(ctx)
	defer cancel()
	if err := p.jobs.DeleteDraftMeal(cleanupCtx, mealID); err != nil {
		logging.WithJob(p.logger, "pipeline.discard_draft", jobID).Error("failed to delete draft meal", zap.String("meal_id", mealID), zap.Error(err))
	}
}

func (p *Pipeline) purge(ctx context.Context, jobID string) {
	cleanupCtx, cancel := detached(ctx)
	defer cancel()
	if err := staging.Purge(cleanupCtx, p.staging, jobID); err != nil {
		logging.WithJob(p.logger, "pipeline.purge_staging", jobID).Warn("failed to purge staged images", zap.Error(err))
	}
}

func cancelledFailure() failure {
	return failure{status: repository.StatusCancelled, code: CodeCancelled, message: "cancelled by user"}
}

func successCommit(mealID string, result recognition.Result) (repository.SuccessCommit, error) {
	items := make([]repository.MealItem, 0, len(result.Items))
	for _, it := range result.Items {
		items = append(items, repository.MealItem{
			Name:     it.Name,
			Grams:    it.Grams,
			Calories: it.Calories,
			Protein:  it.Protein,
			Fat:      it.Fat,
			Carbs:    it.Carbs,
		})
	}
	rawResult, err := json.Marshal(result)
	if err != nil {
		return repository.SuccessCommit{}, err
	}
	rawMeta, err := json.Marshal(result.Meta)
	if err != nil {
		return repository.SuccessCommit{}, err
	}
	return repository.SuccessCommit{
		MealID: mealID,
		Items:  items,
		Grams:  result.Totals.Grams,
		Kcal:   result.Totals.Calories,
		Prot:   result.Totals.Protein,
		Fat:    result.Totals.Fat,
		Carbs:  result.Totals.Carbs,
		Result: rawResult,
		Meta:   rawMeta,
	}, nil
}
