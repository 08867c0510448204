package usecase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/food-recognition/internal/imageprocessor"
	"github.com/example/food-recognition/internal/logging"
	"github.com/example/food-recognition/internal/queue"
	"github.com/example/food-recognition/internal/recognition"
	"github.com/example/food-recognition/internal/registry"
	"github.com/example/food-recognition/internal/repository"
	"github.com/example/food-recognition/internal/staging"
)

const (
	statusCacheTTL    = 5 * time.Minute
	statusCachePrefix = "recognition:status:"
)

// Poll states reported to callers.
const (
	PollProcessing = "processing"
	PollSuccess    = "success"
	PollFailed     = "failed"
	PollUnknown    = "unknown"
)

// SubmitRequest is one photo submission. Exactly one of Image or DataURL is used;
// DataURL wins when both are set.
type SubmitRequest struct {
	OwnerID     string
	Image       []byte
	DataURL     string
	ContentType string
	Comment     string
	MealType    string
	MealDate    *time.Time
	Locale      string
	TraceID     string
}

// SubmitResult acknowledges an accepted submission.
type SubmitResult struct {
	JobID   string            `json:"job_id"`
	PhotoID string            `json:"photo_id"`
	Status  repository.Status `json:"status"`
	TraceID string            `json:"trace_id"`
}

// JobStatus is what a poll returns. Failure detail is limited to a code and a
// user-safe message.
type JobStatus struct {
	JobID     string              `json:"job_id"`
	Status    string              `json:"status"`
	MealID    string              `json:"meal_id,omitempty"`
	Result    *recognition.Result `json:"result,omitempty"`
	ErrorCode string              `json:"error_code,omitempty"`
	Message   string              `json:"message,omitempty"`
}

type cachedStatus struct {
	OwnerID string    `json:"owner_id"`
	Status  JobStatus `json:"status"`
}

// IntakeConfig tunes Intake.
type IntakeConfig struct {
	MaxUploadBytes int64
	DefaultLocale  string
}

// Intake accepts submissions and answers status polls.
type Intake struct {
	jobs    JobStore
	staging staging.Store
	queue   queue.Queue
	cache   registry.Cache
	cfg     IntakeConfig
	retry   cacheRetry
	logger  *zap.Logger
}

// NewIntake constructs the submission use case.
func NewIntake(jobs JobStore, store staging.Store, q queue.Queue, cache registry.Cache, cfg IntakeConfig, logger *zap.Logger) *Intake {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = "en"
	}
	named := logger.Named("intake_usecase")
	return &Intake{
		jobs:    jobs,
		staging: store,
		queue:   q,
		cache:   cache,
		cfg:     cfg,
		retry:   defaultCacheRetry(named),
		logger:  named,
	}
}

// Submit validates the image, records a PENDING job and enqueues it.
func (uc *Intake) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	data, declared := req.Image, req.ContentType
	if req.DataURL != "" {
		var err error
		data, declared, err = decodeDataURL(req.DataURL, uc.cfg.MaxUploadBytes)
		if err != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}
	if int64(len(data)) > uc.cfg.MaxUploadBytes {
		return nil, ErrImageTooLarge
	}
	contentType, err := imageprocessor.VerifyUpload(data, declared)
	if err != nil {
		return nil, err
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	locale := req.Locale
	if locale == "" {
		locale = uc.cfg.DefaultLocale
	}

	jobID := uuid.NewString()
	photoID := uuid.NewString()
	opLogger := logging.WithJob(uc.logger, "usecase.submit", jobID).With(zap.String("trace_id", traceID))

	if err := uc.staging.Put(ctx, staging.RawKey(jobID), data, contentType); err != nil {
		wrapped := logging.NewOperationError("usecase.stage_upload", jobID, 1, err)
		opLogger.Error("failed to stage upload", logging.ErrorFields(wrapped)...)
		return nil, wrapped
	}

	job := &repository.Job{
		ID:          jobID,
		OwnerID:     req.OwnerID,
		PhotoID:     photoID,
		Status:      repository.StatusPending,
		ContentType: contentType,
		Comment:     req.Comment,
		MealType:    req.MealType,
		MealDate:    req.MealDate,
		Locale:      locale,
		TraceID:     traceID,
	}
	photo := &repository.Photo{
		ID:          photoID,
		OwnerID:     req.OwnerID,
		JobID:       jobID,
		Status:      repository.StatusPending,
		ContentType: contentType,
		SizeBytes:   int64(len(data)),
	}
	if err := uc.jobs.CreateJob(ctx, job, photo); err != nil {
		opLogger.Error("failed to create job", zap.Error(err))
		uc.purge(jobID)
		return nil, err
	}

	if err := uc.queue.Enqueue(ctx, queue.Message{JobID: jobID, TraceID: traceID}, 0); err != nil {
		opLogger.Error("failed to enqueue job", zap.Error(err))
		cleanupCtx, cancel := detached(ctx)
		defer cancel()
		if ferr := uc.jobs.Finalize(cleanupCtx, jobID, repository.StatusFailed, CodeEnqueueFailed, err.Error(), nil); ferr != nil {
			opLogger.Error("failed to finalize unscheduled job", zap.Error(ferr))
		}
		uc.purge(jobID)
		return nil, fmt.Errorf("%w: %v", ErrEnqueueFailed, err)
	}

	opLogger.Info("job accepted",
		zap.String("photo_id", photoID),
		zap.String("content_type", contentType),
		zap.Int("size_bytes", len(data)),
	)
	return &SubmitResult{JobID: jobID, PhotoID: photoID, Status: repository.StatusPending, TraceID: traceID}, nil
}

// Status reports a job's state to its owner. Jobs that do not exist or belong
// to someone else are reported as unknown.
func (uc *Intake) Status(ctx context.Context, ownerID, jobID string) (*JobStatus, error) {
	cacheKey := statusCachePrefix + jobID
	opLogger := logging.WithJob(uc.logger, "usecase.status", jobID)

	var raw string
	err := uc.retry.do(ctx, jobID, "cache.get.status", func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		raw = value
		return err
	})
	switch {
	case err == nil:
		var cached cachedStatus
		if err := json.Unmarshal([]byte(raw), &cached); err != nil {
			opLogger.Warn("failed to decode cached status", zap.Error(err))
		} else {
			if cached.OwnerID != ownerID {
				return unknownStatus(jobID), nil
			}
			return &cached.Status, nil
		}
	case !registry.IsMiss(err):
		opLogger.Warn("failed to read status cache", zap.Error(err))
	}

	job, err := uc.jobs.GetJob(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		return unknownStatus(jobID), nil
	}
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return unknownStatus(jobID), nil
	}

	status := statusFromJob(job, opLogger)
	if job.Status.Terminal() {
		serialized, err := json.Marshal(cachedStatus{OwnerID: job.OwnerID, Status: *status})
		if err == nil {
			err = uc.retry.do(ctx, jobID, "cache.set.status", func() error {
				return uc.cache.Set(ctx, cacheKey, string(serialized), statusCacheTTL)
			})
		}
		if err != nil {
			opLogger.Warn("failed to cache status", zap.Error(err))
		}
	}
	return status, nil
}

func (uc *Intake) purge(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := staging.Purge(ctx, uc.staging, jobID); err != nil {
		logging.WithJob(uc.logger, "usecase.purge_staging", jobID).Warn("failed to purge staged images", zap.Error(err))
	}
}

func statusFromJob(job *repository.Job, logger *zap.Logger) *JobStatus {
	status := &JobStatus{JobID: job.ID}
	switch job.Status {
	case repository.StatusPending, repository.StatusProcessing:
		status.Status = PollProcessing
	case repository.StatusSuccess:
		status.Status = PollSuccess
		if job.MealID != nil {
			status.MealID = *job.MealID
		}
		if len(job.Result) > 0 {
			var result recognition.Result
			if err := json.Unmarshal(job.Result, &result); err != nil {
				logger.Warn("failed to decode stored result", zap.Error(err))
			} else {
				status.Result = &result
			}
		}
	case repository.StatusFailed, repository.StatusCancelled:
		status.Status = PollFailed
		status.ErrorCode = job.ErrorCode
		if job.Status == repository.StatusCancelled {
			status.ErrorCode = CodeCancelled
		}
		status.Message = SafeMessage(status.ErrorCode)
	default:
		status.Status = PollUnknown
	}
	return status
}

func unknownStatus(jobID string) *JobStatus {
	return &JobStatus{JobID: jobID, Status: PollUnknown}
}

// decodeDataURL parses "data:<type>;base64,<payload>". The encoded length is
// checked against limit before decoding.
func decodeDataURL(dataURL string, limit int64) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(dataURL), "data:")
	if !ok {
		return nil, "", ErrInvalidDataURL
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", ErrInvalidDataURL
	}
	mediaType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return nil, "", ErrInvalidDataURL
	}
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > limit+2 {
		return nil, "", ErrImageTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		if err != nil {
			return nil, "", ErrInvalidDataURL
		}
	}
	return data, mediaType, nil
}

// detached returns a context that survives ctx's cancellation, for cleanup writes.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
