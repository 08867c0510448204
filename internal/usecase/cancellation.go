package usecase

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/example/food-recognition/internal/repository"
)

// CancelRequest asks to cancel jobs, photos and in-flight tasks of one owner.
type CancelRequest struct {
	ClientCancelID string
	OwnerID        string
	JobID          string
	PhotoIDs       []string
	Tasks          []TaskHandle
	Reason         string
}

// CancelResult is returned for every cancel request, including repeats of an
// already recorded one.
type CancelResult struct {
	Received           bool   `json:"received"`
	CancelledTaskCount int    `json:"cancelled_task_count"`
	UpdatedRecordCount int    `json:"updated_record_count"`
	Noop               bool   `json:"noop"`
	Message            string `json:"message"`
}

// CancellationService records idempotent cancel events and moves in-flight
// records to CANCELLED.
type CancellationService struct {
	events   CancelStore
	registry CancellationRegistry
	logger   *zap.Logger
}

// NewCancellationService wires the cancellation use case.
func NewCancellationService(events CancelStore, reg CancellationRegistry, logger *zap.Logger) *CancellationService {
	return &CancellationService{events: events, registry: reg, logger: logger.Named("cancellation_service")}
}

// Cancel applies req at most once per ClientCancelID. Repeats, including a
// concurrent repeat that lost the insert race, get the first outcome back.
func (s *CancellationService) Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	req.ClientCancelID = strings.TrimSpace(req.ClientCancelID)
	if req.ClientCancelID == "" {
		return nil, ErrMissingCancelID
	}
	opLogger := s.logger.With(
		zap.String("operation", "usecase.cancel"),
		zap.String("client_cancel_id", req.ClientCancelID),
		zap.String("owner_id", req.OwnerID),
	)

	existing, err := s.events.FindEvent(ctx, req.ClientCancelID)
	if err == nil {
		opLogger.Info("cancel request already recorded, returning stored outcome")
		return resultFromEvent(existing), nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	jobIDs := nonEmpty([]string{req.JobID})
	taskIDs := make([]string, 0, len(req.Tasks))
	for _, task := range req.Tasks {
		taskIDs = append(taskIDs, task.ID())
	}

	// Task ids are job ids. Only the requester's unfinished jobs may be
	// flagged or revoked.
	owned, err := s.events.OwnedActiveJobIDs(ctx, req.OwnerID, nonEmpty(append(append([]string{}, jobIDs...), taskIDs...)))
	if err != nil {
		return nil, err
	}
	ownedSet := make(map[string]struct{}, len(owned))
	for _, id := range owned {
		ownedSet[id] = struct{}{}
	}

	// Flag before touching rows so a worker between its pre-commit check and
	// its commit is caught by one or the other.
	flagged := make(map[string]struct{})
	s.flag(ctx, owned, req.OwnerID, flagged, opLogger)

	revoked := 0
	for _, task := range req.Tasks {
		if _, ok := ownedSet[task.ID()]; !ok {
			opLogger.Warn("skipping task outside the requester's active jobs", zap.String("task_id", task.ID()))
			continue
		}
		delete(ownedSet, task.ID())
		if err := task.Cancel(ctx); err != nil {
			opLogger.Warn("failed to revoke task", zap.String("task_id", task.ID()), zap.Error(err))
			continue
		}
		revoked++
	}

	applied, err := s.events.ApplyCancel(ctx, repository.CancelRequest{
		ClientCancelID:     req.ClientCancelID,
		OwnerID:            req.OwnerID,
		JobIDs:             jobIDs,
		PhotoIDs:           nonEmpty(req.PhotoIDs),
		TaskIDs:            taskIDs,
		Reason:             req.Reason,
		CancelledTaskCount: revoked,
	})
	if errors.Is(err, repository.ErrDuplicateEvent) {
		winner, findErr := s.events.FindEvent(ctx, req.ClientCancelID)
		if findErr != nil {
			return nil, findErr
		}
		opLogger.Info("lost cancel event race, returning winner's outcome")
		return resultFromEvent(winner), nil
	}
	if err != nil {
		return nil, err
	}

	for _, id := range applied.MissingJobIDs {
		opLogger.Warn("cancel target job not found", zap.String("job_id", id))
	}
	for _, id := range applied.MissingPhotoIDs {
		opLogger.Warn("cancel target photo not found", zap.String("photo_id", id))
	}
	s.flag(ctx, applied.CancelledJobIDs, req.OwnerID, flagged, opLogger)

	event := applied.Event
	opLogger.Info("cancel request recorded",
		zap.Int("cancelled_task_count", event.CancelledTaskCount),
		zap.Int("updated_record_count", event.UpdatedRecordCount),
		zap.Bool("noop", event.Noop),
	)
	return resultFromEvent(event), nil
}

func (s *CancellationService) flag(ctx context.Context, jobIDs []string, ownerID string, done map[string]struct{}, logger *zap.Logger) {
	for _, id := range jobIDs {
		if _, ok := done[id]; ok {
			continue
		}
		done[id] = struct{}{}
		if err := s.registry.MarkCancelled(ctx, id, ownerID); err != nil {
			logger.Warn("failed to flag job in cancellation registry", zap.String("job_id", id), zap.Error(err))
		}
	}
}

func resultFromEvent(event *repository.CancelEvent) *CancelResult {
	message := "Cancellation accepted."
	if event.Noop {
		message = "Nothing to cancel."
	}
	return &CancelResult{
		Received:           true,
		CancelledTaskCount: event.CancelledTaskCount,
		UpdatedRecordCount: event.UpdatedRecordCount,
		Noop:               event.Noop,
		Message:            message,
	}
}

func nonEmpty(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
