package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrDuplicateEvent is returned when another request already recorded a
// cancel event under the same client id.
var ErrDuplicateEvent = errors.New("cancel event already exists")

const uniqueViolation = "23505"

// CancelRequest is the persisted side of one cancel call.
type CancelRequest struct {
	ClientCancelID     string
	OwnerID            string
	JobIDs             []string
	PhotoIDs           []string
	TaskIDs            []string
	Reason             string
	CancelledTaskCount int
}

// CancelResult is what ApplyCancel changed.
type CancelResult struct {
	Event           *CancelEvent
	CancelledJobIDs []string
	MissingJobIDs   []string
	MissingPhotoIDs []string
}

// CancelRepository applies cancellations and records their audit events.
type CancelRepository struct {
	db    *gorm.DB
	retry retryPolicy
	now   func() time.Time
}

// NewCancelRepository creates a new repository instance.
func NewCancelRepository(db *gorm.DB, logger *zap.Logger) *CancelRepository {
	return &CancelRepository{
		db:    db,
		retry: defaultRetryPolicy(logger.Named("cancel_repository")),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// FindEvent loads the event recorded under clientCancelID.
func (r *CancelRepository) FindEvent(ctx context.Context, clientCancelID string) (*CancelEvent, error) {
	var event CancelEvent
	err := r.retry.executeWithRetry(ctx, "repository.find_cancel_event", "", func() error {
		err := r.db.WithContext(ctx).First(&event, "client_cancel_id = ?", clientCancelID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// OwnedActiveJobIDs narrows ids to jobs that belong to ownerID and are not
// terminal yet, keeping the caller's order.
func (r *CancelRepository) OwnedActiveJobIDs(ctx context.Context, ownerID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []string
	err := r.retry.executeWithRetry(ctx, "repository.owned_active_jobs", "", func() error {
		found = nil
		return r.db.WithContext(ctx).Model(&Job{}).
			Where("owner_id = ? AND id IN ? AND status IN ?", ownerID, ids, nonTerminalStatuses).
			Pluck("id", &found).Error
	})
	if err != nil {
		return nil, err
	}
	return keepListed(ids, found), nil
}

// ApplyCancel moves the owner's non-terminal targets to CANCELLED and inserts
// the cancel event in the same transaction. Jobs are locked before photos, in
// id order, matching the worker's lock order. If the event insert loses a race
// on ClientCancelID the whole transaction rolls back and ErrDuplicateEvent is
// returned.
func (r *CancelRepository) ApplyCancel(ctx context.Context, req CancelRequest) (*CancelResult, error) {
	var result *CancelResult
	err := r.retry.executeWithRetry(ctx, "repository.apply_cancel", "", func() error {
		result = nil
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res, err := r.applyCancel(tx, req)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *CancelRepository) applyCancel(tx *gorm.DB, req CancelRequest) (*CancelResult, error) {
	now := r.now()

	var jobs []Job
	var photos []Photo
	if len(req.JobIDs) > 0 || len(req.PhotoIDs) > 0 {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("owner_id = ?", req.OwnerID).
			Where(targetCondition(tx, "id", req.JobIDs, "photo_id", req.PhotoIDs)).
			Order("id").
			Find(&jobs).Error
		if err != nil {
			return nil, err
		}
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("owner_id = ?", req.OwnerID).
			Where(targetCondition(tx, "job_id", req.JobIDs, "id", req.PhotoIDs)).
			Order("id").
			Find(&photos).Error
		if err != nil {
			return nil, err
		}
	}

	plan := PlanCancel(req, jobs, photos)
	result := &CancelResult{MissingJobIDs: plan.MissingJobIDs, MissingPhotoIDs: plan.MissingPhotoIDs}

	if len(plan.ActiveJobIDs) > 0 {
		err := tx.Model(&Job{}).
			Where("id IN ? AND status IN ?", plan.ActiveJobIDs, nonTerminalStatuses).
			Updates(map[string]any{
				"status":        StatusCancelled,
				"error_code":    "CANCELLED",
				"error_message": "cancelled by user",
				"finished_at":   now,
				"updated_at":    now,
			}).Error
		if err != nil {
			return nil, err
		}
		result.CancelledJobIDs = plan.ActiveJobIDs
	}

	updated := 0
	if len(plan.ActivePhotoIDs) > 0 {
		res := tx.Model(&Photo{}).
			Where("id IN ? AND status IN ?", plan.ActivePhotoIDs, nonTerminalStatuses).
			Updates(map[string]any{"status": StatusCancelled, "updated_at": now})
		if res.Error != nil {
			return nil, res.Error
		}
		updated = int(res.RowsAffected)
	}

	event := NewCancelEvent(req, updated, now)
	if err := tx.Create(event).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEvent
		}
		return nil, err
	}
	result.Event = event
	return result, nil
}

// CancelPlan splits the rows a cancel request matched into those it still
// has to move and the requested ids that matched nothing.
type CancelPlan struct {
	ActiveJobIDs    []string
	ActivePhotoIDs  []string
	MissingJobIDs   []string
	MissingPhotoIDs []string
}

// PlanCancel resolves req against the matched rows. Rows of other owners
// count as missing, terminal rows are left alone, and a row matched twice
// is planned once.
func PlanCancel(req CancelRequest, jobs []Job, photos []Photo) CancelPlan {
	var plan CancelPlan

	foundJobs := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if job.OwnerID != req.OwnerID {
			continue
		}
		if _, seen := foundJobs[job.ID]; seen {
			continue
		}
		foundJobs[job.ID] = struct{}{}
		if !job.Status.Terminal() {
			plan.ActiveJobIDs = append(plan.ActiveJobIDs, job.ID)
		}
	}
	foundPhotos := make(map[string]struct{}, len(photos))
	for _, photo := range photos {
		if photo.OwnerID != req.OwnerID {
			continue
		}
		if _, seen := foundPhotos[photo.ID]; seen {
			continue
		}
		foundPhotos[photo.ID] = struct{}{}
		if !photo.Status.Terminal() {
			plan.ActivePhotoIDs = append(plan.ActivePhotoIDs, photo.ID)
		}
	}
	plan.MissingJobIDs = missing(req.JobIDs, foundJobs)
	plan.MissingPhotoIDs = missing(req.PhotoIDs, foundPhotos)
	return plan
}

// NewCancelEvent builds the audit row for req. updated is the number of photos
// moved to CANCELLED. A request that changed no record and revoked no task is
// a noop.
func NewCancelEvent(req CancelRequest, updated int, now time.Time) *CancelEvent {
	return &CancelEvent{
		ClientCancelID:     req.ClientCancelID,
		OwnerID:            req.OwnerID,
		TargetJobIDs:       jsonList(req.JobIDs),
		TargetPhotoIDs:     jsonList(req.PhotoIDs),
		TaskIDs:            jsonList(req.TaskIDs),
		Reason:             req.Reason,
		CancelledTaskCount: req.CancelledTaskCount,
		UpdatedRecordCount: updated,
		Noop:               updated == 0 && req.CancelledTaskCount == 0,
		CreatedAt:          now,
	}
}

// targetCondition builds "a IN ? OR b IN ?" skipping empty lists.
func targetCondition(tx *gorm.DB, colA string, a []string, colB string, b []string) *gorm.DB {
	cond := tx.Session(&gorm.Session{NewDB: true})
	switch {
	case len(a) > 0 && len(b) > 0:
		return cond.Where(colA+" IN ?", a).Or(colB+" IN ?", b)
	case len(a) > 0:
		return cond.Where(colA+" IN ?", a)
	default:
		return cond.Where(colB+" IN ?", b)
	}
}

func missing(ids []string, found map[string]struct{}) []string {
	var out []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// keepListed returns the ids present in found, once each, in the order of ids.
func keepListed(ids, found []string) []string {
	present := make(map[string]struct{}, len(found))
	for _, id := range found {
		present[id] = struct{}{}
	}
	var out []string
	for _, id := range ids {
		if _, ok := present[id]; ok {
			out = append(out, id)
			delete(present, id)
		}
	}
	return out
}

func jsonList(ids []string) datatypes.JSON {
	if ids == nil {
		ids = []string{}
	}
	raw, _ := json.Marshal(ids)
	return datatypes.JSON(raw)
}

// DecodeIDs reads a list column written by jsonList.
func DecodeIDs(raw datatypes.JSON) []string {
	var ids []string
	if len(raw) == 0 {
		return ids
	}
	_ = json.Unmarshal(raw, &ids)
	return ids
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
