package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTerminal is returned when a transition targets a job that already
	// reached SUCCESS, FAILED or CANCELLED. Callers treat it as a no-op.
	ErrTerminal = errors.New("record already in a terminal state")
)

// JobRepository persists jobs, photos and meals. Every write that can race a
// cancellation locks the job row first.
type JobRepository struct {
	db    *gorm.DB
	retry retryPolicy
	now   func() time.Time
}

// NewJobRepository creates a new repository instance.
func NewJobRepository(db *gorm.DB, logger *zap.Logger) *JobRepository {
	return &JobRepository{
		db:    db,
		retry: defaultRetryPolicy(logger.Named("job_repository")),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// AutoMigrate ensures the schema is available.
func (r *JobRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Job{}, &Photo{}, &Meal{}, &MealItem{}, &CancelEvent{}, &UsageCounter{})
}

// CreateJob inserts a PENDING job together with its photo.
func (r *JobRepository) CreateJob(ctx context.Context, job *Job, photo *Photo) error {
	return r.retry.executeWithRetry(ctx, "repository.create_job", job.ID, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(photo).Error; err != nil {
				return err
			}
			return tx.Create(job).Error
		})
	})
}

// GetJob loads a job by id.
func (r *JobRepository) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := r.retry.executeWithRetry(ctx, "repository.get_job", jobID, func() error {
		err := r.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkProcessing moves a PENDING job to PROCESSING. A job that is already
// PROCESSING (a retry delivery) is returned unchanged; a terminal job yields
// ErrTerminal together with its current state.
func (r *JobRepository) MarkProcessing(ctx context.Context, jobID string) (*Job, error) {
	var job *Job
	err := r.retry.executeWithRetry(ctx, "repository.mark_processing", jobID, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, err := lockJob(tx, jobID)
			if err != nil {
				return err
			}
			job = locked
			if locked.Status.Terminal() {
				return ErrTerminal
			}
			if locked.Status == StatusProcessing {
				return nil
			}
			if err := r.setStatus(tx, locked.ID, StatusProcessing, nil); err != nil {
				return err
			}
			locked.Status = StatusProcessing
			return nil
		})
	})
	return job, err
}

// RecordAttempt bumps the attempt counter of an in-flight job and remembers
// whether its normalized bytes are staged.
func (r *JobRepository) RecordAttempt(ctx context.Context, jobID string, normalized bool) error {
	return r.retry.executeWithRetry(ctx, "repository.record_attempt", jobID, func() error {
		return r.db.WithContext(ctx).Model(&Job{}).
			Where("id = ? AND status IN ?", jobID, nonTerminalStatuses).
			Updates(map[string]any{
				"attempts":   gorm.Expr("attempts + 1"),
				"normalized": normalized,
				"updated_at": r.now(),
			}).Error
	})
}

// CreateDraftMeal creates the empty parent record a job's items will be
// attached to on success.
func (r *JobRepository) CreateDraftMeal(ctx context.Context, job *Job, mealID string) (*Meal, error) {
	meal := &Meal{
		ID:       mealID,
		OwnerID:  job.OwnerID,
		MealType: job.MealType,
		EatenOn:  job.MealDate,
		Status:   MealDraft,
	}
	err := r.retry.executeWithRetry(ctx, "repository.create_draft_meal", job.ID, func() error {
		return r.db.WithContext(ctx).Create(meal).Error
	})
	if err != nil {
		return nil, err
	}
	return meal, nil
}

// DeleteDraftMeal removes a draft meal that never received items. Meals that
// were committed are left alone.
func (r *JobRepository) DeleteDraftMeal(ctx context.Context, mealID string) error {
	return r.retry.executeWithRetry(ctx, "repository.delete_draft_meal", "", func() error {
		return r.db.WithContext(ctx).
			Where("id = ? AND status = ?", mealID, MealDraft).
			Where("NOT EXISTS (SELECT 1 FROM meal_items WHERE meal_items.meal_id = meals.id)").
			Delete(&Meal{}).Error
	})
}

// DeleteStaleDrafts removes item-less draft meals created before cutoff.
func (r *JobRepository) DeleteStaleDrafts(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.retry.executeWithRetry(ctx, "repository.delete_stale_drafts", "", func() error {
		res := r.db.WithContext(ctx).
			Where("status = ? AND created_at < ?", MealDraft, cutoff).
			Where("NOT EXISTS (SELECT 1 FROM meal_items WHERE meal_items.meal_id = meals.id)").
			Delete(&Meal{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

// SuccessCommit is everything persisted when a job succeeds.
type SuccessCommit struct {
	MealID string
	Items  []MealItem
	Grams  float64
	Kcal   float64
	Prot   float64
	Fat    float64
	Carbs  float64
	Result datatypes.JSON
	Meta   datatypes.JSON
}

// CommitSuccess atomically fills the job's meal, replaces its items and moves
// the job and photo to SUCCESS. It returns ErrTerminal without writing anything
// if a cancellation (or anything else) finalized the job first.
func (r *JobRepository) CommitSuccess(ctx context.Context, jobID string, in SuccessCommit) error {
	return r.retry.executeWithRetry(ctx, "repository.commit_success", jobID, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			job, err := lockJob(tx, jobID)
			if err != nil {
				return err
			}
			if job.Status.Terminal() {
				return ErrTerminal
			}

			now := r.now()
			totals := map[string]any{
				"status":     MealReady,
				"grams":      in.Grams,
				"calories":   in.Kcal,
				"protein":    in.Prot,
				"fat":        in.Fat,
				"carbs":      in.Carbs,
				"updated_at": now,
			}
			res := tx.Model(&Meal{}).Where("id = ? AND owner_id = ?", in.MealID, job.OwnerID).Updates(totals)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				meal := &Meal{
					ID:       in.MealID,
					OwnerID:  job.OwnerID,
					MealType: job.MealType,
					EatenOn:  job.MealDate,
					Status:   MealReady,
					Grams:    in.Grams,
					Calories: in.Kcal,
					Protein:  in.Prot,
					Fat:      in.Fat,
					Carbs:    in.Carbs,
				}
				if err := tx.Create(meal).Error; err != nil {
					return err
				}
			}

			if err := tx.Where("meal_id = ?", in.MealID).Delete(&MealItem{}).Error; err != nil {
				return err
			}
			items := make([]MealItem, len(in.Items))
			for i, it := range in.Items {
				it.ID = 0
				it.MealID = in.MealID
				it.Position = i
				items[i] = it
			}
			if len(items) > 0 {
				if err := tx.Create(&items).Error; err != nil {
					return err
				}
			}

			return r.setStatus(tx, job.ID, StatusSuccess, map[string]any{
				"meal_id":       in.MealID,
				"result":        in.Result,
				"meta":          in.Meta,
				"error_code":    "",
				"error_message": "",
				"finished_at":   now,
			})
		})
	})
}

// Finalize moves an in-flight job and its photo to FAILED or CANCELLED.
// ErrTerminal means someone else finalized it first.
func (r *JobRepository) Finalize(ctx context.Context, jobID string, status Status, code, message string, meta datatypes.JSON) error {
	if !status.Terminal() || status == StatusSuccess {
		return errors.New("finalize only accepts FAILED or CANCELLED")
	}
	return r.retry.executeWithRetry(ctx, "repository.finalize", jobID, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			job, err := lockJob(tx, jobID)
			if err != nil {
				return err
			}
			if job.Status.Terminal() {
				return ErrTerminal
			}
			fields := map[string]any{
				"error_code":    code,
				"error_message": message,
				"finished_at":   r.now(),
			}
			if meta != nil {
				fields["meta"] = meta
			}
			return r.setStatus(tx, job.ID, status, fields)
		})
	})
}

// FailStale finalizes as FAILED every in-flight job created before cutoff.
// Rows locked by a worker mid-commit are skipped and picked up next sweep.
func (r *JobRepository) FailStale(ctx context.Context, cutoff time.Time, code, message string, limit int) ([]Job, error) {
	var failed []Job
	err := r.retry.executeWithRetry(ctx, "repository.fail_stale", "", func() error {
		failed = nil
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var stale []Job
			err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("status IN ? AND created_at < ?", nonTerminalStatuses, cutoff).
				Order("created_at").
				Limit(limit).
				Find(&stale).Error
			if err != nil {
				return err
			}
			now := r.now()
			for _, job := range stale {
				if err := r.setStatus(tx, job.ID, StatusFailed, map[string]any{
					"error_code":    code,
					"error_message": message,
					"finished_at":   now,
				}); err != nil {
					return err
				}
				job.Status = StatusFailed
				failed = append(failed, job)
			}
			return nil
		})
	})
	return failed, err
}

// StatusCount is one row of CountByStatus.
type StatusCount struct {
	Status Status
	Count  int64
}

// CountByStatus aggregates an owner's jobs per status.
func (r *JobRepository) CountByStatus(ctx context.Context, ownerID string) ([]StatusCount, error) {
	var rows []StatusCount
	err := r.retry.executeWithRetry(ctx, "repository.count_by_status", "", func() error {
		return r.db.WithContext(ctx).Model(&Job{}).
			Select("status, count(*) AS count").
			Where("owner_id = ?", ownerID).
			Group("status").
			Scan(&rows).Error
	})
	return rows, err
}

// IncrementUsage adds one successful recognition to the owner's counter.
func (r *JobRepository) IncrementUsage(ctx context.Context, ownerID string) error {
	return r.retry.executeWithRetry(ctx, "repository.increment_usage", "", func() error {
		now := r.now()
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "owner_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"recognitions": gorm.Expr("usage_counters.recognitions + 1"),
				"updated_at":   now,
			}),
		}).Create(&UsageCounter{OwnerID: ownerID, Recognitions: 1, UpdatedAt: now}).Error
	})
}

func lockJob(tx *gorm.DB, jobID string) (*Job, error) {
	var job Job
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// setStatus moves a job and its photo together. The caller holds the job lock.
func (r *JobRepository) setStatus(tx *gorm.DB, jobID string, status Status, fields map[string]any) error {
	now := r.now()
	jobUpdates := map[string]any{"status": status, "updated_at": now}
	for k, v := range fields {
		jobUpdates[k] = v
	}
	if err := tx.Model(&Job{}).Where("id = ?", jobID).Updates(jobUpdates).Error; err != nil {
		return err
	}

	photoUpdates := map[string]any{"status": status, "updated_at": now}
	if mealID, ok := fields["meal_id"]; ok {
		photoUpdates["meal_id"] = mealID
	}
	return tx.Model(&Photo{}).Where("job_id = ?", jobID).Updates(photoUpdates).Error
}
