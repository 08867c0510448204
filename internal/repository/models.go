package repository

import (
	"time"

	"gorm.io/datatypes"
)

// Status is the lifecycle state shared by jobs and photos.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

var nonTerminalStatuses = []Status{StatusPending, StatusProcessing}

// Meal statuses. A draft meal exists only while its job is in flight.
const (
	MealDraft = "draft"
	MealReady = "ready"
)

// Job is one submitted photo's recognition attempt.
type Job struct {
	ID           string         `gorm:"primaryKey;size:36"`
	OwnerID      string         `gorm:"column:owner_id;size:64;index;not null"`
	PhotoID      string         `gorm:"column:photo_id;size:36;index"`
	MealID       *string        `gorm:"column:meal_id;size:36"`
	Status       Status         `gorm:"column:status;size:16;index;not null"`
	ContentType  string         `gorm:"column:content_type;size:64"`
	Comment      string         `gorm:"column:comment;type:text"`
	MealType     string         `gorm:"column:meal_type;size:32"`
	MealDate     *time.Time     `gorm:"column:meal_date;type:date"`
	Locale       string         `gorm:"column:locale;size:16"`
	TraceID      string         `gorm:"column:trace_id;size:64"`
	Attempts     int            `gorm:"column:attempts;not null;default:0"`
	Normalized   bool           `gorm:"column:normalized;not null;default:false"`
	Result       datatypes.JSON `gorm:"column:result;type:jsonb"`
	Meta         datatypes.JSON `gorm:"column:meta;type:jsonb"`
	ErrorCode    string         `gorm:"column:error_code;size:64"`
	ErrorMessage string         `gorm:"column:error_message;type:text"`
	CreatedAt    time.Time      `gorm:"column:created_at;index"`
	UpdatedAt    time.Time      `gorm:"column:updated_at"`
	FinishedAt   *time.Time     `gorm:"column:finished_at"`
}

// TableName overrides the default table name.
func (Job) TableName() string { return "recognition_jobs" }

// Photo is the user-visible record of a submitted image. Its status mirrors its job.
type Photo struct {
	ID          string    `gorm:"primaryKey;size:36"`
	OwnerID     string    `gorm:"column:owner_id;size:64;index;not null"`
	JobID       string    `gorm:"column:job_id;size:36;uniqueIndex"`
	MealID      *string   `gorm:"column:meal_id;size:36"`
	Status      Status    `gorm:"column:status;size:16;index;not null"`
	ContentType string    `gorm:"column:content_type;size:64"`
	SizeBytes   int64     `gorm:"column:size_bytes"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (Photo) TableName() string { return "photos" }

// Meal is the parent record recognized items are attached to.
type Meal struct {
	ID        string     `gorm:"primaryKey;size:36"`
	OwnerID   string     `gorm:"column:owner_id;size:64;index;not null"`
	MealType  string     `gorm:"column:meal_type;size:32"`
	EatenOn   *time.Time `gorm:"column:eaten_on;type:date"`
	Status    string     `gorm:"column:status;size:16;not null"`
	Grams     float64    `gorm:"column:grams"`
	Calories  float64    `gorm:"column:calories"`
	Protein   float64    `gorm:"column:protein"`
	Fat       float64    `gorm:"column:fat"`
	Carbs     float64    `gorm:"column:carbs"`
	Items     []MealItem `gorm:"foreignKey:MealID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time  `gorm:"column:created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (Meal) TableName() string { return "meals" }

// MealItem is one recognized food inside a meal.
type MealItem struct {
	ID       uint    `gorm:"primaryKey"`
	MealID   string  `gorm:"column:meal_id;size:36;index;not null"`
	Position int     `gorm:"column:position"`
	Name     string  `gorm:"column:name;size:255"`
	Grams    float64 `gorm:"column:grams"`
	Calories float64 `gorm:"column:calories"`
	Protein  float64 `gorm:"column:protein"`
	Fat      float64 `gorm:"column:fat"`
	Carbs    float64 `gorm:"column:carbs"`
}

// TableName overrides the default table name.
func (MealItem) TableName() string { return "meal_items" }

// CancelEvent is the append-only audit record of one cancel request.
type CancelEvent struct {
	ID                 uint           `gorm:"primaryKey"`
	ClientCancelID     string         `gorm:"column:client_cancel_id;size:128;uniqueIndex;not null"`
	OwnerID            string         `gorm:"column:owner_id;size:64;index;not null"`
	TargetJobIDs       datatypes.JSON `gorm:"column:target_job_ids;type:jsonb"`
	TargetPhotoIDs     datatypes.JSON `gorm:"column:target_photo_ids;type:jsonb"`
	TaskIDs            datatypes.JSON `gorm:"column:task_ids;type:jsonb"`
	Reason             string         `gorm:"column:reason;type:text"`
	CancelledTaskCount int            `gorm:"column:cancelled_task_count;not null"`
	UpdatedRecordCount int            `gorm:"column:updated_record_count;not null"`
	Noop               bool           `gorm:"column:noop;not null"`
	CreatedAt          time.Time      `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (CancelEvent) TableName() string { return "cancel_events" }

// UsageCounter counts successful recognitions per owner.
type UsageCounter struct {
	OwnerID      string    `gorm:"primaryKey;size:64"`
	Recognitions int64     `gorm:"column:recognitions;not null;default:0"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (UsageCounter) TableName() string { return "usage_counters" }
