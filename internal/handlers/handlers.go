package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/example/food-recognition/internal/auth"
	"github.com/example/food-recognition/internal/logging"
	"github.com/example/food-recognition/internal/usecase"
)

// MaxUploadSize caps a single uploaded image.
const MaxUploadSize int64 = 10 << 20

// multipart and base64 framing on top of the image itself.
const bodyOverhead int64 = 1 << 20

// Submitter accepts photos and answers polls.
type Submitter interface {
	Submit(ctx context.Context, req usecase.SubmitRequest) (*usecase.SubmitResult, error)
	Status(ctx context.Context, ownerID, jobID string) (*usecase.JobStatus, error)
	GetMetricsSummary(ctx context.Context, ownerID string) (*usecase.MetricsSummary, error)
}

// Canceller applies cancel requests.
type Canceller interface {
	Cancel(ctx context.Context, req usecase.CancelRequest) (*usecase.CancelResult, error)
}

// TaskResolver turns caller-supplied task ids into revocable handles.
type TaskResolver interface {
	Handles(taskIDs []string) []usecase.TaskHandle
}

// Services are the use cases behind the routes.
type Services struct {
	Intake       Submitter
	Cancellation Canceller
	Tasks        TaskResolver
	Logger       *zap.Logger
}

type api struct {
	svc       Services
	validate  *validatorv10.Validate
	maxUpload int64
	logger    *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Everything below
// /v1 requires authMiddleware.
func RegisterRoutes(router *gin.Engine, svc Services, authMiddleware gin.HandlerFunc) {
	logger := svc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &api{svc: svc, validate: newValidator(), maxUpload: MaxUploadSize, logger: logger.Named("http")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1", authMiddleware)
	v1.POST("/photos", a.submitPhoto)
	v1.GET("/jobs/:id", a.jobStatus)
	v1.POST("/cancel", a.cancel)
	v1.GET("/metrics", a.metrics)
}

func (a *api) submitPhoto(c *gin.Context) {
	ownerID, ok := auth.OwnerID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.maxUpload*4/3+bodyOverhead)

	req := usecase.SubmitRequest{OwnerID: ownerID, TraceID: traceID(c)}
	var date string
	if strings.HasPrefix(c.ContentType(), "application/json") {
		var body submitJSONRequest
		if err := bindAndValidate(c, &body, a.validate); err != nil {
			return
		}
		req.DataURL = body.ImageDataURL
		req.Comment = body.Comment
		req.MealType = body.MealType
		req.Locale = body.Locale
		date = body.Date
	} else {
		file, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": usecase.ErrImageTooLarge.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > a.maxUpload {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": usecase.ErrImageTooLarge.Error()})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		form := submitForm{
			Comment:  c.PostForm("comment"),
			MealType: c.PostForm("meal_type"),
			Date:     c.PostForm("date"),
			Locale:   c.PostForm("locale"),
		}
		if err := validate(c, &form, a.validate); err != nil {
			return
		}
		req.Image = data
		req.ContentType = file.Header.Get("Content-Type")
		req.Comment = form.Comment
		req.MealType = form.MealType
		req.Locale = form.Locale
		date = form.Date
	}

	if date != "" {
		parsed, err := parseMealDate(date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD or RFC 3339"})
			return
		}
		req.MealDate = &parsed
	}

	result, err := a.svc.Intake.Submit(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, "submit", err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (a *api) jobStatus(c *gin.Context) {
	ownerID, ok := auth.OwnerID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	jobID := strings.TrimSpace(c.Param("id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}

	status, err := a.svc.Intake.Status(c.Request.Context(), ownerID, jobID)
	if err != nil {
		a.writeError(c, "status", err)
		return
	}
	if status.Status == usecase.PollUnknown {
		c.JSON(http.StatusNotFound, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (a *api) cancel(c *gin.Context) {
	ownerID, ok := auth.OwnerID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var body cancelRequest
	if err := bindAndValidate(c, &body, a.validate); err != nil {
		return
	}

	var tasks []usecase.TaskHandle
	if a.svc.Tasks != nil && len(body.TaskIDs) > 0 {
		tasks = a.svc.Tasks.Handles(body.TaskIDs)
	}
	result, err := a.svc.Cancellation.Cancel(c.Request.Context(), usecase.CancelRequest{
		ClientCancelID: body.ClientCancelID,
		OwnerID:        ownerID,
		JobID:          body.JobID,
		PhotoIDs:       body.PhotoIDs,
		Tasks:          tasks,
		Reason:         body.Reason,
	})
	if err != nil {
		a.writeError(c, "cancel", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (a *api) metrics(c *gin.Context) {
	ownerID, ok := auth.OwnerID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	summary, err := a.svc.Intake.GetMetricsSummary(c.Request.Context(), ownerID)
	if err != nil {
		a.writeError(c, "metrics", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// writeError maps use case errors to HTTP responses. Unexpected errors are
// logged and reported without detail.
func (a *api) writeError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, usecase.ErrImageTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrUnsupportedImage):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": usecase.ErrUnsupportedImage.Error()})
	case errors.Is(err, usecase.ErrEmptyImage),
		errors.Is(err, usecase.ErrInvalidDataURL),
		errors.Is(err, usecase.ErrMissingCancelID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrEnqueueFailed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": usecase.ErrEnqueueFailed.Error()})
	default:
		a.logger.Error("request failed", append(logging.ErrorFields(err), zap.String("operation", "http."+operation))...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func traceID(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader("X-Request-ID")); id != "" && len(id) <= 128 {
		return id
	}
	return ""
}

func parseMealDate(value string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}
