package usecase

import (
	"errors"

	"github.com/example/food-recognition/internal/imageprocessor"
)

// Intake rejections. Nothing is created or enqueued when these are returned.
var (
	ErrImageTooLarge    = errors.New("image exceeds the upload size limit")
	ErrUnsupportedImage = imageprocessor.ErrUnsupportedImage
	ErrEmptyImage       = errors.New("image is empty")
	ErrInvalidDataURL   = errors.New("invalid image data URL")
	ErrEnqueueFailed    = errors.New("job could not be scheduled")
)

// ErrMissingCancelID is returned when a cancel request carries no idempotency key.
var ErrMissingCancelID = errors.New("client_cancel_id is required")

// ErrRevoked is the cancellation cause a worker sees when its task was revoked.
var ErrRevoked = errors.New("task revoked")

// Failure codes stored on FAILED and CANCELLED jobs. Structured codes reported
// by the recognition service are stored verbatim alongside these.
const (
	CodeNormalizationFailed = "NORMALIZATION_FAILED"
	CodeAuthError           = "AUTH_ERROR"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeTimeout             = "TIMEOUT"
	CodeEmptyResult         = "EMPTY_RESULT"
	CodeCancelled           = "CANCELLED"
	CodeEnqueueFailed       = "ENQUEUE_FAILED"
	CodeInternal            = "INTERNAL"
	CodeRemoteUnspecified   = "RECOGNITION_FAILED"
)

var safeMessages = map[string]string{
	CodeNormalizationFailed: "We could not process this photo. Please try another one.",
	CodeAuthError:           "Recognition is temporarily unavailable.",
	CodeValidationError:     "The recognition service could not accept this photo.",
	CodeUpstreamUnavailable: "Recognition is temporarily unavailable. Please try again later.",
	CodeTimeout:             "Recognition took too long. Please try again later.",
	CodeEmptyResult:         "No food was recognized in this photo.",
	CodeCancelled:           "Recognition was cancelled.",
	CodeEnqueueFailed:       "We could not start recognition. Please try again.",
	CodeInternal:            "Something went wrong. Please try again.",
}

// SafeMessage maps a failure code to text that can be shown to the caller.
// Codes reported by the recognition service get a generic message.
func SafeMessage(code string) string {
	if msg, ok := safeMessages[code]; ok {
		return msg
	}
	return "We could not recognize food in this photo."
}
