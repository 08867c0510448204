// Package staging keeps job images between intake and the worker that
// recognizes them. Raw uploads and normalized bytes live under separate keys
// so a retry reuses the normalized bytes instead of re-encoding.
package staging

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key was never stored or has expired.
var ErrNotFound = errors.New("staged object not found")

// Store is a short-lived blob store keyed by job.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// RawKey addresses the upload as received.
func RawKey(jobID string) string { return "raw/" + jobID }

// NormalizedKey addresses the canonical bytes produced by the first attempt.
func NormalizedKey(jobID string) string { return "normalized/" + jobID }

// Purge deletes every staged object of a job. Missing keys are ignored.
func Purge(ctx context.Context, store Store, jobID string) error {
	var errs []error
	for _, key := range []string{RawKey(jobID), NormalizedKey(jobID)} {
		if err := store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
