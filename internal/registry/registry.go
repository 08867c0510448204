// Package registry holds the short-lived job-id to cancelling-owner lookup that
// workers consult right before committing a result.
package registry

import (
	"context"
	"fmt"
	"time"
)

const keyPrefix = "recognition:cancel:"

// DefaultTTL bounds how long a cancellation flag stays visible.
const DefaultTTL = 10 * time.Minute

// Registry is shared by the cancellation service (writer) and every worker (reader).
type Registry struct {
	cache Cache
	ttl   time.Duration
}

// New constructs a Registry. A non-positive ttl uses DefaultTTL.
func New(cache Cache, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{cache: cache, ttl: ttl}
}

// MarkCancelled records that ownerID cancelled jobID. The first flag on a job
// sticks until it expires.
func (r *Registry) MarkCancelled(ctx context.Context, jobID, ownerID string) error {
	if _, err := r.cache.SetNX(ctx, key(jobID), ownerID, r.ttl); err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	return nil
}

// IsCancelled reports whether jobID carries a cancellation from ownerID. An
// empty ownerID matches any cancelling owner.
func (r *Registry) IsCancelled(ctx context.Context, jobID, ownerID string) (bool, error) {
	owner, err := r.cache.Get(ctx, key(jobID))
	if IsMiss(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cancellation: %w", err)
	}
	return ownerID == "" || owner == ownerID, nil
}

func key(jobID string) string {
	return keyPrefix + jobID
}
