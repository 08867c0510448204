package usecase

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/example/food-recognition/internal/logging"
	"github.com/example/food-recognition/internal/recognition"
)

// RetryPolicy bounds how often a job's remote call is retried.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second}
}

// ShouldRetry decides whether a failure of kind on the given retry number
// (1-based) gets another attempt.
func (p RetryPolicy) ShouldRetry(kind recognition.Kind, retry int) bool {
	return recognition.Retryable(kind) && retry <= p.MaxRetries
}

// Backoff returns the delay before the given retry (1-based): the exponential
// step capped at MaxBackoff, with the upper half jittered by rnd in [0,1).
func (p RetryPolicy) Backoff(retry int, rnd func() float64) time.Duration {
	if retry < 1 {
		retry = 1
	}
	step := p.BaseBackoff
	for i := 1; i < retry && step < p.MaxBackoff; i++ {
		step *= 2
	}
	if step > p.MaxBackoff {
		step = p.MaxBackoff
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	half := step / 2
	return half + time.Duration(rnd()*float64(step-half))
}

// Envelope is the longest a job can legitimately stay in flight: every attempt
// hitting jobTimeout plus every backoff at its ceiling.
func (p RetryPolicy) Envelope(jobTimeout time.Duration) time.Duration {
	attempts := time.Duration(p.MaxRetries + 1)
	return attempts*jobTimeout + time.Duration(p.MaxRetries)*p.MaxBackoff
}

// cacheRetry retries transient cache failures with doubling backoff.
type cacheRetry struct {
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func defaultCacheRetry(logger *zap.Logger) cacheRetry {
	return cacheRetry{logger: logger, retryAttempts: 3, initialBackoff: 50 * time.Millisecond, maxBackoff: time.Second}
}

func (r cacheRetry) do(ctx context.Context, jobID, operation string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, jobID, 1, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithJob(r.logger, operation, jobID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, jobID, attempt, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			return logging.NewOperationError(operation, jobID, attempt+1, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, jobID, r.retryAttempts, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
