package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/food-recognition/internal/usecase"
)

// DefaultRevokeChannel carries task ids to abort.
const DefaultRevokeChannel = "recognition:revoke"

// ErrNoListeners is returned when a revocation reached no worker process.
var ErrNoListeners = errors.New("no worker received the revocation")

// Publisher is the redis publish call the revoker needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Revoker fans task revocations out to every worker process over redis pub/sub.
type Revoker struct {
	publisher Publisher
	channel   string
	logger    *zap.Logger
}

// NewRevoker creates a revoker publishing on channel.
func NewRevoker(publisher Publisher, channel string, logger *zap.Logger) *Revoker {
	if channel == "" {
		channel = DefaultRevokeChannel
	}
	return &Revoker{publisher: publisher, channel: channel, logger: logger.Named("revoker")}
}

// Handles wraps task ids as revocable handles.
func (r *Revoker) Handles(taskIDs []string) []usecase.TaskHandle {
	handles := make([]usecase.TaskHandle, 0, len(taskIDs))
	for _, id := range taskIDs {
		if id != "" {
			handles = append(handles, &taskHandle{id: id, revoker: r})
		}
	}
	return handles
}

// Listen subscribes to revocations and applies them to pool until ctx is done.
func (r *Revoker) Listen(ctx context.Context, client *redis.Client, pool *Pool) {
	sub := client.Subscribe(ctx, r.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if pool.Revoke(msg.Payload) {
				r.logger.Info("revoked in-flight task", zap.String("task_id", msg.Payload))
			}
		}
	}
}

type taskHandle struct {
	id      string
	revoker *Revoker
}

func (h *taskHandle) ID() string { return h.id }

// Cancel publishes the revocation. It fails when no worker is listening.
func (h *taskHandle) Cancel(ctx context.Context) error {
	receivers, err := h.revoker.publisher.Publish(ctx, h.revoker.channel, h.id).Result()
	if err != nil {
		return fmt.Errorf("publish revocation: %w", err)
	}
	if receivers == 0 {
		return ErrNoListeners
	}
	return nil
}
