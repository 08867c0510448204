package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisQueue keeps ready tasks in a list and delayed tasks in a sorted set
// scored by their due time. A dequeued task sits in a processing list until
// it is acked.
type RedisQueue struct {
	client        *redis.Client
	key           string
	delayedKey    string
	processingKey string
	pollTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewRedisQueue creates a queue rooted at key.
func NewRedisQueue(client *redis.Client, key string, pollTimeout time.Duration, logger *zap.Logger) *RedisQueue {
	return &RedisQueue{
		client:        client,
		key:           key,
		delayedKey:    key + ":delayed",
		processingKey: key + ":processing",
		pollTimeout:   pollTimeout,
		logger:        logger.Named("redis_queue"),
		now:           time.Now,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message, delay time.Duration) error {
	body, err := encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if delay <= 0 {
		return q.client.LPush(ctx, q.key, body).Err()
	}
	due := q.now().Add(delay).UnixMilli()
	return q.client.ZAdd(ctx, q.delayedKey, &redis.Z{Score: float64(due), Member: body}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Message, error) {
	if err := q.promoteDue(ctx); err != nil {
		q.logger.Warn("failed to promote delayed tasks", zap.Error(err))
	}

	body, err := q.client.BRPopLPush(ctx, q.key, q.processingKey, q.pollTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	msg, err := decode(body)
	if err != nil {
		q.logger.Error("dropping malformed task", zap.String("body", body), zap.Error(err))
		if err := q.client.LRem(ctx, q.processingKey, 1, body).Err(); err != nil {
			q.logger.Warn("failed to remove malformed task", zap.Error(err))
		}
		return nil, nil
	}
	msg.receipt = body
	return msg, nil
}

// Ack removes the delivered task from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, msg *Message) error {
	if msg == nil || msg.receipt == "" {
		return nil
	}
	return q.client.LRem(ctx, q.processingKey, 1, msg.receipt).Err()
}

// promoteDue moves due delayed tasks onto the ready list. ZREM decides which
// consumer wins a task when several promote concurrently.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 50,
	}).Result()
	if err != nil {
		return err
	}
	for _, body := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey, body).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.key, body).Err(); err != nil {
			return err
		}
	}
	return nil
}
