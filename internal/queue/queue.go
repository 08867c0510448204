// Package queue carries recognition tasks from intake to the worker pool.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned by Dequeue once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// Message is one delivery of a recognition task. The task id is the job id.
type Message struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
	TraceID string `json:"trace_id,omitempty"`

	receipt string
}

// Queue is an at-least-once task queue with delayed delivery.
type Queue interface {
	// Enqueue makes msg visible after delay.
	Enqueue(ctx context.Context, msg Message, delay time.Duration) error
	// Dequeue blocks up to the backend's poll timeout. It returns nil, nil
	// when nothing arrived.
	Dequeue(ctx context.Context) (*Message, error)
	// Ack removes a delivered message. An unacked message is either
	// redelivered by the backend or left for the caller to requeue.
	Ack(ctx context.Context, msg *Message) error
}

func encode(msg Message) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decode(body string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return nil, err
	}
	if msg.JobID == "" {
		return nil, errors.New("message without job_id")
	}
	return &msg, nil
}
