package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// maxSQSDelay is the longest DelaySeconds SQS accepts.
const maxSQSDelay = 15 * time.Minute

// maxSQSWait is the longest long-poll SQS accepts.
const maxSQSWait = 20 * time.Second

// SQSAPI is the subset of the SQS client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue delivers tasks through an SQS queue. A message that is never
// acked becomes visible again after the queue's visibility timeout.
type SQSQueue struct {
	client      SQSAPI
	queueURL    string
	pollTimeout time.Duration
	logger      *zap.Logger
}

// NewSQSQueue returns a queue bound to queueURL.
func NewSQSQueue(client SQSAPI, queueURL string, pollTimeout time.Duration, logger *zap.Logger) *SQSQueue {
	return &SQSQueue{
		client:      client,
		queueURL:    queueURL,
		pollTimeout: pollTimeout,
		logger:      logger.Named("sqs_queue"),
	}
}

func (q *SQSQueue) Enqueue(ctx context.Context, msg Message, delay time.Duration) error {
	body, err := encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}
	if delay < 0 {
		delay = 0
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(body),
		DelaySeconds: int32(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Dequeue(ctx context.Context) (*Message, error) {
	wait := q.pollTimeout
	if wait > maxSQSWait {
		wait = maxSQSWait
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(wait / time.Second),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("receive message: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	raw := out.Messages[0]
	msg, err := decode(aws.ToString(raw.Body))
	if err != nil {
		q.logger.Error("dropping malformed task", zap.String("message_id", aws.ToString(raw.MessageId)), zap.Error(err))
		q.delete(ctx, aws.ToString(raw.ReceiptHandle))
		return nil, nil
	}
	msg.receipt = aws.ToString(raw.ReceiptHandle)
	return msg, nil
}

func (q *SQSQueue) Ack(ctx context.Context, msg *Message) error {
	if msg == nil || msg.receipt == "" {
		return nil
	}
	return q.delete(ctx, msg.receipt)
}

func (q *SQSQueue) delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}
