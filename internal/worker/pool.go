// Package worker drains the recognition queue and hosts the background
// services that run next to it.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/food-recognition/internal/logging"
	"github.com/example/food-recognition/internal/queue"
	"github.com/example/food-recognition/internal/usecase"
)

// Processor handles one delivery. A non-nil error sends the delivery back to
// the queue.
type Processor interface {
	Process(ctx context.Context, msg queue.Message) error
}

// Pool runs a fixed number of goroutines, each taking one job at a time
// through the processor.
type Pool struct {
	queue   queue.Queue
	proc    Processor
	logger  *zap.Logger
	workers int
	timeout time.Duration
	idle    time.Duration
	requeue time.Duration

	wg     sync.WaitGroup
	once   sync.Once
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithJobTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithErrorBackoff sets the pause after a failed dequeue.
func WithErrorBackoff(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.idle = d
		}
	}
}

// WithRequeueDelay sets how long a delivery whose processing failed waits
// before it is visible again.
func WithRequeueDelay(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.requeue = d
		}
	}
}

func NewPool(q queue.Queue, proc Processor, logger *zap.Logger, opts ...Option) *Pool {
	p := &Pool{
		queue:    q,
		proc:     proc,
		logger:   logger.Named("worker_pool"),
		workers:  4,
		timeout:  90 * time.Second,
		idle:     time.Second,
		requeue:  5 * time.Second,
		inflight: make(map[string]context.CancelCauseFunc),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the workers. They stop when ctx is done or Shutdown is called.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.logger.Info("worker started", zap.Int("worker_id", workerID))
				p.run(ctx, workerID)
				p.logger.Info("worker stopped", zap.Int("worker_id", workerID))
			}(i + 1)
		}
	})
}

func (p *Pool) run(ctx context.Context, workerID int) {
	for ctx.Err() == nil {
		msg, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", zap.Int("worker_id", workerID), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.idle):
			}
			continue
		}
		if msg == nil {
			continue
		}
		p.handle(ctx, workerID, msg)
	}
}

func (p *Pool) handle(ctx context.Context, workerID int, msg *queue.Message) {
	opLogger := logging.WithJob(p.logger, "worker.handle", msg.JobID).With(zap.Int("worker_id", workerID))

	jobCtx, revoke := context.WithCancelCause(ctx)
	jobCtx, cancel := context.WithTimeout(jobCtx, p.timeout)
	p.track(msg.JobID, revoke)
	err := p.proc.Process(jobCtx, *msg)
	p.untrack(msg.JobID)
	cancel()
	revoke(nil)

	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer ackCancel()
	if err != nil {
		opLogger.Error("processing failed, requeueing delivery", append(logging.ErrorFields(err), zap.Duration("delay", p.requeue))...)
		// The copy goes out before the original is acked; a failed requeue
		// leaves the original to the backend.
		if err := p.queue.Enqueue(ackCtx, *msg, p.requeue); err != nil {
			opLogger.Error("requeue failed, delivery left unacked", zap.Error(err))
			return
		}
	}
	if err := p.queue.Ack(ackCtx, msg); err != nil {
		opLogger.Warn("ack failed", zap.Error(err))
	}
}

// Revoke aborts the in-flight task with the given id on this pool. It reports
// whether such a task was running here.
func (p *Pool) Revoke(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	revoke, ok := p.inflight[taskID]
	if ok {
		revoke(usecase.ErrRevoked)
	}
	return ok
}

// InFlight returns the number of tasks currently being processed.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Pool) track(taskID string, revoke context.CancelCauseFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight[taskID] = revoke
}

func (p *Pool) untrack(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, taskID)
}

// Shutdown stops the workers and waits for in-flight jobs to wind down.
func (p *Pool) Shutdown(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("shutdown interrupted by context")
	case <-done:
		p.logger.Info("workers drained, shutdown complete")
	}
}
