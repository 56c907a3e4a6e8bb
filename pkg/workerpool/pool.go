// Package workerpool provides a bounded worker pool with per-task retries.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned when submitting to a stopped pool
var ErrStopped = errors.New("worker pool is stopped")

// Task is a unit of work
type Task struct {
	ID      string
	Payload any
}

// Result is the outcome of a task after all its attempts
type Result struct {
	TaskID   string
	Attempts int
	Err      error
}

// WorkerFunc processes one task attempt
type WorkerFunc func(ctx context.Context, task *Task) error

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the number of retries after a failed attempt
	MaxRetries int
	// RetryDelay grows linearly with the attempt number
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds Stop
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for relaying pending records
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              200 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type job struct {
	ctx   context.Context
	task  *Task
	reply chan Result
}

// Pool runs tasks on a fixed set of workers
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	mu      sync.RWMutex
	stopped bool
	jobs    chan job
	wg      sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a pool. Call Start before submitting.
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		jobs:       make(chan job, cfg.QueueSize),
	}, nil
}

// Start launches the workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, waiting for queue space until ctx is done. The
// returned channel receives exactly one Result.
func (p *Pool) Submit(ctx context.Context, task *Task) (<-chan Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}

	j := job{ctx: ctx, task: task, reply: make(chan Result, 1)}
	select {
	case p.jobs <- j:
		p.submitted.Add(1)
		return j.reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunBatch runs every task and returns their results in task order.
func (p *Pool) RunBatch(ctx context.Context, tasks []*Task) []Result {
	replies := make([]<-chan Result, len(tasks))
	results := make([]Result, len(tasks))
	for i, task := range tasks {
		reply, err := p.Submit(ctx, task)
		if err != nil {
			results[i] = Result{TaskID: task.ID, Err: err}
			continue
		}
		replies[i] = reply
	}
	for i, reply := range replies {
		if reply != nil {
			results[i] = <-reply
		}
	}
	return results
}

// Stop stops accepting tasks and waits for queued ones to finish
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		j.reply <- p.process(id, j)
	}
}

func (p *Pool) process(workerID int, j job) Result {
	result := Result{TaskID: j.task.ID}
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := j.ctx.Err(); err != nil {
			result.Err = err
			break
		}

		result.Attempts++
		result.Err = p.workerFunc(j.ctx, j.task)
		if result.Err == nil {
			break
		}

		if attempt < p.config.MaxRetries {
			p.retried.Add(1)
			p.logger.Debug("retrying task",
				zap.String("task_id", j.task.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(result.Err))

			select {
			case <-j.ctx.Done():
			case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}

	if result.Err != nil {
		p.failed.Add(1)
		p.logger.Warn("task failed",
			zap.String("task_id", j.task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Err))
	} else {
		p.completed.Add(1)
	}
	return result
}

// Stats is a snapshot of pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	QueueDepth     int
	Workers        int
}

// Stats returns current pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		QueueDepth:     len(p.jobs),
		Workers:        p.config.Workers,
	}
}
