// Package worker runs fire-and-forget persistence off the request path.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is passed to a task's failure handler when the pool is saturated
var ErrQueueFull = errors.New("worker queue full")

// ErrNotStarted is returned by Submit before Start or after Stop
var ErrNotStarted = errors.New("worker pool not running")

// Task is one unit of background work
type Task struct {
	Name string
	Run  func(ctx context.Context) error

	// OnFailure receives the error of a failed or rejected task; it usually
	// routes the payload to the dead-letter queue.
	OnFailure func(err error)
}

// Submitter accepts background tasks
type Submitter interface {
	Submit(task Task) error
}

// Config holds configuration for the Pool
type Config struct {
	QueueSize   int           // Size of the task buffer channel
	WorkerCount int           // Number of concurrent workers
	TaskTimeout time.Duration // Deadline applied to each task
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		QueueSize:   10000,
		WorkerCount: 5,
		TaskTimeout: 5 * time.Second,
	}
}

// Pool is a bounded queue drained by a fixed set of workers
type Pool struct {
	logger      *zap.Logger
	tasks       chan Task
	workerCount int
	queueSize   int
	taskTimeout time.Duration
	wg          sync.WaitGroup
	started     bool
	stopped     bool
	mu          sync.RWMutex
}

// NewPool creates a new worker pool
func NewPool(config Config, logger *zap.Logger) *Pool {
	if config.WorkerCount < 1 {
		config.WorkerCount = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = 1
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 5 * time.Second
	}
	return &Pool{
		logger:      logger,
		tasks:       make(chan Task, config.QueueSize),
		workerCount: config.WorkerCount,
		queueSize:   config.QueueSize,
		taskTimeout: config.TaskTimeout,
	}
}

// Start starts the background workers
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("worker pool already started")
	}

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.started = true
	p.logger.Info("started worker pool",
		zap.Int("worker_count", p.workerCount),
		zap.Int("queue_size", p.queueSize))
	return nil
}

// Stop closes the queue and waits for pending tasks to finish
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("worker pool not running")
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool", zap.Int("pending_tasks", len(p.tasks)))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool stop timeout after %v", timeout)
	}
}

// Submit enqueues a task without blocking. A full queue hands the task to
// its failure handler with ErrQueueFull.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started || p.stopped {
		p.fail(task, ErrNotStarted)
		return ErrNotStarted
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		p.logger.Warn("worker queue full, dead-lettering task", zap.String("task", task.Name))
		p.fail(task, ErrQueueFull)
		return ErrQueueFull
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.logger.Debug("worker started", zap.Int("worker_id", id))

	for task := range p.tasks {
		if err := p.run(task); err != nil {
			p.logger.Error("background task failed",
				zap.Int("worker_id", id),
				zap.String("task", task.Name),
				zap.Error(err))
			p.fail(task, err)
		}
	}

	p.logger.Debug("worker stopped", zap.Int("worker_id", id))
}

func (p *Pool) run(task Task) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.taskTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Run(ctx)
}

func (p *Pool) fail(task Task, err error) {
	if task.OnFailure != nil {
		task.OnFailure(err)
	}
}

// GetStats returns statistics about the pool
func (p *Pool) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return Stats{
		QueueSize:    p.queueSize,
		PendingTasks: len(p.tasks),
		WorkerCount:  p.workerCount,
		Started:      p.started && !p.stopped,
	}
}

// Stats represents pool statistics
type Stats struct {
	QueueSize    int
	PendingTasks int
	WorkerCount  int
	Started      bool
}

// Inline runs each task synchronously on the caller's goroutine
type Inline struct{}

// Submit implements Submitter
func (Inline) Submit(task Task) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := task.Run(ctx); err != nil {
		if task.OnFailure != nil {
			task.OnFailure(err)
		}
		return err
	}
	return nil
}
