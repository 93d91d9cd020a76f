// Package worker hosts the router's background machinery: a bounded
// task pool for fire-and-forget work and periodic sweepers for delivery
// retries and spike checks.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	appconfig "github.com/ignite/inbound-router/internal/config"
	"github.com/ignite/inbound-router/internal/pkg/logger"
)

// Task is one unit of background work.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed set of goroutines behind a bounded queue.
// Submission never blocks; a full queue sheds the task and reports it,
// which callers must treat as acceptable loss.
type Pool struct {
	tasks   chan Task
	workers int
	drain   time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewPool(cfg appconfig.PoolConfig) *Pool {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	queue := cfg.QueueSize
	if queue < 1 {
		queue = workers
	}
	return &Pool{
		tasks:   make(chan Task, queue),
		workers: workers,
		drain:   cfg.DrainDeadline,
	}
}

// Start launches the workers. They run until Stop closes the queue.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	logger.Info("worker pool started", "workers", p.workers, "queue", cap(p.tasks))
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.runOne(ctx, task)
	}
}

// runOne isolates one task; a panicking task loses only its own email,
// not the worker or the process.
func (p *Pool) runOne(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("worker task panicked", "panic", fmt.Sprintf("%v", r))
		}
	}()
	task(ctx)
}

// Submit enqueues a task. Returns false when the queue is full.
func (p *Pool) Submit(task Task) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		logger.Warn("worker pool queue full, task dropped")
		return false
	}
}

// Stop closes the queue and waits for in-flight tasks up to the drain
// deadline. Tasks still running after that are abandoned to process
// exit.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.tasks)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		if p.drain <= 0 {
			<-done
			return
		}
		select {
		case <-done:
		case <-time.After(p.drain):
			logger.Warn("worker pool drain deadline exceeded", "deadline", p.drain.String())
		}
	})
}
