// ============================================================================
// clipflow Worker Pool - bounded stage executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Owns the lifecycle of W worker goroutines and the channels that
//          connect them to the controller.
//
// Architecture:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   NewPool() -> Start(n) -> Submit()/ReceiveResult() -> Stop()
//
// Shutdown:
//   Stop() closes stopCh first so a blocked Submit returns, then closes
//   taskCh under the write lock. Submit holds the read lock while sending,
//   so a send never races with the close. Workers finish their current
//   stage, results are delivered, and resultCh is closed last.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var log = slog.Default()

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolClosed is returned after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// ============================================================================
// Pool
// ============================================================================

// Pool runs stage tasks on a fixed number of workers.
type Pool struct {
	ctx      context.Context
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.RWMutex
}

// NewPool creates a pool whose channels buffer bufferSize items.
func NewPool(bufferSize int) *Pool {
	return NewPoolWithContext(context.Background(), bufferSize)
}

// NewPoolWithContext is NewPool with a parent context for every stage call.
func NewPoolWithContext(ctx context.Context, bufferSize int) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &Pool{
		ctx:      ctx,
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount workers.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount <= 0 {
		return errors.New("worker count must be positive")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(p.ctx, i, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	p.started = true
	return nil
}

// Submit hands a task to the next free worker, blocking while all are busy.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// ReceiveResult blocks until a result is available.
// It returns ErrPoolClosed once the pool is stopped and drained.
func (p *Pool) ReceiveResult() (Result, error) {
	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop waits for in-flight stages to finish and closes the result channel.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		p.stopped = true
		close(p.taskCh)
		p.mu.Unlock()

		p.wg.Wait()
		close(p.resultCh)
	})
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}
